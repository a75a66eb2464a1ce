package bitget

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"OmegaBTC/internal/domain/models"
	"OmegaBTC/pkg/apperr"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// serveFrames accepts one subscribe request, replies with frames and then
// holds the connection open until the client leaves.
func serveFrames(t *testing.T, frames ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var sub subRequest
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		if sub.Op != "subscribe" || len(sub.Args) != 1 || sub.Args[0].Channel != "ticker" || sub.Args[0].InstID != "BTCUSDT" {
			t.Errorf("subscribe = %+v", sub)
		}
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func collect(t *testing.T, ticks <-chan *models.RawTick, n int) []*models.RawTick {
	t.Helper()
	var out []*models.RawTick
	deadline := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case tk, ok := <-ticks:
			if !ok {
				t.Fatalf("stream closed after %d ticks", len(out))
			}
			out = append(out, tk)
		case <-deadline:
			t.Fatalf("timed out after %d ticks", len(out))
		}
	}
	return out
}

func TestStreamDecodesTickerFrames(t *testing.T) {
	srv := serveFrames(t,
		`{"event":"subscribe","arg":{"instType":"mc","channel":"ticker","instId":"BTCUSDT"}}`,
		`{"action":"snapshot","data":[{"instId":"BTCUSDT","last":"43000.5","baseVolume":"1000","systemTime":1700000000000}]}`,
		`{"action":"snapshot","data":[{"instId":"BTCUSDT","last":"43001","baseVolume":"1002.5","systemTime":1700000000250}]}`,
		`{"timestamp_ms":1700000000500,"price":"43002","volume":"0.1"}`,
	)
	s := NewStream(StreamConfig{URL: wsURL(srv), InstID: InstID("BTCUSDT_UMCBL")}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer s.Close()
	if err := s.Subscribe(ctx); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	ticks, _ := s.Read(ctx)
	got := collect(t, ticks, 3)

	want := []models.RawTick{
		{TimestampMs: 1700000000000, Price: "43000.5", Volume: "0"},
		{TimestampMs: 1700000000250, Price: "43001", Volume: "2.5"},
		{TimestampMs: 1700000000500, Price: "43002", Volume: "0.1"},
	}
	for i, w := range want {
		g := got[i]
		if g.TimestampMs != w.TimestampMs || g.Price != w.Price || g.Volume != w.Volume {
			t.Errorf("tick %d = %+v, want %+v", i, *g, w)
		}
	}
}

func TestStreamErrorEvent(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		kind  apperr.Kind
	}{
		{"bad credentials", `{"event":"error","code":30005,"msg":"invalid sign"}`, apperr.KindAuthentication},
		{"rejected subscription", `{"event":"error","code":30001,"msg":"channel does not exist"}`, apperr.KindAuthentication},
		{"server busy", `{"event":"error","code":30040,"msg":"busy"}`, apperr.KindTransientNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStream(StreamConfig{}, nil)
			_, err := s.decode([]byte(tt.frame))
			if apperr.KindOf(err) != tt.kind {
				t.Fatalf("kind = %s, want %s", apperr.KindOf(err), tt.kind)
			}
		})
	}
}

func TestStreamVolumeResetsOnWindowRollover(t *testing.T) {
	s := NewStream(StreamConfig{}, nil)
	for i, tc := range []struct{ base, want string }{
		{"500", "0"},
		{"501.25", "1.25"},
		{"10", "0"},
		{"12", "2"},
	} {
		if got := s.volumeDelta(tc.base); got != tc.want {
			t.Errorf("step %d: delta(%s) = %s, want %s", i, tc.base, got, tc.want)
		}
	}
}

func TestStreamHandshakeRejected(t *testing.T) {
	tests := []struct {
		status    int
		wantKind  apperr.Kind
		wantFatal bool
	}{
		{http.StatusBadRequest, apperr.KindConfiguration, true},
		{http.StatusUnauthorized, apperr.KindAuthentication, true},
		{http.StatusForbidden, apperr.KindAuthentication, true},
		{http.StatusNotFound, apperr.KindConfiguration, true},
		{http.StatusTooManyRequests, apperr.KindTransientNetwork, false},
		{http.StatusBadGateway, apperr.KindTransientNetwork, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "rejected", tt.status)
			}))
			defer srv.Close()

			s := NewStream(StreamConfig{URL: wsURL(srv)}, nil)
			err := s.Connect(context.Background())
			if got := apperr.KindOf(err); got != tt.wantKind {
				t.Errorf("Connect kind = %v, want %v (err %v)", got, tt.wantKind, err)
			}
			if apperr.Fatal(err) != tt.wantFatal {
				t.Errorf("Fatal(%v) = %v, want %v", err, !tt.wantFatal, tt.wantFatal)
			}
		})
	}
}

func TestStreamFailsAfterMissedPongs(t *testing.T) {
	srv := serveFrames(t)
	s := NewStream(StreamConfig{URL: wsURL(srv), InstID: "BTCUSDT", PingInterval: 20 * time.Millisecond, MaxMissedPongs: 2}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer s.Close()
	if err := s.Subscribe(ctx); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	ticks, errs := s.Read(ctx)

	select {
	case err := <-errs:
		if !apperr.Is(err, apperr.KindTransientNetwork) {
			t.Fatalf("err = %v, want transient", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not fail on missing pongs")
	}
	for range ticks {
	}
}
