package di

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"OmegaBTC/internal/domain/models"
	"OmegaBTC/internal/service/paper"
	"OmegaBTC/pkg/apperr"
	"OmegaBTC/pkg/config"
	"OmegaBTC/pkg/logger"
	"OmegaBTC/pkg/store"

	"github.com/alicebob/miniredis/v2"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("exchange:\n  kind: paper\nserver:\n  enabled: false\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	cfg.Store.URL = "memory://"
	cfg.Exchange.Kind = "paper"
	cfg.Server.Enabled = false
	cfg.Kafka.Brokers = nil
	cfg.ClickHouse.Enabled = false
	cfg.Logging.Level = "error"
	return cfg
}

func TestInitializeAppOffline(t *testing.T) {
	app, err := InitializeApp(testConfig(t))
	if err != nil {
		t.Fatalf("InitializeApp: %v", err)
	}
	if got := app.Health(context.Background()).Status; got != models.StatusStarting {
		t.Errorf("status before start = %s, want %s", got, models.StatusStarting)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	n, err := app.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if n != 0 {
		t.Errorf("drained %d events from an empty queue", n)
	}
}

func TestProvideStoreRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Store.URL = "redis://" + mr.Addr()
	cfg.Store.Prefix = "omega"

	st, err := ProvideStore(cfg, logger.Nop())
	if err != nil {
		t.Fatalf("ProvideStore: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	if err := st.Put(ctx, models.KeyLastPrice, "65000.5", 0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !mr.Exists("omega:" + models.KeyLastPrice) {
		t.Errorf("prefixed key not written; keys = %v", mr.Keys())
	}
	if !st.Accepting() {
		t.Error("guard should accept while redis is up")
	}
}

func TestProvideExchange(t *testing.T) {
	cfg := testConfig(t)
	st, err := ProvideStore(cfg, logger.Nop())
	if err != nil {
		t.Fatalf("ProvideStore: %v", err)
	}
	defer st.Close()

	adapter, err := ProvideExchange(cfg, st, nil, logger.Nop())
	if err != nil {
		t.Fatalf("ProvideExchange: %v", err)
	}
	if _, ok := adapter.(*paper.Exchange); !ok {
		t.Fatalf("adapter = %T, want *paper.Exchange", adapter)
	}

	cfg.Exchange.PaperBalance = "lots"
	if _, err := ProvideExchange(cfg, st, nil, logger.Nop()); !apperr.Is(err, apperr.KindConfiguration) {
		t.Errorf("bad balance error = %v, want configuration error", err)
	}
}

func TestProvideStoreRejectsBadURL(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.URL = "redis://127.0.0.1:1"
	cfg.Store.DialTimeout = 200 * time.Millisecond
	if _, err := ProvideStore(cfg, logger.Nop()); err == nil {
		t.Fatal("expected an error for an unreachable store")
	}
}

var _ store.Store = (*store.Guard)(nil)
