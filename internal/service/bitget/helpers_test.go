package bitget

import (
	"encoding/base64"
	"strconv"
	"time"

	"OmegaBTC/internal/service/ratelimit"
)

func decodeBase64(s string) ([]byte, error) { return base64.StdEncoding.DecodeString(s) }

func ratelimitRule() ratelimit.Rule { return ratelimit.Rule{Rate: 1000, Burst: 1000} }

func tsSkew(ts string, ref time.Time) time.Duration {
	ms, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return time.Hour
	}
	d := time.UnixMilli(ms).Sub(ref)
	if d < 0 {
		d = -d
	}
	return d
}
