package obs

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNewLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&buf, "WARN")
	log.Info().Msg("hidden")
	log.Warn().Msg("shown")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %q", buf.String())
	}
	var ev map[string]any
	if err := json.Unmarshal(lines[0], &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev["message"] != "shown" || ev["service"] != "gateguard" {
		t.Fatalf("unexpected event %v", ev)
	}

	if lvl := NewLogger(&buf, "bogus").GetLevel().String(); lvl != "info" {
		t.Fatalf("expected fallback to info, got %s", lvl)
	}
}

func TestLogger_AccessLog(t *testing.T) {
	var buf bytes.Buffer
	h := Logger(NewLogger(&buf, "info"))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	r := httptest.NewRequest(http.MethodGet, "/limited", nil)
	r.Header.Set("User-Agent", "curl/8")
	h.ServeHTTP(httptest.NewRecorder(), r)

	var ev map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &ev); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	if ev["path"] != "/limited" || ev["status"] != float64(429) || ev["ua"] != "curl/8" {
		t.Fatalf("unexpected access log %v", ev)
	}
}
