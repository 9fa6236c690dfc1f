package http_test

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"

	"github.com/ChargeLab/OpenOCPP-sub001/internal/config"
	"github.com/ChargeLab/OpenOCPP-sub001/internal/dlq"
	"github.com/ChargeLab/OpenOCPP-sub001/internal/logging"
	"github.com/ChargeLab/OpenOCPP-sub001/internal/metrics"
	"github.com/ChargeLab/OpenOCPP-sub001/internal/pending"
	"github.com/ChargeLab/OpenOCPP-sub001/internal/station"
	transphttp "github.com/ChargeLab/OpenOCPP-sub001/internal/transport/http"
	"github.com/ChargeLab/OpenOCPP-sub001/internal/types"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

type fakeStation struct {
	state    *station.State
	flushes  int
	replays  []int
	uploads  []string
	requests []int
}

func (f *fakeStation) State() *station.State { return f.state }
func (f *fakeStation) RequestFlush()         { f.flushes++ }
func (f *fakeStation) RequestReplay(n int)   { f.replays = append(f.replays, n) }

func (f *fakeStation) RequestUpload(url string, requestID int) {
	f.uploads = append(f.uploads, url)
	f.requests = append(f.requests, requestID)
}

type fixture struct {
	h       http.Handler
	station *fakeStation
	journal *dlq.Journal
	ring    *logging.Ring
	reg     *metrics.Registry
}

func newTestServer(t *testing.T, mutate ...func(*config.DiagnosticsConfig)) *fixture {
	t.Helper()
	cfg := config.Default().Diagnostics
	cfg.RateLimit = 0
	for _, m := range mutate {
		m(&cfg)
	}
	f := &fixture{
		station: &fakeStation{state: &station.State{
			Connected:    true,
			BootAccepted: true,
			Pending:      pending.Snapshot{Version: "ocpp1.6", Live: 2, Offline: 3},
		}},
		journal: dlq.New(8, nil),
		ring:    logging.NewWarnRing(8),
		reg:     &metrics.Registry{},
	}
	srv := transphttp.New(cfg, transphttp.Deps{
		StationID: "CP-1",
		DataDir:   t.TempDir(),
		Station:   f.station,
		Journal:   f.journal,
		Logs:      f.ring,
		Metrics:   f.reg,
	})
	f.h = srv.Handler()
	return f
}

func doRequest(t *testing.T, h http.Handler, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reqBody bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&reqBody).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &reqBody)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeResp(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v, body: %s", err, rr.Body.String())
	}
}

// ─── Health ───────────────────────────────────────────────────────────────────

func TestHTTP_Health(t *testing.T) {
	f := newTestServer(t)
	rr := doRequest(t, f.h, "GET", "/health", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("health: want 200, got %d, body: %s", rr.Code, rr.Body)
	}
	var resp map[string]any
	decodeResp(t, rr, &resp)
	if resp["status"] != "ok" || resp["station_id"] != "CP-1" || resp["protocol"] != "ocpp1.6" {
		t.Errorf("health: %v", resp)
	}
	if resp["pending"] != float64(5) || resp["connected"] != true {
		t.Errorf("health pending/connected: %v", resp)
	}
}

// ─── Delivery state ───────────────────────────────────────────────────────────

func TestHTTP_Pending(t *testing.T) {
	f := newTestServer(t)
	rr := doRequest(t, f.h, "GET", "/api/pending", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("pending: want 200, got %d", rr.Code)
	}
	var s station.State
	decodeResp(t, rr, &s)
	if s.Pending.Live != 2 || s.Pending.Offline != 3 || !s.BootAccepted {
		t.Errorf("pending: %+v", s)
	}
}

func TestHTTP_PendingBeforeFirstState(t *testing.T) {
	f := newTestServer(t)
	f.station.state = nil
	if rr := doRequest(t, f.h, "GET", "/api/pending", nil); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("want 503, got %d", rr.Code)
	}
}

func TestHTTP_Flush(t *testing.T) {
	f := newTestServer(t)
	rr := doRequest(t, f.h, "POST", "/api/flush", nil)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("flush: want 202, got %d", rr.Code)
	}
	if f.station.flushes != 1 {
		t.Errorf("flush requests: got %d want 1", f.station.flushes)
	}
}

// ─── Dropped records ──────────────────────────────────────────────────────────

func TestHTTP_DroppedAndReplay(t *testing.T) {
	f := newTestServer(t)
	for i := int64(1); i <= 3; i++ {
		f.journal.RecordDropped(types.Record{UniqueID: i, Actions: types.ActionTags{V16: "Heartbeat"}}, pending.DropAttemptsExhausted)
	}

	rr := doRequest(t, f.h, "GET", "/api/dropped?limit=2", nil)
	var resp struct {
		Entries []dlq.Entry `json:"entries"`
		Total   int64       `json:"total"`
	}
	decodeResp(t, rr, &resp)
	if len(resp.Entries) != 2 || resp.Entries[0].UniqueID != 2 || resp.Total != 3 {
		t.Fatalf("dropped: %+v", resp)
	}

	rr = doRequest(t, f.h, "POST", "/api/dropped/replay", map[string]int{"limit": 2})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("replay: want 202, got %d: %s", rr.Code, rr.Body)
	}
	rr = doRequest(t, f.h, "POST", "/api/dropped/replay", nil)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("replay without body: want 202, got %d: %s", rr.Code, rr.Body)
	}
	if len(f.station.replays) != 2 || f.station.replays[0] != 2 || f.station.replays[1] != 0 {
		t.Errorf("replay requests: %v", f.station.replays)
	}

	rr = doRequest(t, f.h, "POST", "/api/dropped/replay", map[string]int{"limit": -1})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("negative limit: want 400, got %d", rr.Code)
	}
	rr = doRequest(t, f.h, "POST", "/api/dropped/replay", map[string]int{"count": 1})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("unknown field: want 400, got %d", rr.Code)
	}
}

// ─── Logs ─────────────────────────────────────────────────────────────────────

func TestHTTP_Logs(t *testing.T) {
	f := newTestServer(t)
	logger := logging.New(nil, f.ring)
	logger.Info("station: not kept")
	logger.Warn("station: disconnected", "pending", 4)

	rr := doRequest(t, f.h, "GET", "/api/logs", nil)
	var resp struct {
		Entries []logging.Entry `json:"entries"`
	}
	decodeResp(t, rr, &resp)
	if len(resp.Entries) != 1 || resp.Entries[0].Message != "station: disconnected" {
		t.Fatalf("logs: %+v", resp.Entries)
	}
}

// ─── Upload ───────────────────────────────────────────────────────────────────

func TestHTTP_Upload(t *testing.T) {
	f := newTestServer(t)
	rr := doRequest(t, f.h, "POST", "/api/upload", map[string]any{"url": "https://logs.example.com/u", "request_id": 5})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("upload: want 202, got %d: %s", rr.Code, rr.Body)
	}
	if len(f.station.uploads) != 1 || f.station.requests[0] != 5 {
		t.Errorf("upload requests: %v %v", f.station.uploads, f.station.requests)
	}

	for _, bad := range []string{"", "ftp://x/y", "file:///etc/passwd", "not a url"} {
		rr = doRequest(t, f.h, "POST", "/api/upload", map[string]any{"url": bad})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("url %q: want 400, got %d", bad, rr.Code)
		}
	}
}

// ─── Middleware ───────────────────────────────────────────────────────────────

func TestHTTP_APIKey(t *testing.T) {
	f := newTestServer(t, func(c *config.DiagnosticsConfig) { c.APIKey = "k3y" })

	if rr := doRequest(t, f.h, "GET", "/api/pending", nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("no key: want 401, got %d", rr.Code)
	}
	if rr := doRequest(t, f.h, "GET", "/api/pending", nil, "X-Api-Key", "wrong"); rr.Code != http.StatusUnauthorized {
		t.Fatalf("wrong key: want 401, got %d", rr.Code)
	}
	if rr := doRequest(t, f.h, "GET", "/api/pending", nil, "X-Api-Key", "k3y"); rr.Code != http.StatusOK {
		t.Fatalf("right key: want 200, got %d", rr.Code)
	}
	if rr := doRequest(t, f.h, "GET", "/health", nil); rr.Code != http.StatusOK {
		t.Fatalf("health without key: want 200, got %d", rr.Code)
	}
}

func TestHTTP_RateLimit(t *testing.T) {
	f := newTestServer(t, func(c *config.DiagnosticsConfig) { c.RateLimit, c.Burst = 1, 2 })
	codes := make([]int, 3)
	for i := range codes {
		codes[i] = doRequest(t, f.h, "GET", "/health", nil).Code
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("codes: %v", codes)
	}
}

func TestHTTP_MetricsCountsRequests(t *testing.T) {
	f := newTestServer(t)
	doRequest(t, f.h, "POST", "/api/flush", nil)

	rr := doRequest(t, f.h, "GET", "/metrics", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics: want 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `path="/api/flush"`) {
		t.Errorf("metrics output lacks the flush request:\n%s", rr.Body)
	}
}
