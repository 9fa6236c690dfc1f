package station_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/ChargeLab/OpenOCPP-sub001/internal/clock"
	"github.com/ChargeLab/OpenOCPP-sub001/internal/dlq"
	"github.com/ChargeLab/OpenOCPP-sub001/internal/ocpp"
	"github.com/ChargeLab/OpenOCPP-sub001/internal/pending"
	"github.com/ChargeLab/OpenOCPP-sub001/internal/station"
	"github.com/ChargeLab/OpenOCPP-sub001/internal/storage"
	"github.com/ChargeLab/OpenOCPP-sub001/internal/transport/websocket"
	"github.com/ChargeLab/OpenOCPP-sub001/internal/types"
	"github.com/ChargeLab/OpenOCPP-sub001/internal/upload"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type sentCall struct {
	id      int64
	action  string
	payload []byte
}

type fakeTransport struct {
	connected bool
	sent      []sentCall
	acks      []websocket.Ack
}

func (f *fakeTransport) Version() types.Version { return types.V16 }
func (f *fakeTransport) IsConnected() bool      { return f.connected }
func (f *fakeTransport) AdmitCall() bool        { return f.connected }

func (f *fakeTransport) Send(id int64, action string, payload []byte) bool {
	f.sent = append(f.sent, sentCall{id, action, append([]byte(nil), payload...)})
	return true
}

func (f *fakeTransport) Drain() []websocket.Ack {
	out := f.acks
	f.acks = nil
	return out
}

func (f *fakeTransport) last(t *testing.T) sentCall {
	t.Helper()
	if len(f.sent) == 0 {
		t.Fatal("nothing sent")
	}
	return f.sent[len(f.sent)-1]
}

// answer queues a CALLRESULT for the most recent call.
func (f *fakeTransport) answer(t *testing.T, payload string) {
	t.Helper()
	c := f.last(t)
	f.acks = append(f.acks, websocket.Ack{
		UniqueID: c.id,
		Action:   c.action,
		Frame: ocpp.Frame{
			Type:     ocpp.CallResult,
			UniqueID: ocpp.FormatID(c.id),
			Payload:  json.RawMessage(payload),
		},
	})
}

type fixture struct {
	runner  *station.Runner
	engine  *pending.Engine
	tr      *fakeTransport
	clk     *clock.Manual
	journal *dlq.Journal
	store   *storage.MemoryStore
}

func newFixture(t *testing.T, opts ...station.Option) *fixture {
	t.Helper()
	clk := clock.NewManual(t0)
	store := storage.NewMemoryStore()
	j := dlq.New(16, clk)
	eng := pending.New(pending.Config{CallTimeout: 5 * time.Second}, clk, store, pending.WithDropObserver(j))
	tr := &fakeTransport{connected: true}
	opts = append([]station.Option{station.WithJournal(j)}, opts...)
	r := station.New(station.Config{
		Station: ocpp.Station{Model: "M", Vendor: "V"},
	}, eng, tr, clk, opts...)
	return &fixture{runner: r, engine: eng, tr: tr, clk: clk, journal: j, store: store}
}

const accepted = `{"status":"Accepted","interval":300,"currentTime":"2026-03-01T12:00:00Z"}`

// acceptBoot completes the boot notification and the first heartbeat.
func (f *fixture) acceptBoot(t *testing.T) {
	t.Helper()
	f.runner.Tick()
	if c := f.tr.last(t); c.action != station.ActionBootNotification {
		t.Fatalf("first call: got %s want BootNotification", c.action)
	}
	f.tr.answer(t, accepted)
	f.runner.Tick()
	if c := f.tr.last(t); c.action != station.ActionHeartbeat {
		t.Fatalf("after boot: got %s want Heartbeat", c.action)
	}
	f.tr.answer(t, `{"currentTime":"2026-03-01T12:00:00Z"}`)
	f.runner.Tick()
	if !f.runner.State().BootAccepted {
		t.Fatal("state does not show boot accepted")
	}
}

func actions(calls []sentCall) []string {
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.action
	}
	return out
}

// ─── Boot notification ───────────────────────────────────────────────────────

func TestRunner_BootGatesEngine(t *testing.T) {
	f := newFixture(t)
	f.runner.Submit([]byte(`{"connectorId":1}`), types.ActionTags{V16: "StatusNotification"},
		types.Policy{MessageAttempts: 3})

	f.runner.Tick()
	f.runner.Tick()
	if got := actions(f.tr.sent); len(got) != 1 || got[0] != station.ActionBootNotification {
		t.Fatalf("before acceptance: sent %v", got)
	}
	if f.tr.sent[0].id >= 0 {
		t.Errorf("boot id %d collides with engine ids", f.tr.sent[0].id)
	}
	var boot map[string]any
	if err := json.Unmarshal(f.tr.sent[0].payload, &boot); err != nil || boot["chargePointModel"] != "M" {
		t.Errorf("boot payload %s (%v)", f.tr.sent[0].payload, err)
	}

	f.tr.answer(t, accepted)
	f.runner.Tick()
	if c := f.tr.last(t); c.action != "StatusNotification" {
		t.Fatalf("after acceptance: got %s want StatusNotification", c.action)
	}

	f.tr.answer(t, `{}`)
	f.runner.Tick()
	if c := f.tr.last(t); c.action != station.ActionHeartbeat {
		t.Fatalf("third call: got %s want Heartbeat", c.action)
	}
}

func TestRunner_BootRejectedRetriesAfterInterval(t *testing.T) {
	f := newFixture(t)
	f.runner.Tick()
	f.tr.answer(t, `{"status":"Rejected","interval":10,"currentTime":"2026-03-01T12:00:00Z"}`)
	f.runner.Tick()

	f.clk.Advance(9 * time.Second)
	f.runner.Tick()
	if len(f.tr.sent) != 1 {
		t.Fatalf("retried early: sent %v", actions(f.tr.sent))
	}
	if f.runner.State().BootAccepted {
		t.Fatal("rejected boot shown as accepted")
	}

	f.clk.Advance(time.Second)
	f.runner.Tick()
	if len(f.tr.sent) != 2 || f.tr.sent[1].action != station.ActionBootNotification {
		t.Fatalf("retry: sent %v", actions(f.tr.sent))
	}
	if f.tr.sent[1].id == f.tr.sent[0].id {
		t.Error("retry reused the boot id")
	}
}

func TestRunner_BootTimeoutRetries(t *testing.T) {
	f := newFixture(t)
	f.runner.Tick()

	f.clk.Advance(30 * time.Second)
	f.runner.Tick()
	if len(f.tr.sent) != 1 {
		t.Fatalf("resent before boot retry delay: %v", actions(f.tr.sent))
	}
	f.clk.Advance(time.Minute)
	f.runner.Tick()
	if len(f.tr.sent) != 2 {
		t.Fatalf("no retry after timeout: %v", actions(f.tr.sent))
	}
}

func TestRunner_DisconnectedSendsNothing(t *testing.T) {
	f := newFixture(t)
	f.tr.connected = false
	f.runner.Submit([]byte(`{}`), types.ActionTags{V16: "MeterValues"}, types.Policy{MessageAttempts: 3})
	for range 3 {
		f.runner.Tick()
	}
	if len(f.tr.sent) != 0 {
		t.Fatalf("sent while disconnected: %v", actions(f.tr.sent))
	}
	if f.engine.Len() != 1 {
		t.Fatalf("pending: got %d want 1", f.engine.Len())
	}
}

// ─── Heartbeat ───────────────────────────────────────────────────────────────

func TestRunner_HeartbeatInterval(t *testing.T) {
	f := newFixture(t)
	f.acceptBoot(t)
	n := len(f.tr.sent)

	f.clk.Advance(299 * time.Second)
	f.runner.Tick()
	if len(f.tr.sent) != n {
		t.Fatalf("heartbeat before interval: %v", actions(f.tr.sent[n:]))
	}
	f.clk.Advance(time.Second)
	f.runner.Tick()
	if len(f.tr.sent) != n+1 || f.tr.last(t).action != station.ActionHeartbeat {
		t.Fatalf("heartbeat at interval: %v", actions(f.tr.sent[n:]))
	}
	if f.runner.State().LastHeartbeat.IsZero() {
		t.Error("last heartbeat not published")
	}
}

// ─── Acknowledgements ────────────────────────────────────────────────────────

func TestRunner_LearnsTransactionIDThroughRegistry(t *testing.T) {
	f := newFixture(t)
	f.acceptBoot(t)

	g := uint64(7)
	f.runner.Submit([]byte(`{"connectorId":1}`), types.ActionTags{V16: "StartTransaction"},
		types.Policy{Type: types.MessageTransactionStart, GroupID: &g, MessageAttempts: 3})
	f.runner.Tick()
	f.tr.answer(t, `{"transactionId":42,"idTagInfo":{"status":"Accepted"}}`)

	f.runner.Submit([]byte(`{"meterStop":10}`), types.ActionTags{V16: "StopTransaction"},
		types.Policy{Type: types.MessageTransactionEnd, GroupID: &g, MessageAttempts: 3, AddTransactionID: true})
	f.runner.Tick()

	stop := f.tr.last(t)
	if stop.action != "StopTransaction" {
		t.Fatalf("got %s want StopTransaction", stop.action)
	}
	var m map[string]any
	if err := json.Unmarshal(stop.payload, &m); err != nil {
		t.Fatalf("stop payload: %v", err)
	}
	if m["transactionId"] != float64(42) {
		t.Errorf("transactionId: got %v want 42 (%s)", m["transactionId"], stop.payload)
	}
}

func TestRunner_ReplaysDroppedRecords(t *testing.T) {
	f := newFixture(t)
	f.acceptBoot(t)

	f.runner.Submit([]byte(`{"status":"Available"}`), types.ActionTags{V16: "StatusNotification"},
		types.Policy{MessageAttempts: 1})
	f.runner.Tick()
	first := f.tr.last(t)

	f.clk.Advance(5 * time.Second)
	f.runner.Tick()
	if f.journal.Len() != 1 || f.engine.Len() != 0 {
		t.Fatalf("after timeout: journal %d pending %d", f.journal.Len(), f.engine.Len())
	}

	f.runner.RequestReplay(0)
	f.runner.Tick()
	again := f.tr.last(t)
	if again.action != "StatusNotification" || string(again.payload) != `{"status":"Available"}` {
		t.Fatalf("replayed call: %s %s", again.action, again.payload)
	}
	if again.id == first.id {
		t.Error("replayed record kept its old unique id")
	}
	if f.journal.Len() != 0 {
		t.Errorf("journal not drained: %d", f.journal.Len())
	}
}

// ─── Requests from other goroutines ──────────────────────────────────────────

func TestRunner_FlushRequest(t *testing.T) {
	f := newFixture(t)
	f.tr.connected = false
	f.runner.Tick()
	if f.store.Writes() != 0 {
		t.Fatalf("flushed without cause: %d writes", f.store.Writes())
	}
	f.runner.RequestFlush()
	f.runner.Tick()
	if f.store.Writes() != 1 {
		t.Fatalf("writes: got %d want 1", f.store.Writes())
	}
	f.runner.Tick()
	if f.store.Writes() != 1 {
		t.Fatalf("flush request consumed twice: %d writes", f.store.Writes())
	}
}

func TestRunner_UploadReportsStatus(t *testing.T) {
	bodies := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		bodies <- b
	}))
	defer srv.Close()

	u := upload.New()
	f := newFixture(t, station.WithUploader(u))
	f.acceptBoot(t)

	f.runner.RequestUpload(srv.URL, 9)
	f.runner.Tick()
	c := f.tr.last(t)
	if c.action != "DiagnosticsStatusNotification" || string(c.payload) != `{"status":"Uploading"}` {
		t.Fatalf("start notification: %s %s", c.action, c.payload)
	}
	f.tr.answer(t, `{}`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := u.Wait(ctx); err != nil {
		t.Fatalf("upload did not finish: %v", err)
	}
	f.runner.Tick()
	c = f.tr.last(t)
	if string(c.payload) != `{"status":"Uploaded"}` {
		t.Fatalf("final notification: %s", c.payload)
	}

	body := <-bodies
	if !strings.Contains(string(body), `"boot_accepted":true`) {
		t.Errorf("bundle lacks runner state: %s", body)
	}
}

func TestRunner_ShutdownFlushes(t *testing.T) {
	f := newFixture(t)
	f.tr.connected = false
	f.runner.Submit([]byte(`{}`), types.ActionTags{V16: "MeterValues"}, types.Policy{MessageAttempts: 3})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := f.runner.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if f.store.Writes() == 0 {
		t.Fatal("no flush on shutdown")
	}

	restored := pending.New(pending.Config{}, f.clk, f.store)
	if err := restored.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if restored.Len() != 1 {
		t.Fatalf("restored: got %d want 1", restored.Len())
	}
}
