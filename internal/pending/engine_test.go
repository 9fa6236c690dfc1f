package pending_test

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/ChargeLab/OpenOCPP-sub001/internal/clock"
	"github.com/ChargeLab/OpenOCPP-sub001/internal/pending"
	"github.com/ChargeLab/OpenOCPP-sub001/internal/storage"
	"github.com/ChargeLab/OpenOCPP-sub001/internal/storage/local"
	"github.com/ChargeLab/OpenOCPP-sub001/internal/types"
)

// ─── fakes ───────────────────────────────────────────────────────────────────

type sentCall struct {
	id      int64
	action  string
	payload []byte
}

type fakeChannel struct {
	version   types.Version
	connected bool
	refuse    bool // Send returns false
	closed    bool // AdmitCall returns false
	sent      []sentCall
}

func newChannel() *fakeChannel {
	return &fakeChannel{version: types.V16, connected: true}
}

func (c *fakeChannel) Version() types.Version { return c.version }
func (c *fakeChannel) IsConnected() bool      { return c.connected }
func (c *fakeChannel) AdmitCall() bool        { return !c.closed }

func (c *fakeChannel) Send(id int64, action string, payload []byte) bool {
	c.sent = append(c.sent, sentCall{id: id, action: action, payload: bytes.Clone(payload)})
	return !c.refuse
}

func (c *fakeChannel) last(t *testing.T) sentCall {
	t.Helper()
	if len(c.sent) == 0 {
		t.Fatal("nothing was sent")
	}
	return c.sent[len(c.sent)-1]
}

type dropLog struct {
	ids     []int64
	reasons []pending.DropReason
}

func (d *dropLog) RecordDropped(rec types.Record, reason pending.DropReason) {
	d.ids = append(d.ids, rec.UniqueID)
	d.reasons = append(d.reasons, reason)
}

// ─── helpers ─────────────────────────────────────────────────────────────────

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testConfig() pending.Config {
	cfg := pending.DefaultConfig()
	cfg.CallTimeout = 5 * time.Second
	return cfg
}

func newEngine(t *testing.T, cfg pending.Config, store storage.BlobStore, opts ...pending.Option) (*pending.Engine, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(t0)
	opts = append([]pending.Option{pending.WithRand(rand.New(rand.NewPCG(1, 2)))}, opts...)
	return pending.New(cfg, clk, store, opts...), clk
}

func group(g uint64) *uint64 { return &g }

func tags(action string) types.ActionTags {
	return types.ActionTags{V16: action, V201: action}
}

func generic(attempts, retry int) types.Policy {
	return types.Policy{Type: types.MessageGeneric, MessageAttempts: attempts, RetryIntervalSeconds: retry}
}

func inGroup(g uint64, typ types.MessageType) types.Policy {
	return types.Policy{Type: typ, GroupID: group(g), MessageAttempts: 3}
}

// deliver steps e up to n times, acknowledging every successful send at once.
func deliver(t *testing.T, e *pending.Engine, ch *fakeChannel, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		before := len(ch.sent)
		e.Step(ch)
		if len(ch.sent) > before && !ch.refuse {
			e.OnAcknowledged(ch.last(t).id, types.Outcome{Status: types.OutcomeAccepted})
		}
	}
}

func pendingRecords(e *pending.Engine) []types.Record {
	var out []types.Record
	e.VisitPending(func(r types.Record) bool {
		out = append(out, r)
		return true
	})
	return out
}

func jsonField(t *testing.T, payload []byte, path ...string) any {
	t.Helper()
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		t.Fatalf("payload %q is not JSON: %v", payload, err)
	}
	for _, p := range path {
		m, ok := v.(map[string]any)
		if !ok {
			return nil
		}
		v = m[p]
	}
	return v
}

// ─── Ordering ────────────────────────────────────────────────────────────────

func TestEngine_GroupOrderPreserved(t *testing.T) {
	e, _ := newEngine(t, testConfig(), nil)
	ch := newChannel()

	var want []int64
	for i := 0; i < 3; i++ {
		want = append(want, e.Enqueue([]byte(fmt.Sprintf(`{"n":%d}`, i)), tags("MeterValues"), inGroup(1, types.MessageTransactionUpdate)))
	}
	ch.connected = false
	e.Step(ch) // everything is demoted while disconnected

	want = append(want, e.Enqueue([]byte(`{"n":3}`), tags("MeterValues"), inGroup(1, types.MessageTransactionUpdate)))
	e.Enqueue([]byte(`{}`), tags("StatusNotification"), generic(3, 0))
	e.Enqueue([]byte(`{}`), tags("MeterValues"), inGroup(2, types.MessageTransactionUpdate))

	ch.connected = true
	deliver(t, e, ch, 20)

	var got []int64
	for _, c := range ch.sent {
		for _, id := range want {
			if c.id == id {
				got = append(got, id)
			}
		}
	}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("group 1 delivery order: got %v want %v", got, want)
	}
	if e.Len() != 0 {
		t.Errorf("Len after delivery: got %d want 0", e.Len())
	}
}

func TestEngine_EnqueueToActiveOfflineGroupSkipsLive(t *testing.T) {
	e, _ := newEngine(t, testConfig(), nil)
	ch := newChannel()
	ch.connected = false

	e.Enqueue([]byte(`{}`), tags("MeterValues"), inGroup(4, types.MessageTransactionUpdate))
	e.Step(ch)
	e.Enqueue([]byte(`{}`), tags("MeterValues"), inGroup(4, types.MessageTransactionUpdate))

	s := e.Snapshot()
	if s.Live != 0 || s.Offline != 2 {
		t.Fatalf("live=%d offline=%d, want 0 and 2", s.Live, s.Offline)
	}
	if len(s.ActiveOfflineGroups) != 1 || s.ActiveOfflineGroups[0] != 4 {
		t.Errorf("ActiveOfflineGroups: got %v want [4]", s.ActiveOfflineGroups)
	}
}

func TestEngine_LiveBoundDemotesOldest(t *testing.T) {
	cfg := testConfig()
	cfg.LiveQueueBound = 2
	e, _ := newEngine(t, cfg, nil)
	ch := newChannel()
	ch.closed = true // nothing gets admitted

	for i := 0; i < 5; i++ {
		e.Enqueue([]byte(`{}`), tags("StatusNotification"), generic(3, 0))
	}
	e.Step(ch)

	s := e.Snapshot()
	if s.Live != 2 || s.Offline != 3 {
		t.Fatalf("live=%d offline=%d, want 2 and 3", s.Live, s.Offline)
	}
	if s.Records[0].UniqueID != 4 || s.Records[0].Queue != "live" {
		t.Errorf("first live record: got %+v, want id 4", s.Records[0])
	}
}

func TestEngine_DisconnectedNeverSends(t *testing.T) {
	e, clk := newEngine(t, testConfig(), nil)
	ch := newChannel()
	ch.connected = false

	for i := 0; i < 4; i++ {
		e.Enqueue([]byte(`{}`), tags("StatusNotification"), generic(1, 0))
	}
	for i := 0; i < 10; i++ {
		e.Step(ch)
		clk.Advance(time.Second)
	}
	if len(ch.sent) != 0 {
		t.Fatalf("sent %d calls while disconnected", len(ch.sent))
	}
	if s := e.Snapshot(); s.Offline != 4 {
		t.Fatalf("offline: got %d want 4", s.Offline)
	}
}

func TestEngine_VisitPendingLiveThenOffline(t *testing.T) {
	e, _ := newEngine(t, testConfig(), nil)
	ch := newChannel()
	ch.connected = false

	a := e.Enqueue([]byte(`{}`), tags("A"), generic(1, 0))
	e.Step(ch)
	b := e.Enqueue([]byte(`{}`), tags("B"), generic(1, 0))

	recs := pendingRecords(e)
	if len(recs) != 2 || recs[0].UniqueID != b || recs[1].UniqueID != a {
		t.Fatalf("visit order: got %v, want live %d then offline %d", recs, b, a)
	}

	n := 0
	e.VisitPending(func(types.Record) bool { n++; return false })
	if n != 1 {
		t.Errorf("visit did not stop: %d calls", n)
	}
}

// ─── Retry / drop ────────────────────────────────────────────────────────────

func TestEngine_SingleAttemptDroppedWithoutAck(t *testing.T) {
	drops := &dropLog{}
	e, _ := newEngine(t, testConfig(), nil, pending.WithDropObserver(drops))
	ch := newChannel()
	ch.refuse = true

	id := e.Enqueue([]byte("A"), tags("DataTransfer"), generic(1, 0))

	e.Step(ch)
	recs := pendingRecords(e)
	if len(recs) != 1 || recs[0].Attempts != 1 {
		t.Fatalf("after first step: %+v, want one record with attempts 1", recs)
	}

	e.Step(ch)
	if e.Len() != 0 {
		t.Fatalf("record still pending after second step")
	}
	if len(ch.sent) != 1 {
		t.Errorf("send calls: got %d want 1", len(ch.sent))
	}
	if len(drops.ids) != 1 || drops.ids[0] != id || drops.reasons[0] != pending.DropAttemptsExhausted {
		t.Errorf("drops: %+v", drops)
	}
}

func TestEngine_KFailedSendsRemoveRecord(t *testing.T) {
	for _, k := range []int{1, 2, 3, 5} {
		t.Run(fmt.Sprintf("k=%d", k), func(t *testing.T) {
			e, _ := newEngine(t, testConfig(), nil)
			ch := newChannel()
			ch.refuse = true

			e.Enqueue([]byte(`{}`), tags("StatusNotification"), generic(k, 0))
			for i := 0; i < 3*k+3; i++ {
				e.Step(ch)
			}
			if len(ch.sent) != k {
				t.Fatalf("send calls: got %d want %d", len(ch.sent), k)
			}
			if e.Len() != 0 {
				t.Fatalf("record still pending")
			}
		})
	}
}

func TestEngine_LinearBackoff(t *testing.T) {
	e, clk := newEngine(t, testConfig(), nil)
	ch := newChannel()
	ch.refuse = true

	e.Enqueue([]byte(`{}`), tags("StatusNotification"), generic(3, 10))

	e.Step(ch) // attempt 1
	e.Step(ch)
	if len(ch.sent) != 1 {
		t.Fatalf("resent before backoff: %d calls", len(ch.sent))
	}

	clk.Advance(10 * time.Second)
	e.Step(ch) // attempt 2, after 1×10s
	if len(ch.sent) != 2 {
		t.Fatalf("after 10s: got %d calls want 2", len(ch.sent))
	}

	clk.Advance(19 * time.Second)
	e.Step(ch)
	if len(ch.sent) != 2 {
		t.Fatalf("resent before 2×10s: %d calls", len(ch.sent))
	}
	clk.Advance(time.Second)
	e.Step(ch) // attempt 3, after 2×10s
	if len(ch.sent) != 3 {
		t.Fatalf("after 20s: got %d calls want 3", len(ch.sent))
	}
	e.Step(ch)
	if e.Len() != 0 {
		t.Fatal("record not dropped after its last attempt")
	}
}

func TestEngine_CallTimeoutResendsSameRecord(t *testing.T) {
	e, clk := newEngine(t, testConfig(), nil)
	ch := newChannel()

	id := e.Enqueue([]byte(`{}`), tags("StatusNotification"), generic(3, 0))
	e.Step(ch)
	e.Step(ch)
	if len(ch.sent) != 1 {
		t.Fatalf("second call while first in flight: %d calls", len(ch.sent))
	}
	if s := e.Snapshot(); s.InFlight == nil || *s.InFlight != id {
		t.Fatalf("InFlight: got %v want %d", s.InFlight, id)
	}

	clk.Advance(5 * time.Second)
	e.Step(ch)
	if len(ch.sent) != 2 || ch.sent[1].id != id {
		t.Fatalf("resend after timeout: %+v", ch.sent)
	}
	if got := e.Snapshot().ConsecutiveFailures; got != 1 {
		t.Errorf("ConsecutiveFailures: got %d want 1", got)
	}

	e.OnAcknowledged(id, types.Outcome{Status: types.OutcomeAccepted})
	if e.Len() != 0 {
		t.Fatal("record still pending after ack")
	}
	if got := e.Snapshot().ConsecutiveFailures; got != 0 {
		t.Errorf("ConsecutiveFailures after ack: got %d want 0", got)
	}
}

func TestEngine_AdmissionGuardPostponesSend(t *testing.T) {
	e, _ := newEngine(t, testConfig(), nil)
	ch := newChannel()
	ch.closed = true

	e.Enqueue([]byte(`{}`), tags("StatusNotification"), generic(1, 0))
	e.Step(ch)
	if len(ch.sent) != 0 {
		t.Fatal("sent without admission")
	}
	ch.closed = false
	e.Step(ch)
	if len(ch.sent) != 1 {
		t.Fatalf("send after admission: got %d calls want 1", len(ch.sent))
	}
}

func TestEngine_UnsupportedActionDropped(t *testing.T) {
	drops := &dropLog{}
	e, _ := newEngine(t, testConfig(), nil, pending.WithDropObserver(drops))
	ch := newChannel()
	ch.version = types.V201

	e.Enqueue([]byte(`{}`), types.ActionTags{V16: "DiagnosticsStatusNotification"}, generic(3, 0))
	ok := e.Enqueue([]byte(`{}`), tags("StatusNotification"), generic(3, 0))
	e.Step(ch)

	if len(drops.reasons) != 1 || drops.reasons[0] != pending.DropUnsupported {
		t.Fatalf("drops: %+v", drops)
	}
	if len(ch.sent) != 1 || ch.sent[0].id != ok {
		t.Fatalf("sent: %+v, want only id %d", ch.sent, ok)
	}
}

// ─── Acknowledgements / group state ──────────────────────────────────────────

func TestEngine_LateAckRemovesOfflineRecord(t *testing.T) {
	e, _ := newEngine(t, testConfig(), nil)
	ch := newChannel()
	ch.connected = false

	a := e.Enqueue([]byte(`{}`), tags("A"), generic(1, 0))
	b := e.Enqueue([]byte(`{}`), tags("B"), generic(1, 0))
	c := e.Enqueue([]byte(`{}`), tags("C"), generic(1, 0))
	e.Step(ch)

	e.OnAcknowledged(b, types.Outcome{Status: types.OutcomeAccepted})
	recs := pendingRecords(e)
	if len(recs) != 2 || recs[0].UniqueID != a || recs[1].UniqueID != c {
		t.Fatalf("after ack of %d: %v", b, recs)
	}
	// Unknown ids are ignored.
	e.OnAcknowledged(999, types.Outcome{Status: types.OutcomeAccepted})
	if e.Len() != 2 {
		t.Fatalf("unknown ack changed Len to %d", e.Len())
	}
}

func TestEngine_SequenceRestartsAfterGroupEnd(t *testing.T) {
	e, _ := newEngine(t, testConfig(), nil)
	ch := newChannel()
	ch.version = types.V201

	seq := func(typ types.MessageType) types.Policy {
		p := inGroup(7, typ)
		p.AddSequenceNumber = true
		return p
	}
	e.Enqueue([]byte(`{"seqNo":5,"eventType":"Updated"}`), tags("TransactionEvent"), seq(types.MessageTransactionUpdate))
	e.Enqueue([]byte(`{"seqNo":0,"eventType":"Ended"}`), tags("TransactionEvent"), seq(types.MessageTransactionEnd))

	deliver(t, e, ch, 1)
	if got := jsonField(t, ch.last(t).payload, "seqNo"); got != float64(5) {
		t.Fatalf("first seqNo: got %v want 5 (seeded from payload)", got)
	}
	deliver(t, e, ch, 1)
	if got := jsonField(t, ch.last(t).payload, "seqNo"); got != float64(6) {
		t.Fatalf("terminal seqNo: got %v want 6", got)
	}

	e.Enqueue([]byte(`{"seqNo":3,"eventType":"Started"}`), tags("TransactionEvent"), seq(types.MessageTransactionStart))
	deliver(t, e, ch, 1)
	if got := jsonField(t, ch.last(t).payload, "seqNo"); got != float64(3) {
		t.Fatalf("seqNo after group end: got %v want 3 (seeded again)", got)
	}
}

func TestEngine_ResendReusesSequenceNumber(t *testing.T) {
	e, clk := newEngine(t, testConfig(), nil)
	ch := newChannel()

	p := inGroup(8, types.MessageTransactionUpdate)
	p.AddSequenceNumber = true
	e.Enqueue([]byte(`{"seqNo":11}`), tags("TransactionEvent"), p)

	e.Step(ch)
	clk.Advance(5 * time.Second) // call times out
	e.Step(ch)
	if len(ch.sent) != 2 {
		t.Fatalf("calls: got %d want 2", len(ch.sent))
	}
	for i, c := range ch.sent {
		if got := jsonField(t, c.payload, "seqNo"); got != float64(11) {
			t.Errorf("send %d seqNo: got %v want 11", i, got)
		}
	}
}

func TestEngine_LearnedTransactionIDSpliced(t *testing.T) {
	e, _ := newEngine(t, testConfig(), nil)
	ch := newChannel()

	start := e.Enqueue([]byte(`{"connectorId":1,"idTag":"ABC"}`), tags("StartTransaction"), inGroup(3, types.MessageTransactionStart))
	e.Step(ch)
	txID := "42"
	e.OnAcknowledged(start, types.Outcome{Status: types.OutcomeAccepted, TransactionID: &txID})

	p := inGroup(3, types.MessageTransactionUpdate)
	p.AddTransactionID = true
	stored := []byte(`{"connectorId":1,"meterValue":[]}`)
	e.Enqueue(stored, tags("MeterValues"), p)
	e.Step(ch)

	sent := ch.last(t)
	if got := jsonField(t, sent.payload, "transactionId"); got != float64(42) {
		t.Fatalf("transactionId: got %v (%T) want 42", got, got)
	}
	recs := pendingRecords(e)
	if len(recs) != 1 || !bytes.Equal(recs[0].Payload, stored) {
		t.Fatalf("stored payload was rewritten: %q", recs[0].Payload)
	}
}

func TestEngine_TransactionIDSplicedIntoTransactionInfo(t *testing.T) {
	e, _ := newEngine(t, testConfig(), nil)
	ch := newChannel()
	ch.version = types.V201

	start := e.Enqueue([]byte(`{}`), tags("TransactionEvent"), inGroup(6, types.MessageTransactionStart))
	e.Step(ch)
	txID := "c0ffee-01"
	e.OnAcknowledged(start, types.Outcome{Status: types.OutcomeAccepted, TransactionID: &txID})

	p := inGroup(6, types.MessageTransactionEnd)
	p.AddTransactionID = true
	e.Enqueue([]byte(`{"eventType":"Ended","transactionInfo":{"transactionId":"local-1","stoppedReason":"Local"}}`), tags("TransactionEvent"), p)
	e.Step(ch)

	sent := ch.last(t).payload
	if got := jsonField(t, sent, "transactionInfo", "transactionId"); got != "c0ffee-01" {
		t.Fatalf("transactionInfo.transactionId: got %v", got)
	}
	if got := jsonField(t, sent, "transactionInfo", "stoppedReason"); got != "Local" {
		t.Errorf("stoppedReason lost: got %v", got)
	}
}

func TestEngine_BlacklistedGroupDropped(t *testing.T) {
	drops := &dropLog{}
	e, _ := newEngine(t, testConfig(), nil, pending.WithDropObserver(drops))
	ch := newChannel()

	start := e.Enqueue([]byte(`{}`), tags("StartTransaction"), inGroup(5, types.MessageTransactionStart))
	e.Step(ch)
	e.OnAcknowledged(start, types.Outcome{Status: types.OutcomeRejected, BlacklistGroup: true})
	if s := e.Snapshot(); len(s.BlacklistedGroups) != 1 || s.BlacklistedGroups[0] != 5 {
		t.Fatalf("BlacklistedGroups: got %v want [5]", s.BlacklistedGroups)
	}

	e.Enqueue([]byte(`{}`), tags("MeterValues"), inGroup(5, types.MessageTransactionUpdate))
	e.Enqueue([]byte(`{}`), tags("StopTransaction"), inGroup(5, types.MessageTransactionEnd))
	e.Step(ch)

	if len(ch.sent) != 1 {
		t.Fatalf("records of a blacklisted group were sent: %+v", ch.sent)
	}
	if len(drops.reasons) != 2 || drops.reasons[0] != pending.DropBlacklisted || drops.reasons[1] != pending.DropBlacklisted {
		t.Fatalf("drops: %+v", drops)
	}
	// Dropping the end record closed the group and lifted the blacklist.
	if s := e.Snapshot(); len(s.BlacklistedGroups) != 0 {
		t.Fatalf("blacklist not cleared: %v", s.BlacklistedGroups)
	}
	e.Enqueue([]byte(`{}`), tags("StartTransaction"), inGroup(5, types.MessageTransactionStart))
	e.Step(ch)
	if len(ch.sent) != 2 {
		t.Fatalf("reused group id still refused")
	}
}

// ─── Eviction ────────────────────────────────────────────────────────────────

func evictionEngine(t *testing.T, drops *dropLog) (*pending.Engine, *clock.Manual, *fakeChannel) {
	t.Helper()
	cfg := testConfig()
	cfg.OfflineCeilingBytes = 1
	e, clk := newEngine(t, cfg, nil, pending.WithDropObserver(drops))
	ch := newChannel()
	ch.connected = false
	return e, clk, ch
}

func TestEngine_EvictionOnlyTouchesTopPriority(t *testing.T) {
	drops := &dropLog{}
	e, clk, ch := evictionEngine(t, drops)

	for _, prio := range []int{0, 0, 0, 5, 5} {
		p := generic(3, 0)
		p.Priority = prio
		e.Enqueue([]byte(fmt.Sprintf(`{"priority":%d}`, prio)), tags("StatusNotification"), p)
	}
	e.Step(ch) // demote
	clk.Advance(time.Second)
	e.Step(ch) // housekeeping evicts

	recs := pendingRecords(e)
	for _, r := range recs {
		if r.Policy.Priority != 0 {
			t.Errorf("priority %d record %d survived", r.Policy.Priority, r.UniqueID)
		}
	}
	if len(recs) != 3 {
		t.Fatalf("remaining: got %d want 3", len(recs))
	}
	for _, reason := range drops.reasons {
		if reason != pending.DropEvicted {
			t.Errorf("drop reason: got %s want evicted", reason)
		}
	}
}

func TestEngine_EvictionKeepsGroupEdges(t *testing.T) {
	drops := &dropLog{}
	e, clk, ch := evictionEngine(t, drops)

	var ids []int64
	for i := 0; i < 10; i++ {
		p := inGroup(9, types.MessageTransactionUpdate)
		p.Priority = 1
		ids = append(ids, e.Enqueue([]byte(fmt.Sprintf(`{"i":%d}`, i)), tags("MeterValues"), p))
	}
	e.Enqueue([]byte(`{}`), tags("StatusNotification"), generic(3, 0))

	e.Step(ch)
	clk.Advance(time.Second)
	e.Step(ch)

	var kept []int64
	for _, r := range pendingRecords(e) {
		if _, ok := r.Policy.Group(); ok {
			kept = append(kept, r.UniqueID)
		}
	}
	want := []int64{ids[0], ids[9]}
	if fmt.Sprint(kept) != fmt.Sprint(want) {
		t.Fatalf("group survivors: got %v want %v", kept, want)
	}
	if e.Len() != 3 {
		t.Errorf("Len: got %d want 3 (2 edges + ungrouped)", e.Len())
	}
}

func TestEngine_EvictionThinsSmallGroupInterior(t *testing.T) {
	drops := &dropLog{}
	e, clk, ch := evictionEngine(t, drops)

	var ids []int64
	for i := 0; i < 4; i++ {
		p := inGroup(4, types.MessageTransactionUpdate)
		p.Priority = 1
		ids = append(ids, e.Enqueue([]byte(fmt.Sprintf(`{"i":%d}`, i)), tags("MeterValues"), p))
	}
	e.Step(ch)
	clk.Advance(time.Second)
	e.Step(ch)

	var kept []int64
	for _, r := range pendingRecords(e) {
		kept = append(kept, r.UniqueID)
	}
	if want := []int64{ids[0], ids[3]}; fmt.Sprint(kept) != fmt.Sprint(want) {
		t.Fatalf("survivors: got %v want %v", kept, want)
	}
	if fmt.Sprint(drops.ids) != fmt.Sprint([]int64{ids[1], ids[2]}) {
		t.Fatalf("evicted %v want the interior records", drops.ids)
	}
}

func TestEngine_EvictionWiderEdgeKeep(t *testing.T) {
	cfg := testConfig()
	cfg.OfflineCeilingBytes = 1
	cfg.GroupEdgeKeep = 2
	drops := &dropLog{}
	e, clk := newEngine(t, cfg, nil, pending.WithDropObserver(drops))
	ch := newChannel()
	ch.connected = false

	for i := 0; i < 4; i++ {
		e.Enqueue([]byte(`{}`), tags("MeterValues"), inGroup(3, types.MessageTransactionUpdate))
	}
	e.Step(ch)
	clk.Advance(time.Second)
	e.Step(ch)

	if e.Len() != 4 || len(drops.ids) != 0 {
		t.Fatalf("group of 2×keep was thinned: len=%d drops=%v", e.Len(), drops.ids)
	}
}

func TestEngine_EvictionNothingDroppable(t *testing.T) {
	drops := &dropLog{}
	e, clk, ch := evictionEngine(t, drops)

	for i := 0; i < 2; i++ {
		e.Enqueue([]byte(`{}`), tags("MeterValues"), inGroup(2, types.MessageTransactionUpdate))
	}
	e.Step(ch)
	clk.Advance(time.Second)
	e.Step(ch)

	if e.Len() != 2 || len(drops.ids) != 0 {
		t.Fatalf("small group was thinned: len=%d drops=%v", e.Len(), drops.ids)
	}
}

func TestEngine_EvictionSamplesTargetCount(t *testing.T) {
	cfg := testConfig()
	cfg.BlockSize = 256
	ch := newChannel()
	ch.connected = false

	fillStatus := func(e *pending.Engine) {
		for i := 0; i < 200; i++ {
			e.Enqueue([]byte(fmt.Sprintf(`{"status":"Available","n":%d}`, i)), tags("StatusNotification"), generic(3, 0))
		}
	}

	sizing, _ := newEngine(t, cfg, nil)
	fillStatus(sizing)
	sizing.Step(ch)
	before := sizing.Snapshot().OfflineBytes

	// A ceiling of half the footprint asks for roughly half the records.
	drops := &dropLog{}
	cfg.OfflineCeilingBytes = before / 2
	e, clk := newEngine(t, cfg, nil, pending.WithDropObserver(drops))
	fillStatus(e)
	e.Step(ch)
	clk.Advance(time.Second)
	e.Step(ch)

	after := e.Snapshot()
	if len(drops.ids) == 0 || len(drops.ids) == 200 {
		t.Fatalf("evicted %d of 200 records", len(drops.ids))
	}
	if after.Offline != 200-len(drops.ids) {
		t.Fatalf("offline %d, want %d", after.Offline, 200-len(drops.ids))
	}
	if after.OfflineBytes >= before {
		t.Errorf("footprint did not shrink: %d -> %d", before, after.OfflineBytes)
	}
	var prev int64
	for _, r := range pendingRecords(e) {
		if r.UniqueID <= prev {
			t.Fatalf("order broken at %d after %d", r.UniqueID, prev)
		}
		prev = r.UniqueID
	}
}

// ─── Persistence ─────────────────────────────────────────────────────────────

func TestEngine_FlushIdempotent(t *testing.T) {
	store := storage.NewMemoryStore()
	e, _ := newEngine(t, testConfig(), store)
	ch := newChannel()

	start := e.Enqueue([]byte(`{}`), tags("StartTransaction"), inGroup(1, types.MessageTransactionStart))
	e.Step(ch)
	txID := "77"
	e.OnAcknowledged(start, types.Outcome{Status: types.OutcomeAccepted, TransactionID: &txID})

	ch.connected = false
	for i := 0; i < 12; i++ {
		e.Enqueue([]byte(fmt.Sprintf(`{"i":%d}`, i)), tags("MeterValues"), inGroup(uint64(i%3+1), types.MessageTransactionUpdate))
	}
	e.Step(ch)
	e.Enqueue([]byte(`{"live":true}`), tags("StatusNotification"), generic(1, 0))

	if err := e.Flush(); err != nil {
		t.Fatalf("Flush 1: %v", err)
	}
	first := store.Bytes()
	if err := e.Flush(); err != nil {
		t.Fatalf("Flush 2: %v", err)
	}
	if !bytes.Equal(first, store.Bytes()) {
		t.Fatal("two flushes of unchanged state differ")
	}
}

func TestEngine_RestartRecoversRecordsVerbatim(t *testing.T) {
	store := storage.NewMemoryStore()
	cfg := testConfig()
	e, _ := newEngine(t, cfg, store)
	ch := newChannel()
	ch.connected = false

	var want []types.Record
	for i := 0; i < 8; i++ {
		p := generic(3, 10)
		if i%2 == 0 {
			p = inGroup(uint64(i), types.MessageTransactionUpdate)
		}
		p.Priority = i % 3
		e.Enqueue([]byte(fmt.Sprintf(`{"payload":%d,"pad":"%08d"}`, i, i*i)), tags("MeterValues"), p)
	}
	e.Step(ch)
	want = pendingRecords(e)
	if err := e.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	e2, _ := newEngine(t, cfg, store)
	if err := e2.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	got := pendingRecords(e2)
	if len(got) != len(want) {
		t.Fatalf("recovered %d records want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].UniqueID != want[i].UniqueID || !bytes.Equal(got[i].Payload, want[i].Payload) ||
			got[i].Policy.Priority != want[i].Policy.Priority {
			t.Fatalf("record %d: got %+v want %+v", i, got[i], want[i])
		}
	}
	if s := e2.Snapshot(); len(s.ActiveOfflineGroups) != 4 {
		t.Errorf("active groups after load: %v", s.ActiveOfflineGroups)
	}
	if id := e2.Enqueue([]byte(`{}`), tags("Heartbeat"), generic(1, 0)); id <= want[len(want)-1].UniqueID {
		t.Errorf("unique id %d reused after restart", id)
	}
}

func TestEngine_TransactionStartNeverPersisted(t *testing.T) {
	store := storage.NewMemoryStore()
	e, _ := newEngine(t, testConfig(), store)

	e.Enqueue([]byte(`{"idTag":"T"}`), tags("StartTransaction"), inGroup(4, types.MessageTransactionStart))
	status := e.Enqueue([]byte(`{"status":"Charging"}`), tags("StatusNotification"), generic(3, 0))
	if err := e.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	e2, _ := newEngine(t, testConfig(), store)
	if err := e2.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	recs := pendingRecords(e2)
	if len(recs) != 1 || recs[0].UniqueID != status {
		t.Fatalf("recovered: %+v, want only the status record", recs)
	}
	if s := e2.Snapshot(); s.Live != 0 || s.Offline != 1 {
		t.Errorf("live section must load into offline: live=%d offline=%d", s.Live, s.Offline)
	}
}

func TestEngine_SupplementarySourceRecords(t *testing.T) {
	store := storage.NewMemoryStore()
	e, _ := newEngine(t, testConfig(), store)

	stop := types.Record{
		Payload: []byte(`{"reason":"PowerLoss"}`),
		Policy:  inGroup(12, types.MessageTransactionEnd),
		Actions: tags("StopTransaction"),
	}
	h := e.RegisterSupplementarySource(pending.SourceFunc(func() []types.Record {
		return []types.Record{stop}
	}))
	status := e.Enqueue([]byte(`{}`), tags("StatusNotification"), generic(3, 0))
	if err := e.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	e2, _ := newEngine(t, testConfig(), store)
	if err := e2.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	recs := pendingRecords(e2)
	if len(recs) != 2 {
		t.Fatalf("recovered %d records want 2", len(recs))
	}
	if recs[0].UniqueID != status {
		t.Errorf("first record: got id %d want %d", recs[0].UniqueID, status)
	}
	if !bytes.Equal(recs[1].Payload, stop.Payload) || recs[1].UniqueID <= status {
		t.Errorf("supplementary record: %+v, want fresh id above %d", recs[1], status)
	}

	if !e.Unregister(h) {
		t.Fatal("Unregister: handle not found")
	}
	if e.Unregister(h) {
		t.Fatal("Unregister twice reported success")
	}
	if err := e.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	e3, _ := newEngine(t, testConfig(), store)
	_ = e3.Load()
	if e3.Len() != 1 {
		t.Errorf("unregistered source still flushed: %d records", e3.Len())
	}
}

func TestEngine_RestartRestoresGroupState(t *testing.T) {
	store := storage.NewMemoryStore()
	e, _ := newEngine(t, testConfig(), store)
	ch := newChannel()

	start := e.Enqueue([]byte(`{}`), tags("StartTransaction"), inGroup(2, types.MessageTransactionStart))
	e.Step(ch)
	txID := "9001"
	e.OnAcknowledged(start, types.Outcome{Status: types.OutcomeAccepted, TransactionID: &txID})
	if err := e.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	e2, _ := newEngine(t, testConfig(), store)
	if err := e2.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	p := inGroup(2, types.MessageTransactionEnd)
	p.AddTransactionID = true
	e2.Enqueue([]byte(`{"meterStop":10}`), tags("StopTransaction"), p)
	ch2 := newChannel()
	e2.Step(ch2)
	if got := jsonField(t, ch2.last(t).payload, "transactionId"); got != float64(9001) {
		t.Fatalf("transactionId after restart: got %v want 9001", got)
	}
}

func TestEngine_LoadMissingBlob(t *testing.T) {
	e, _ := newEngine(t, testConfig(), storage.NewMemoryStore())
	if err := e.Load(); err != nil {
		t.Fatalf("Load on empty store: %v", err)
	}
	if e.Len() != 0 {
		t.Fatalf("Len: got %d want 0", e.Len())
	}
}

func TestEngine_LoadTruncatedBlobKeepsPrefix(t *testing.T) {
	src := storage.NewMemoryStore()
	e, _ := newEngine(t, testConfig(), src)
	ch := newChannel()
	ch.connected = false
	for i := 0; i < 5; i++ {
		e.Enqueue([]byte(fmt.Sprintf(`{"i":%d}`, i)), tags("StatusNotification"), generic(3, 0))
	}
	e.Step(ch)
	if err := e.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	// Keep the offline section, cut the stream in the aux section.
	blob := src.Bytes()
	cut := storage.NewMemoryStore()
	_ = cut.Write(func(w io.Writer) error {
		_, err := w.Write(blob[:len(blob)-10])
		return err
	})

	e2, _ := newEngine(t, testConfig(), cut)
	if err := e2.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if e2.Len() != 5 {
		t.Fatalf("recovered %d records want 5", e2.Len())
	}
}

func TestEngine_FlushCountSurvivesRestart(t *testing.T) {
	store := storage.NewMemoryStore()
	e, _ := newEngine(t, testConfig(), store)
	ch := newChannel()
	ch.connected = false

	e.Enqueue([]byte(`{"n":1}`), tags("StatusNotification"), generic(3, 0))
	e.Step(ch)
	for i := 0; i < 2; i++ {
		if err := e.Flush(); err != nil {
			t.Fatalf("Flush: %v", err)
		}
	}
	if got := e.Snapshot().FlushCount; got != 1 {
		t.Fatalf("FlushCount after an unchanged reflush = %d want 1", got)
	}

	e.Enqueue([]byte(`{"n":2}`), tags("StatusNotification"), generic(3, 0))
	e.Step(ch)
	if err := e.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if got := e.Snapshot().FlushCount; got != 2 {
		t.Fatalf("FlushCount = %d want 2", got)
	}

	e2, _ := newEngine(t, testConfig(), store)
	if err := e2.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := e2.Snapshot().FlushCount; got != 2 {
		t.Fatalf("restored FlushCount = %d want 2", got)
	}
}

func TestEngine_LoadChecksumMismatchStarts(t *testing.T) {
	fs, err := local.OpenFile(t.TempDir(), "pending")
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	e, _ := newEngine(t, testConfig(), fs)
	ch := newChannel()
	ch.connected = false
	for i := 0; i < 20; i++ {
		e.Enqueue([]byte(fmt.Sprintf(`{"connectorId":1,"i":%d}`, i)), tags("StatusNotification"), generic(3, 0))
	}
	e.Step(ch)
	if err := e.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	buf, err := os.ReadFile(fs.Path())
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	buf[len(buf)/2] ^= 0x10
	if err := os.WriteFile(fs.Path(), buf, 0o640); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	e2, _ := newEngine(t, testConfig(), fs)
	if err := e2.Load(); err != nil {
		t.Fatalf("Load of a damaged blob: %v", err)
	}
	if e2.Len() > 20 {
		t.Fatalf("recovered %d records from 20", e2.Len())
	}

	// The next flush replaces the damaged blob with a clean one.
	if err := e2.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	e3, _ := newEngine(t, testConfig(), fs)
	if err := e3.Load(); err != nil {
		t.Fatalf("Load after rewrite: %v", err)
	}
	if e3.Len() != e2.Len() {
		t.Fatalf("reload has %d records want %d", e3.Len(), e2.Len())
	}
}

func TestEngine_LoadBadHeaderStartsEmpty(t *testing.T) {
	fs, err := local.OpenFile(t.TempDir(), "pending")
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	if err := os.WriteFile(fs.Path(), []byte("not a pending blob at all"), 0o640); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	e, _ := newEngine(t, testConfig(), fs)
	if err := e.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if e.Len() != 0 {
		t.Fatalf("Len = %d want 0", e.Len())
	}
	if id := e.Enqueue([]byte(`{}`), tags("Heartbeat"), generic(1, 0)); id < 1 {
		t.Fatalf("Enqueue id = %d after a failed load", id)
	}
}

func TestEngine_AdaptiveFlushInterval(t *testing.T) {
	store := storage.NewMemoryStore()
	cfg := testConfig()
	cfg.BaseFlushPeriod = 10 * time.Second
	cfg.MinFlushInterval = time.Second
	cfg.MaxFlushInterval = time.Minute
	e, clk := newEngine(t, cfg, store)
	ch := newChannel()
	ch.connected = false

	e.Enqueue([]byte(`{}`), tags("StatusNotification"), generic(3, 0))
	e.Step(ch) // dirty, tiny backlog → interval clamps to MaxFlushInterval
	clk.Advance(59 * time.Second)
	e.Step(ch)
	if store.Writes() != 0 {
		t.Fatalf("flushed before the interval: %d writes", store.Writes())
	}
	clk.Advance(time.Second)
	e.Step(ch)
	if store.Writes() != 1 {
		t.Fatalf("writes after interval: got %d want 1", store.Writes())
	}

	// Clean state does not flush however long it waits.
	clk.Advance(time.Hour)
	e.Step(ch)
	if store.Writes() != 1 {
		t.Fatalf("clean state flushed: %d writes", store.Writes())
	}

	p := generic(3, 0)
	p.MustFlushToDisk = true
	e.Enqueue([]byte(`{"firmware":"Installed"}`), tags("FirmwareStatusNotification"), p)
	e.Step(ch)
	if store.Writes() != 2 {
		t.Fatalf("forced flush: got %d writes want 2", store.Writes())
	}
}

func TestEngine_HeavyBacklogFlushesSooner(t *testing.T) {
	store := storage.NewMemoryStore()
	cfg := testConfig()
	cfg.BaseFlushPeriod = 10 * time.Second
	cfg.MinFlushInterval = time.Second
	cfg.MaxFlushInterval = time.Minute
	cfg.BlockSize = 512
	e, clk := newEngine(t, cfg, store)
	ch := newChannel()
	ch.connected = false

	for i := 0; i < 2000; i++ {
		e.Enqueue([]byte(fmt.Sprintf(`{"n":%d,"v":"%x"}`, i, i*7919)), tags("MeterValues"), generic(3, 0))
	}
	e.Step(ch)
	clk.Advance(time.Second)
	e.Step(ch)
	if store.Writes() != 1 {
		t.Fatalf("large backlog not flushed at MinFlushInterval: %d writes", store.Writes())
	}
}

func TestEngine_FlushFailureKeepsState(t *testing.T) {
	store := storage.NewMemoryStore()
	e, _ := newEngine(t, testConfig(), store)
	e.Enqueue([]byte(`{}`), tags("StatusNotification"), generic(3, 0))

	boom := errors.New("flash worn out")
	store.FailWrites(boom)
	if err := e.Flush(); !errors.Is(err, boom) {
		t.Fatalf("Flush: got %v want %v", err, boom)
	}
	s := e.Snapshot()
	if s.LastFlushError == "" || s.Live != 1 {
		t.Fatalf("snapshot after failure: %+v", s)
	}

	store.FailWrites(nil)
	if err := e.Flush(); err != nil {
		t.Fatalf("retry Flush: %v", err)
	}
	if s := e.Snapshot(); s.LastFlushError != "" || s.Dirty {
		t.Errorf("snapshot after retry: error=%q dirty=%v", s.LastFlushError, s.Dirty)
	}
}

func TestEngine_ResetDropsEverything(t *testing.T) {
	store := storage.NewMemoryStore()
	e, _ := newEngine(t, testConfig(), store)
	ch := newChannel()
	ch.connected = false

	last := int64(0)
	for i := 0; i < 3; i++ {
		last = e.Enqueue([]byte(`{}`), tags("MeterValues"), inGroup(1, types.MessageTransactionUpdate))
	}
	e.Step(ch)
	e.Reset()
	if e.Len() != 0 {
		t.Fatalf("Len after Reset: %d", e.Len())
	}
	e.Step(ch) // reset forces a flush
	e2, _ := newEngine(t, testConfig(), store)
	_ = e2.Load()
	if e2.Len() != 0 {
		t.Fatalf("reset state not persisted: %d records", e2.Len())
	}
	if id := e.Enqueue([]byte(`{}`), tags("Heartbeat"), generic(1, 0)); id <= last {
		t.Errorf("unique id %d reused after Reset", id)
	}
}
