// Package pending is the station's durable outbound delivery engine.
//
// Records enter through Enqueue and wait in one of two queues:
//
//   - the live queue, a handful of records kept as plain structs for
//     low-latency delivery while the connection is healthy;
//   - the offline queue, a compressed queue.Queue that absorbs everything
//     else and is persisted to a storage.BlobStore.
//
// Step is called from a single tick loop. Each call runs housekeeping
// (metrics, eviction), moves records from live to offline when needed, and
// makes at most one send attempt. Only one CALL is outstanding per Engine;
// its timeout and the retry backoff are tracked by an operation.Holder.
//
// Records sharing a group id are delivered in enqueue order. A group is
// "active offline" while the offline queue holds any of its records; new
// records of that group skip the live queue so they cannot overtake.
//
// An Engine is not safe for concurrent use. It spawns no goroutines and
// registers no timers.
package pending

import (
	"bytes"
	"context"
	"log/slog"
	"maps"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/ChargeLab/OpenOCPP-sub001/internal/clock"
	"github.com/ChargeLab/OpenOCPP-sub001/internal/metrics"
	"github.com/ChargeLab/OpenOCPP-sub001/internal/operation"
	"github.com/ChargeLab/OpenOCPP-sub001/internal/queue"
	"github.com/ChargeLab/OpenOCPP-sub001/internal/storage"
	"github.com/ChargeLab/OpenOCPP-sub001/internal/types"
)

// Channel is the transport an Engine sends through.
type Channel interface {
	Version() types.Version
	IsConnected() bool
	// AdmitCall is asked right before Send. Returning false postpones the
	// send to a later Step.
	AdmitCall() bool
	// Send hands one CALL to the transport. false means it was not sent.
	Send(uniqueID int64, action string, payload []byte) bool
}

// DropReason says why a record left the engine without an acknowledgement.
type DropReason string

const (
	DropBlacklisted       DropReason = "blacklisted"
	DropUnsupported       DropReason = "unsupported_action"
	DropAttemptsExhausted DropReason = "attempts_exhausted"
	DropEvicted           DropReason = "evicted"
)

// DropObserver is told about every dropped or evicted record.
type DropObserver interface {
	RecordDropped(rec types.Record, reason DropReason)
}

// SupplementarySource contributes records to every flush. They are not
// delivered from the source; they only reach the engine through a later
// Load, for example the stop record of a transaction that was still open
// when power was lost.
type SupplementarySource interface {
	SupplementaryRecords() []types.Record
}

// SourceFunc adapts a function to SupplementarySource.
type SourceFunc func() []types.Record

// SupplementaryRecords implements SupplementarySource.
func (f SourceFunc) SupplementaryRecords() []types.Record { return f() }

// SourceHandle identifies a registered SupplementarySource.
type SourceHandle uint64

type sourceEntry struct {
	handle SourceHandle
	src    SupplementarySource
}

// ─── Config ──────────────────────────────────────────────────────────────────

// Config tunes an Engine. Zero values fall back to DefaultConfig.
type Config struct {
	// Version labels logs and metrics. It does not restrict sending; the
	// channel's version decides which action tag is used.
	Version types.Version

	// LiveQueueBound is the most records the live queue holds after
	// demotion.
	LiveQueueBound int

	// OfflineCeilingBytes triggers eviction once the offline queue's
	// compressed footprint reaches it.
	OfflineCeilingBytes int

	// BlockSize is the offline queue block size. It is also the reference
	// backlog for the adaptive flush interval.
	BlockSize int

	// BaseFlushPeriod is the flush interval when exactly one block worth of
	// bytes is pending. The interval scales inversely with the backlog and
	// is clamped to [MinFlushInterval, MaxFlushInterval].
	BaseFlushPeriod  time.Duration
	MinFlushInterval time.Duration
	MaxFlushInterval time.Duration

	// StatsPeriod throttles housekeeping.
	StatsPeriod time.Duration

	// GroupEdgeKeep is how many records at each end of a group eviction
	// never touches.
	GroupEdgeKeep int

	// CallTimeout bounds how long a sent record waits for its answer.
	CallTimeout time.Duration

	// SnapshotRecords caps the record list in Snapshot.
	SnapshotRecords int
}

// DefaultConfig returns the configuration used on the station.
func DefaultConfig() Config {
	return Config{
		Version:             types.V16,
		LiveQueueBound:      5,
		OfflineCeilingBytes: 512 << 10,
		BlockSize:           queue.DefaultConfig().BlockSize,
		BaseFlushPeriod:     30 * time.Second,
		MinFlushInterval:    2 * time.Second,
		MaxFlushInterval:    10 * time.Minute,
		StatsPeriod:         time.Second,
		GroupEdgeKeep:       1,
		CallTimeout:         30 * time.Second,
		SnapshotRecords:     100,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Version == 0 {
		c.Version = d.Version
	}
	if c.LiveQueueBound <= 0 {
		c.LiveQueueBound = d.LiveQueueBound
	}
	if c.OfflineCeilingBytes <= 0 {
		c.OfflineCeilingBytes = d.OfflineCeilingBytes
	}
	if c.BlockSize <= 0 {
		c.BlockSize = d.BlockSize
	}
	if c.BaseFlushPeriod <= 0 {
		c.BaseFlushPeriod = d.BaseFlushPeriod
	}
	if c.MinFlushInterval <= 0 {
		c.MinFlushInterval = d.MinFlushInterval
	}
	if c.MaxFlushInterval < c.MinFlushInterval {
		c.MaxFlushInterval = max(d.MaxFlushInterval, c.MinFlushInterval)
	}
	if c.StatsPeriod <= 0 {
		c.StatsPeriod = d.StatsPeriod
	}
	if c.GroupEdgeKeep <= 0 {
		c.GroupEdgeKeep = d.GroupEdgeKeep
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	if c.SnapshotRecords <= 0 {
		c.SnapshotRecords = d.SnapshotRecords
	}
	return c
}

// Option configures optional Engine collaborators.
type Option func(*Engine)

// WithLogger sets the logger. The default discards.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithMetrics records delivery counters into reg.
func WithMetrics(reg *metrics.Registry) Option { return func(e *Engine) { e.metrics = reg } }

// WithDropObserver reports dropped and evicted records to o.
func WithDropObserver(o DropObserver) Option { return func(e *Engine) { e.observer = o } }

// WithRand sets the random source used by eviction sampling.
func WithRand(r *rand.Rand) Option { return func(e *Engine) { e.rnd = r } }

// ─── Engine ──────────────────────────────────────────────────────────────────

// Engine delivers records over one protocol channel.
type Engine struct {
	cfg      Config
	clk      clock.Clock
	store    storage.BlobStore
	logger   *slog.Logger
	metrics  *metrics.Registry
	observer DropObserver
	rnd      *rand.Rand
	label    string

	live    []types.Record
	offline *queue.Queue[types.Record]
	call    *operation.Holder[int64]

	// activeOffline counts offline records per group.
	activeOffline map[uint64]int
	blacklist     map[uint64]struct{}
	txIDs         map[uint64]string
	// seqNos holds the next sequence number to assign per group.
	seqNos map[uint64]int64

	nextID int64

	sources    []sourceEntry
	nextSource SourceHandle

	dirty      bool
	forceFlush bool
	lastFlush  time.Time
	flushCount uint64 // flushes that carried a state change
	flushNext  uint64

	housekept     bool
	lastHousekeep time.Time

	lastFlushWall time.Time
	lastFlushErr  error
}

// New returns an empty Engine. A nil store disables persistence.
func New(cfg Config, clk clock.Clock, store storage.BlobStore, opts ...Option) *Engine {
	if clk == nil {
		clk = clock.System{}
	}
	e := &Engine{
		cfg:           cfg.withDefaults(),
		clk:           clk,
		store:         store,
		activeOffline: make(map[uint64]int),
		blacklist:     make(map[uint64]struct{}),
		txIDs:         make(map[uint64]string),
		seqNos:        make(map[uint64]int64),
		nextID:        1,
	}
	for _, o := range opts {
		o(e)
	}
	if e.logger == nil {
		e.logger = slog.New(slog.DiscardHandler)
	}
	if e.rnd == nil {
		seed := uint64(clk.Wall().UnixNano())
		e.rnd = rand.New(rand.NewPCG(seed, seed>>17|1))
	}
	e.label = e.cfg.Version.String()
	e.offline = queue.New[types.Record](RecordSerializer{}, queue.Config{
		BlockSize: e.cfg.BlockSize,
		Logger:    e.logger,
	})
	e.call = operation.New[int64](clk, e.logger)
	e.lastFlush = clk.Now()
	return e
}

// Enqueue accepts a record for delivery and returns its unique id.
// MessageAttempts below 1 is raised to 1.
func (e *Engine) Enqueue(payload []byte, tags types.ActionTags, policy types.Policy) int64 {
	id := e.nextID
	e.nextID++

	if policy.GroupID != nil {
		g := *policy.GroupID
		policy.GroupID = &g
	}
	if policy.MessageAttempts < 1 {
		policy.MessageAttempts = 1
	}
	rec := types.Record{
		UniqueID: id,
		Payload:  bytes.Clone(payload),
		Policy:   policy,
		Actions:  tags,
	}
	if policy.MustFlushToDisk {
		e.forceFlush = true
	}

	if g, ok := policy.Group(); ok && e.activeOffline[g] > 0 {
		e.pushOffline(rec)
	} else {
		e.live = append(e.live, rec)
	}
	action, _ := tags.For(e.cfg.Version)
	e.metrics.RecordEnqueued(e.label, action)
	return id
}

// VisitPending calls fn for every pending record, live queue first, then the
// offline queue. fn receives copies; iteration stops when it returns false.
func (e *Engine) VisitPending(fn func(types.Record) bool) {
	for _, r := range e.live {
		if !fn(r.Clone()) {
			return
		}
	}
	e.offline.Visit(fn)
}

// Len returns the number of pending records.
func (e *Engine) Len() int { return len(e.live) + e.offline.Len() }

// Step runs one tick: housekeeping, demotion, at most one send attempt, and
// a flush when one is due.
func (e *Engine) Step(ch Channel) {
	now := e.clk.Now()
	e.housekeep(now)
	e.demote(ch.IsConnected())
	e.trySend(ch)
	e.maybeFlush(now)
}

// OnAcknowledged settles the record uniqueID with the backend's answer.
// Unknown ids, including late answers for records already dropped, are
// ignored.
func (e *Engine) OnAcknowledged(uniqueID int64, outcome types.Outcome) {
	if cur, ok := e.call.Current(); ok && cur == uniqueID {
		e.call.Assign(0, nil)
		e.call.ResetFailures()
	}

	rec, ok := e.take(uniqueID)
	if !ok {
		e.logger.Debug("pending: acknowledgement for unknown record", "unique_id", uniqueID, "version", e.label)
		return
	}
	e.dirty = true
	action, _ := rec.Actions.For(e.cfg.Version)
	e.metrics.RecordAcked(e.label, action)
	e.logger.Debug("pending: acknowledged",
		"unique_id", uniqueID,
		"type", rec.Policy.Type,
		"status", outcome.Status,
		"attempts", rec.Attempts,
	)

	g, grouped := rec.Policy.Group()
	if !grouped {
		return
	}
	if outcome.BlacklistGroup {
		e.blacklist[g] = struct{}{}
		e.logger.Warn("pending: group blacklisted by backend", "group", g, "unique_id", uniqueID)
	}
	if rec.Policy.Type == types.MessageTransactionStart &&
		outcome.Status == types.OutcomeAccepted && outcome.TransactionID != nil {
		e.txIDs[g] = *outcome.TransactionID
	}
	if rec.Policy.Type == types.MessageTransactionEnd {
		e.endGroup(g)
	}
}

// RegisterSupplementarySource adds src to every later flush.
func (e *Engine) RegisterSupplementarySource(src SupplementarySource) SourceHandle {
	e.nextSource++
	h := e.nextSource
	e.sources = append(e.sources, sourceEntry{handle: h, src: src})
	e.dirty = true
	return h
}

// Unregister removes a source. It reports whether h was registered.
func (e *Engine) Unregister(h SourceHandle) bool {
	for i, s := range e.sources {
		if s.handle == h {
			e.sources = slices.Delete(e.sources, i, i+1)
			e.dirty = true
			return true
		}
	}
	return false
}

// Reset drops every pending record and all group state. Unique ids keep
// counting up. The emptied state is flushed on the next Step.
func (e *Engine) Reset() {
	e.live = nil
	e.offline.Clear()
	clear(e.activeOffline)
	clear(e.blacklist)
	clear(e.txIDs)
	clear(e.seqNos)
	e.call.Assign(0, nil)
	e.call.ResetFailures()
	e.dirty = true
	e.forceFlush = true
	e.logger.Info("pending: state reset", "version", e.label)
}

// ─── Snapshot ────────────────────────────────────────────────────────────────

// RecordView is the diagnostics view of one pending record.
type RecordView struct {
	UniqueID        int64            `json:"unique_id"`
	Queue           string           `json:"queue"`
	Type            string           `json:"type"`
	Actions         types.ActionTags `json:"actions"`
	GroupID         *uint64          `json:"group_id,omitempty"`
	Priority        int              `json:"priority"`
	Attempts        int              `json:"attempts"`
	MessageAttempts int              `json:"message_attempts"`
	PayloadBytes    int              `json:"payload_bytes"`
}

// Snapshot is a read-only diagnostics view of an Engine.
type Snapshot struct {
	Version             string       `json:"version"`
	Live                int          `json:"live"`
	Offline             int          `json:"offline"`
	OfflineBytes        int          `json:"offline_bytes"`
	OfflineRawBytes     int          `json:"offline_raw_bytes"`
	OfflineBlocks       int          `json:"offline_blocks"`
	CeilingBytes        int          `json:"ceiling_bytes"`
	InFlight            *int64       `json:"in_flight,omitempty"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	ActiveOfflineGroups []uint64     `json:"active_offline_groups"`
	BlacklistedGroups   []uint64     `json:"blacklisted_groups"`
	Dirty               bool         `json:"dirty"`
	LastFlush           time.Time    `json:"last_flush"`
	LastFlushError      string       `json:"last_flush_error,omitempty"`
	FlushCount          uint64       `json:"flush_count"`
	Records             []RecordView `json:"records"`
}

// Snapshot returns the current diagnostics view.
func (e *Engine) Snapshot() Snapshot {
	s := Snapshot{
		Version:             e.label,
		Live:                len(e.live),
		Offline:             e.offline.Len(),
		OfflineBytes:        e.offline.TotalBytes(),
		OfflineRawBytes:     e.offline.RawBytes(),
		OfflineBlocks:       e.offline.Blocks(),
		CeilingBytes:        e.cfg.OfflineCeilingBytes,
		ConsecutiveFailures: e.call.ConsecutiveFailures(),
		ActiveOfflineGroups: slices.Sorted(maps.Keys(e.activeOffline)),
		BlacklistedGroups:   slices.Sorted(maps.Keys(e.blacklist)),
		Dirty:               e.dirty,
		LastFlush:           e.lastFlushWall,
		FlushCount:          e.flushCount,
		Records:             []RecordView{},
	}
	if id, ok := e.call.Current(); ok && e.call.InProgress() {
		s.InFlight = &id
	}
	if e.lastFlushErr != nil {
		s.LastFlushError = e.lastFlushErr.Error()
	}

	where := "live"
	n := 0
	view := func(r types.Record) bool {
		if n == e.cfg.SnapshotRecords {
			return false
		}
		n++
		s.Records = append(s.Records, RecordView{
			UniqueID:        r.UniqueID,
			Queue:           where,
			Type:            r.Policy.Type.String(),
			Actions:         r.Actions,
			GroupID:         r.Policy.GroupID,
			Priority:        r.Policy.Priority,
			Attempts:        r.Attempts,
			MessageAttempts: r.Policy.MessageAttempts,
			PayloadBytes:    len(r.Payload),
		})
		return true
	}
	for _, r := range e.live {
		if !view(r.Clone()) {
			return s
		}
	}
	where = "offline"
	e.offline.Visit(view)
	return s
}

// ─── Demotion ────────────────────────────────────────────────────────────────

// demote moves live records to the offline queue: the oldest ones beyond the
// live bound, every record whose group is active offline, everything while
// disconnected, and a head that was already attempted and has no call in
// flight.
func (e *Engine) demote(connected bool) {
	if len(e.live) == 0 {
		return
	}
	excess := len(e.live) - e.cfg.LiveQueueBound
	kept := e.live[:0]
	for i, rec := range e.live {
		move := !connected || i < excess
		if !move {
			if g, ok := rec.Policy.Group(); ok && e.activeOffline[g] > 0 {
				move = true
			}
		}
		if !move && len(kept) == 0 && rec.Attempts > 0 && !e.inFlight(rec.UniqueID) {
			move = true
		}
		if move {
			e.pushOffline(rec)
			continue
		}
		kept = append(kept, rec)
	}
	for i := len(kept); i < len(e.live); i++ {
		e.live[i] = types.Record{}
	}
	e.live = kept
}

// ─── Send loop ───────────────────────────────────────────────────────────────

func (e *Engine) trySend(ch Channel) {
	if e.call.InProgress() {
		return
	}
	if id, ok := e.call.Current(); ok {
		e.call.Assign(0, nil)
		e.logger.Warn("pending: call timed out",
			"unique_id", id,
			"consecutive_failures", e.call.ConsecutiveFailures(),
		)
	}
	if !ch.IsConnected() {
		return
	}
	v := ch.Version()

	for {
		rec, fromLive, ok := e.front()
		if !ok {
			return
		}
		if reason, drop := e.dropReason(rec, v); drop {
			e.removeFront(fromLive, rec)
			e.drop(rec, reason)
			continue
		}
		if rec.Attempts > 0 {
			wait := int64(rec.Attempts) * int64(rec.Policy.RetryIntervalSeconds)
			if e.call.IdleDurationSeconds() < wait {
				return
			}
		}
		if !ch.AdmitCall() {
			return
		}
		e.transmit(ch, v, rec, fromLive)
		return
	}
}

// front returns the send candidate: the live head, else the offline head.
// Offline records that no longer decode are discarded.
func (e *Engine) front() (types.Record, bool, bool) {
	if len(e.live) > 0 {
		return e.live[0], true, true
	}
	for !e.offline.Empty() {
		rec, ok := e.offline.PollFront()
		if ok {
			return rec, false, true
		}
		e.logger.Error("pending: discarding undecodable offline head", "version", e.label)
		e.offline.PopFront()
		e.dirty = true
	}
	return types.Record{}, false, false
}

func (e *Engine) dropReason(rec types.Record, v types.Version) (DropReason, bool) {
	if g, ok := rec.Policy.Group(); ok {
		if _, black := e.blacklist[g]; black {
			return DropBlacklisted, true
		}
	}
	if _, ok := rec.Actions.For(v); !ok {
		return DropUnsupported, true
	}
	if rec.Attempts >= rec.Policy.MessageAttempts {
		return DropAttemptsExhausted, true
	}
	return "", false
}

// transmit sends rec and writes it back at the front with one more attempt.
func (e *Engine) transmit(ch Channel, v types.Version, rec types.Record, fromLive bool) {
	action, _ := rec.Actions.For(v)

	var (
		txID  *string
		seqNo *int64
	)
	if g, ok := rec.Policy.Group(); ok {
		if rec.Policy.AddTransactionID {
			if id, known := e.txIDs[g]; known {
				txID = &id
			}
		}
		if rec.Policy.AddSequenceNumber {
			if rec.AssignedSeqNo == nil {
				next, seeded := e.seqNos[g]
				if !seeded {
					next, _ = payloadSeqNo(rec.Payload)
				}
				n := next
				rec.AssignedSeqNo = &n
				e.seqNos[g] = next + 1
			}
			seqNo = rec.AssignedSeqNo
		}
	}
	payload, ok := splice(rec.Payload, txID, seqNo)
	if !ok {
		e.logger.Warn("pending: payload is not a JSON object, sending without correlation fields",
			"unique_id", rec.UniqueID, "action", action)
	}

	sent := ch.Send(rec.UniqueID, action, payload)
	rec.Attempts++
	e.writeFront(rec, fromLive)

	if sent {
		id := rec.UniqueID
		e.call.Assign(e.cfg.CallTimeout, &id)
		e.metrics.RecordSent(e.label, action)
		e.logger.Debug("pending: sent", "unique_id", id, "action", action, "attempt", rec.Attempts)
		return
	}
	e.call.Assign(0, nil)
	e.metrics.RecordSendFailed(e.label, action)
	e.logger.Warn("pending: send failed",
		"unique_id", rec.UniqueID,
		"action", action,
		"attempt", rec.Attempts,
		"message_attempts", rec.Policy.MessageAttempts,
	)
}

// ─── Queue plumbing ──────────────────────────────────────────────────────────

func (e *Engine) pushOffline(rec types.Record) {
	e.offline.PushBack(rec)
	if g, ok := rec.Policy.Group(); ok {
		e.activeOffline[g]++
	}
	e.dirty = true
}

func (e *Engine) releaseGroup(rec types.Record) {
	g, ok := rec.Policy.Group()
	if !ok {
		return
	}
	if n := e.activeOffline[g] - 1; n > 0 {
		e.activeOffline[g] = n
	} else {
		delete(e.activeOffline, g)
	}
}

func (e *Engine) writeFront(rec types.Record, fromLive bool) {
	if fromLive {
		e.live[0] = rec
		return
	}
	e.offline.UpdateFront(rec)
	e.dirty = true
}

func (e *Engine) removeFront(fromLive bool, rec types.Record) {
	if fromLive {
		e.live[0] = types.Record{}
		e.live = e.live[1:]
		return
	}
	e.offline.PopFront()
	e.releaseGroup(rec)
	e.dirty = true
}

// take removes the record uniqueID from whichever queue holds it.
func (e *Engine) take(uniqueID int64) (types.Record, bool) {
	for i, r := range e.live {
		if r.UniqueID == uniqueID {
			e.live = slices.Delete(e.live, i, i+1)
			return r, true
		}
	}
	if head, ok := e.offline.PollFront(); ok && head.UniqueID == uniqueID {
		e.offline.PopFront()
		e.releaseGroup(head)
		return head, true
	}
	var (
		found types.Record
		hit   bool
	)
	e.offline.RemoveIf(func(_ []byte, r types.Record) bool {
		if hit || r.UniqueID != uniqueID {
			return false
		}
		found, hit = r, true
		return true
	})
	if hit {
		e.releaseGroup(found)
	}
	return found, hit
}

func (e *Engine) inFlight(uniqueID int64) bool {
	cur, ok := e.call.Current()
	return ok && cur == uniqueID && e.call.InProgress()
}

// endGroup forgets everything learned about group g.
func (e *Engine) endGroup(g uint64) {
	delete(e.seqNos, g)
	delete(e.txIDs, g)
	delete(e.blacklist, g)
	e.dirty = true
}

func (e *Engine) drop(rec types.Record, reason DropReason) {
	level := slog.LevelWarn
	if reason == DropEvicted {
		level = slog.LevelDebug
	}
	e.logger.Log(context.Background(), level, "pending: record dropped",
		"unique_id", rec.UniqueID,
		"type", rec.Policy.Type,
		"reason", reason,
		"attempts", rec.Attempts,
		"version", e.label,
	)
	e.metrics.RecordDropped(e.label, string(reason))
	if e.observer != nil {
		e.observer.RecordDropped(rec, reason)
	}
	if g, ok := rec.Policy.Group(); ok && rec.Policy.Type == types.MessageTransactionEnd && reason != DropEvicted {
		e.endGroup(g)
	}
	e.dirty = true
}

// ─── Housekeeping ────────────────────────────────────────────────────────────

func (e *Engine) housekeep(now time.Time) {
	if e.housekept {
		if d := now.Sub(e.lastHousekeep); d >= 0 && d < e.cfg.StatsPeriod {
			return
		}
	}
	e.housekept = true
	e.lastHousekeep = now

	if e.offline.TotalBytes() >= e.cfg.OfflineCeilingBytes {
		e.evict()
	}
	e.metrics.SetQueueGauges(e.label, e.Len(), e.offline.TotalBytes())
}
