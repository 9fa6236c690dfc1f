// Package station runs the tick loop that owns the delivery engine.
//
// The engine, the heartbeat and the boot notification all live on one
// goroutine. Every other goroutine talks to the Runner through atomics and
// small mutex-guarded inboxes: the WebSocket reader through Transport.Drain,
// the diagnostics surface through the Request* methods and State.
package station

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"github.com/ChargeLab/OpenOCPP-sub001/internal/clock"
	"github.com/ChargeLab/OpenOCPP-sub001/internal/dlq"
	"github.com/ChargeLab/OpenOCPP-sub001/internal/logging"
	"github.com/ChargeLab/OpenOCPP-sub001/internal/ocpp"
	"github.com/ChargeLab/OpenOCPP-sub001/internal/operation"
	"github.com/ChargeLab/OpenOCPP-sub001/internal/pending"
	"github.com/ChargeLab/OpenOCPP-sub001/internal/transport/websocket"
	"github.com/ChargeLab/OpenOCPP-sub001/internal/types"
	"github.com/ChargeLab/OpenOCPP-sub001/internal/upload"
)

// Transport is the CSMS connection as seen by the runner.
type Transport interface {
	pending.Channel
	Drain() []websocket.Ack
}

// Actions of the calls the runner originates.
const (
	ActionBootNotification = "BootNotification"
	ActionHeartbeat        = "Heartbeat"
)

// ─── Config ──────────────────────────────────────────────────────────────────

// Config tunes a Runner. Zero values fall back to DefaultConfig.
type Config struct {
	TickInterval time.Duration
	// StatsPeriod is how often State is republished.
	StatsPeriod time.Duration
	// CallTimeout bounds the boot and heartbeat calls.
	CallTimeout       time.Duration
	HeartbeatInterval time.Duration
	// BootRetry is the delay before a rejected or failed boot is retried
	// when the CSMS does not name an interval.
	BootRetry time.Duration
	Station   ocpp.Station

	// DefaultAttempts and DefaultRetrySeconds apply to the status
	// notifications the runner enqueues.
	DefaultAttempts     int
	DefaultRetrySeconds int
}

// DefaultConfig returns the configuration used on the station.
func DefaultConfig() Config {
	return Config{
		TickInterval:        10 * time.Millisecond,
		StatsPeriod:         time.Second,
		CallTimeout:         30 * time.Second,
		HeartbeatInterval:   5 * time.Minute,
		BootRetry:           time.Minute,
		DefaultAttempts:     3,
		DefaultRetrySeconds: 30,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.StatsPeriod <= 0 {
		c.StatsPeriod = d.StatsPeriod
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.BootRetry <= 0 {
		c.BootRetry = d.BootRetry
	}
	if c.DefaultAttempts <= 0 {
		c.DefaultAttempts = d.DefaultAttempts
	}
	if c.DefaultRetrySeconds <= 0 {
		c.DefaultRetrySeconds = d.DefaultRetrySeconds
	}
	return c
}

// Option configures optional Runner collaborators.
type Option func(*Runner)

// WithLogger sets the logger. The default discards.
func WithLogger(l *slog.Logger) Option { return func(r *Runner) { r.logger = l } }

// WithRegistry replaces the default ocpp.NewRegistry.
func WithRegistry(reg *ocpp.Registry) Option { return func(r *Runner) { r.registry = reg } }

// WithJournal enables replay of dropped records from j.
func WithJournal(j *dlq.Journal) Option { return func(r *Runner) { r.journal = j } }

// WithUploader enables diagnostics uploads.
func WithUploader(u *upload.Uploader) Option { return func(r *Runner) { r.uploader = u } }

// WithLogRing includes the entries of ring in upload bundles.
func WithLogRing(ring *logging.Ring) Option { return func(r *Runner) { r.ring = ring } }

// ─── State ───────────────────────────────────────────────────────────────────

// State is the published diagnostics view. It is replaced, never mutated.
type State struct {
	At            time.Time        `json:"at"`
	Connected     bool             `json:"connected"`
	BootAccepted  bool             `json:"boot_accepted"`
	BootStatus    string           `json:"boot_status,omitempty"`
	HeartbeatFail int              `json:"heartbeat_failures"`
	LastHeartbeat time.Time        `json:"last_heartbeat"`
	Upload        string           `json:"upload"`
	Pending       pending.Snapshot `json:"pending"`
}

type uploadRequest struct {
	url       string
	requestID int
}

type submission struct {
	payload []byte
	tags    types.ActionTags
	policy  types.Policy
}

// ─── Runner ──────────────────────────────────────────────────────────────────

// Runner drives one engine over one transport.
type Runner struct {
	cfg      Config
	clk      clock.Clock
	engine   *pending.Engine
	tr       Transport
	channel  pending.Channel
	registry *ocpp.Registry
	journal  *dlq.Journal
	uploader *upload.Uploader
	ring     *logging.Ring
	logger   *slog.Logger

	// Tick-thread state.
	boot          *operation.Holder[int64]
	bootStatus    ocpp.BootStatus
	bootRetry     time.Duration
	nextBootID    int64
	heartbeat     *operation.Holder[int64]
	hbInterval    time.Duration
	lastHeartbeat time.Time
	uploadActive  bool
	lastPublish   time.Time
	published     bool
	wasConnected  bool

	accepted atomic.Bool
	state    atomic.Pointer[State]

	flushReq  atomic.Bool
	replayReq atomic.Int64
	uploadReq atomic.Pointer[uploadRequest]

	mu      sync.Mutex
	submits []submission
}

// New returns a Runner. engine must not be used by anything else.
func New(cfg Config, engine *pending.Engine, tr Transport, clk clock.Clock, opts ...Option) *Runner {
	if clk == nil {
		clk = clock.System{}
	}
	r := &Runner{
		cfg:    cfg.withDefaults(),
		clk:    clk,
		engine: engine,
		tr:     tr,
	}
	for _, o := range opts {
		o(r)
	}
	if r.logger == nil {
		r.logger = slog.New(slog.DiscardHandler)
	}
	if r.registry == nil {
		r.registry = ocpp.NewRegistry()
	}
	r.channel = bootGate{Channel: tr, accepted: &r.accepted}
	r.boot = operation.New[int64](clk, r.logger)
	r.heartbeat = operation.New[int64](clk, r.logger)
	r.hbInterval = r.cfg.HeartbeatInterval
	r.bootRetry = r.cfg.BootRetry
	r.nextBootID = -1
	r.publish(r.clk.Now())
	return r
}

// Run ticks until ctx is cancelled, then flushes the engine once more.
func (r *Runner) Run(ctx context.Context) error {
	t := time.NewTicker(r.cfg.TickInterval)
	defer t.Stop()

	r.logger.Info("station: runner started",
		"version", r.tr.Version().String(),
		"tick", r.cfg.TickInterval,
		"pending", r.engine.Len(),
	)
	for {
		select {
		case <-ctx.Done():
			return r.shutdown()
		case <-t.C:
			r.Tick()
		}
	}
}

func (r *Runner) shutdown() error {
	r.drainSubmissions()
	if r.uploader != nil {
		r.uploader.Cancel()
	}
	err := r.engine.Flush()
	if err != nil {
		r.logger.Error("station: final flush failed", "err", err)
	} else {
		r.logger.Info("station: final flush done", "pending", r.engine.Len())
	}
	r.publish(r.clk.Now())
	return err
}

// Tick runs one iteration of the loop. Run calls it; tests call it directly.
func (r *Runner) Tick() {
	now := r.clk.Now()

	r.trackConnection()
	r.handleAcks()
	r.drainSubmissions()
	r.handleRequests()
	r.pollUpload()
	r.tickBoot()
	r.tickHeartbeat()
	r.engine.Step(r.channel)

	if !r.published || now.Sub(r.lastPublish) >= r.cfg.StatsPeriod {
		r.publish(now)
	}
}

// State returns the most recently published view. Safe for concurrent use.
func (r *Runner) State() *State { return r.state.Load() }

// RequestFlush asks the tick loop to flush the engine on its next tick.
func (r *Runner) RequestFlush() { r.flushReq.Store(true) }

// RequestReplay asks the tick loop to re-enqueue up to limit dropped records
// from the journal, oldest first. limit <= 0 replays them all.
func (r *Runner) RequestReplay(limit int) {
	if limit <= 0 {
		limit = -1
	}
	r.replayReq.Store(int64(limit))
}

// RequestUpload asks the tick loop to upload a diagnostics bundle to url.
// requestID is echoed in the 2.0.1 LogStatusNotification.
func (r *Runner) RequestUpload(url string, requestID int) {
	r.uploadReq.Store(&uploadRequest{url: url, requestID: requestID})
}

// Submit queues a record for the engine from any goroutine. It is enqueued
// on the next tick.
func (r *Runner) Submit(payload []byte, tags types.ActionTags, policy types.Policy) {
	s := submission{payload: append([]byte(nil), payload...), tags: tags, policy: policy}
	r.mu.Lock()
	r.submits = append(r.submits, s)
	r.mu.Unlock()
}

// ─── Tick steps ──────────────────────────────────────────────────────────────

func (r *Runner) trackConnection() {
	connected := r.tr.IsConnected()
	if connected == r.wasConnected {
		return
	}
	r.wasConnected = connected
	if connected {
		r.logger.Info("station: connected", "boot_accepted", r.accepted.Load())
		return
	}
	r.logger.Warn("station: disconnected", "pending", r.engine.Len())
}

func (r *Runner) handleAcks() {
	v := r.tr.Version()
	for _, ack := range r.tr.Drain() {
		if cur, ok := r.boot.Current(); ok && cur == ack.UniqueID {
			r.onBootAck(ack)
			continue
		}
		if cur, ok := r.heartbeat.Current(); ok && cur == ack.UniqueID {
			r.heartbeat.Assign(0, nil)
			r.heartbeat.ResetFailures()
			r.lastHeartbeat = r.clk.Wall()
		}

		outcome := r.registry.Outcome(v, ack.Action, ack.Frame)
		if ack.Frame.Type == ocpp.CallError {
			r.logger.Warn("station: call error",
				"unique_id", ack.UniqueID,
				"action", ack.Action,
				"code", ack.Frame.ErrorCode,
				"description", ack.Frame.ErrorDescription,
			)
		}
		r.engine.OnAcknowledged(ack.UniqueID, outcome)
	}
}

func (r *Runner) drainSubmissions() {
	r.mu.Lock()
	subs := r.submits
	r.submits = nil
	r.mu.Unlock()
	for _, s := range subs {
		r.engine.Enqueue(s.payload, s.tags, s.policy)
	}
}

func (r *Runner) handleRequests() {
	if r.flushReq.Swap(false) {
		if err := r.engine.Flush(); err == nil {
			r.logger.Info("station: flushed on request", "pending", r.engine.Len())
		}
		r.published = false
	}
	if limit := r.replayReq.Swap(0); limit != 0 && r.journal != nil {
		taken := r.journal.Take(int(max(limit, 0)))
		for _, d := range taken {
			rec := d.Record
			r.engine.Enqueue(rec.Payload, rec.Actions, rec.Policy)
		}
		r.logger.Info("station: replayed dropped records", "count", len(taken))
		r.published = false
	}
	if req := r.uploadReq.Swap(nil); req != nil {
		r.startUpload(req)
	}
}

// ─── Boot notification ───────────────────────────────────────────────────────

func (r *Runner) tickBoot() {
	if r.accepted.Load() || !r.tr.IsConnected() {
		return
	}
	if r.boot.InProgress() {
		return
	}
	if id, ok := r.boot.Current(); ok {
		r.boot.Assign(0, nil)
		r.logger.Warn("station: boot notification timed out",
			"unique_id", id, "consecutive_failures", r.boot.ConsecutiveFailures())
	}
	if r.boot.IdleDuration() < r.bootRetry || !r.tr.AdmitCall() {
		return
	}

	id := r.nextBootID
	r.nextBootID--
	if !r.tr.Send(id, ActionBootNotification, ocpp.BootNotification(r.tr.Version(), r.cfg.Station)) {
		r.boot.Assign(0, nil)
		return
	}
	r.boot.Assign(r.cfg.CallTimeout, &id)
	r.logger.Info("station: boot notification sent", "unique_id", id)
}

func (r *Runner) onBootAck(ack websocket.Ack) {
	r.boot.Assign(0, nil)
	r.boot.ResetFailures()
	r.bootRetry = r.cfg.BootRetry

	if ack.Frame.Type == ocpp.CallError {
		r.logger.Warn("station: boot notification refused",
			"code", ack.Frame.ErrorCode, "retry_in", r.bootRetry)
		return
	}
	resp, err := ocpp.ParseBootResponse(ack.Frame.Payload)
	if err != nil {
		r.logger.Warn("station: unreadable boot response", "err", err, "retry_in", r.bootRetry)
		return
	}
	r.bootStatus = resp.Status
	interval := time.Duration(resp.Interval) * time.Second

	if resp.Status != ocpp.BootAccepted {
		if interval > 0 {
			r.bootRetry = interval
		}
		r.logger.Warn("station: boot not accepted", "status", resp.Status, "retry_in", r.bootRetry)
		return
	}
	if interval > 0 {
		r.hbInterval = interval
	}
	r.accepted.Store(true)
	r.published = false
	r.logger.Info("station: boot accepted", "heartbeat_interval", r.hbInterval)
}

// ─── Heartbeat ───────────────────────────────────────────────────────────────

// heartbeatPolicy is attempted once and never forces a flush; a missed
// heartbeat is replaced by the next one.
var heartbeatPolicy = types.Policy{Type: types.MessageGeneric, MessageAttempts: 1}

func (r *Runner) tickHeartbeat() {
	if !r.accepted.Load() || !r.tr.IsConnected() {
		return
	}
	if r.heartbeat.InProgress() {
		return
	}
	if id, ok := r.heartbeat.Current(); ok {
		r.heartbeat.Assign(0, nil)
		r.logger.Warn("station: heartbeat unanswered",
			"unique_id", id, "consecutive_failures", r.heartbeat.ConsecutiveFailures())
	}
	if r.heartbeat.IdleDuration() < r.hbInterval {
		return
	}
	id := r.engine.Enqueue(ocpp.Heartbeat(), types.ActionTags{V16: ActionHeartbeat, V201: ActionHeartbeat}, heartbeatPolicy)
	r.heartbeat.Assign(r.cfg.CallTimeout, &id)
}

// ─── Upload ──────────────────────────────────────────────────────────────────

type bundle struct {
	State   *State          `json:"state"`
	Dropped []dlq.Entry     `json:"dropped,omitempty"`
	Logs    []logging.Entry `json:"logs,omitempty"`
}

func (r *Runner) startUpload(req *uploadRequest) {
	if r.uploader == nil {
		r.logger.Warn("station: upload requested but no uploader configured", "url", req.url)
		return
	}
	r.publish(r.clk.Now())
	b := bundle{State: r.State()}
	if r.journal != nil {
		b.Dropped = r.journal.Entries()
	}
	if r.ring != nil {
		b.Logs = r.ring.Entries()
	}
	payload, err := json.Marshal(b)
	if err != nil {
		r.logger.Error("station: encode upload bundle", "err", err)
		return
	}
	if _, err := r.uploader.Start(context.Background(), req.url, req.requestID, payload); err != nil {
		r.logger.Warn("station: upload not started", "err", err, "url", req.url)
		return
	}
	r.uploadActive = true
	r.notifyUpload(ocpp.UploadUploading, req.requestID)
}

func (r *Runner) pollUpload() {
	if !r.uploadActive || !r.uploader.Done() {
		return
	}
	r.uploadActive = false
	status := ocpp.UploadUploaded
	if r.uploader.Status() == upload.StatusFailed {
		status = ocpp.UploadFailed
	}
	r.notifyUpload(status, r.uploader.Job().RequestID)
}

func (r *Runner) notifyUpload(status ocpp.UploadStatus, requestID int) {
	v := r.tr.Version()
	action, payload := ocpp.UploadNotification(v, status, requestID)
	tags := types.ActionTags{}
	if v == types.V201 {
		tags.V201 = action
	} else {
		tags.V16 = action
	}
	r.engine.Enqueue(payload, tags, types.Policy{
		Type:                 types.MessageGeneric,
		MessageAttempts:      r.cfg.DefaultAttempts,
		RetryIntervalSeconds: r.cfg.DefaultRetrySeconds,
	})
}

// ─── Publishing ──────────────────────────────────────────────────────────────

func (r *Runner) publish(now time.Time) {
	s := &State{
		At:            r.clk.Wall(),
		Connected:     r.tr.IsConnected(),
		BootAccepted:  r.accepted.Load(),
		BootStatus:    string(r.bootStatus),
		HeartbeatFail: r.heartbeat.ConsecutiveFailures(),
		LastHeartbeat: r.lastHeartbeat,
		Upload:        upload.StatusIdle.String(),
		Pending:       r.engine.Snapshot(),
	}
	if r.uploader != nil {
		s.Upload = r.uploader.Status().String()
	}
	r.state.Store(s)
	r.lastPublish = now
	r.published = true
}
