// Package websocket is the station's OCPP-J connection to the CSMS.
//
// The Client dials <url>/<station id> with the configured protocol version
// as the WebSocket subprotocol and keeps the connection up, reconnecting
// with capped exponential backoff. It implements pending.Channel:
//
//   - Send writes a CALL frame and remembers the action under its id.
//   - A reader goroutine turns CALLRESULT and CALLERROR frames into Acks
//     appended to a mutex-guarded inbox. CALLs from the CSMS are answered
//     with a NotImplemented CALLERROR.
//   - Drain hands the inbox to the tick loop, which interprets each Ack and
//     settles it with the engine.
//
// Frame examples:
//
//	station → CSMS   [2,"17","StatusNotification",{"connectorId":1,...}]
//	CSMS → station   [3,"17",{}]
//	CSMS → station   [4,"18","FormationViolation","",{}]
package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"github.com/ChargeLab/OpenOCPP-sub001/internal/ocpp"
	"github.com/ChargeLab/OpenOCPP-sub001/internal/types"
)

// ErrSubprotocol is returned when the CSMS does not agree to the configured
// protocol version.
var ErrSubprotocol = errors.New("websocket: subprotocol not accepted")

// Ack is one answer from the CSMS to a CALL this client sent.
type Ack struct {
	UniqueID int64
	// Action is the action of the CALL being answered, empty if the id was
	// not sent on this connection or its CALL had already timed out.
	Action string
	Frame  ocpp.Frame
}

// Config controls the connection.
type Config struct {
	URL       string
	StationID string
	Version   types.Version

	// CallTimeout bounds how long a sent CALL blocks AdmitCall.
	CallTimeout      time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReconnectMin     time.Duration
	ReconnectMax     time.Duration
}

func (c Config) withDefaults() Config {
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = time.Second
	}
	if c.ReconnectMax < c.ReconnectMin {
		c.ReconnectMax = max(time.Minute, c.ReconnectMin)
	}
	return c
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger. The default discards.
func WithLogger(l *slog.Logger) Option { return func(c *Client) { c.logger = l } }

// WithHeader adds headers to the upgrade request, for example basic auth.
func WithHeader(h http.Header) Option { return func(c *Client) { c.header = h.Clone() } }

type outstanding struct {
	action string
	sentAt time.Time
}

// Client is a reconnecting OCPP-J client. Send, AdmitCall, IsConnected and
// Drain are safe to call from any goroutine while Run is active.
type Client struct {
	cfg    Config
	logger *slog.Logger
	header http.Header
	dialer *gorillaws.Dialer

	connected atomic.Bool

	// writeMu serialises writes; gorilla connections allow one writer.
	writeMu sync.Mutex
	conn    *gorillaws.Conn

	mu      sync.Mutex
	inbox   []Ack
	pending map[string]outstanding
}

// New returns a Client. Call Run to connect.
func New(cfg Config, opts ...Option) *Client {
	cfg = cfg.withDefaults()
	c := &Client{
		cfg:     cfg,
		pending: make(map[string]outstanding),
	}
	for _, o := range opts {
		o(c)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}
	c.dialer = &gorillaws.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.HandshakeTimeout,
		Subprotocols:     []string{cfg.Version.String()},
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}
	return c
}

// Endpoint returns the URL the client dials.
func (c *Client) Endpoint() string {
	return strings.TrimRight(c.cfg.URL, "/") + "/" + c.cfg.StationID
}

// Run keeps the connection up until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	delay := c.cfg.ReconnectMin
	for {
		if ctx.Err() != nil {
			return nil
		}

		err := c.runConnection(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			delay = c.cfg.ReconnectMin
		} else {
			c.logger.Warn("websocket: connection lost", "err", err, "retry_in", delay, "url", c.Endpoint())
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}
		if err != nil {
			delay = min(delay*2, c.cfg.ReconnectMax)
		}
	}
}

// runConnection dials once and reads until the connection fails. A nil
// error means the connection was up and was closed normally.
func (c *Client) runConnection(ctx context.Context) error {
	conn, resp, err := c.dialer.DialContext(ctx, c.Endpoint(), c.header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("websocket: dial: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("websocket: dial: %w", err)
	}
	if got := conn.Subprotocol(); got != c.cfg.Version.String() {
		_ = conn.Close()
		return fmt.Errorf("%w: offered %s, got %q", ErrSubprotocol, c.cfg.Version, got)
	}

	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()
	c.connected.Store(true)
	c.logger.Info("websocket: connected", "url", c.Endpoint(), "version", c.cfg.Version)

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	err = c.readLoop(conn)

	c.connected.Store(false)
	c.writeMu.Lock()
	c.conn = nil
	c.writeMu.Unlock()
	_ = conn.Close()

	c.mu.Lock()
	clear(c.pending)
	c.mu.Unlock()

	if gorillaws.IsCloseError(err, gorillaws.CloseNormalClosure, gorillaws.CloseGoingAway) {
		c.logger.Info("websocket: closed by peer", "url", c.Endpoint())
		return nil
	}
	return err
}

func (c *Client) readLoop(conn *gorillaws.Conn) error {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		f, err := ocpp.DecodeFrame(raw)
		if err != nil {
			c.logger.Warn("websocket: dropping malformed frame", "err", err, "bytes", len(raw))
			continue
		}
		if f.Type == ocpp.Call {
			c.logger.Debug("websocket: refusing CSMS call", "action", f.Action, "unique_id", f.UniqueID)
			if reply, err := ocpp.EncodeCallError(f.UniqueID, "NotImplemented", f.Action+" is not supported"); err == nil {
				_ = c.write(reply)
			}
			continue
		}
		id, ok := ocpp.ParseID(f.UniqueID)
		if !ok {
			c.logger.Warn("websocket: answer to an id this station never issued", "unique_id", f.UniqueID)
			continue
		}

		c.mu.Lock()
		o := c.pending[f.UniqueID]
		delete(c.pending, f.UniqueID)
		c.inbox = append(c.inbox, Ack{UniqueID: id, Action: o.action, Frame: f})
		c.mu.Unlock()
	}
}

// Drain returns and clears the acknowledgements received since the last call.
func (c *Client) Drain() []Ack {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.inbox
	c.inbox = nil
	return out
}

// ─── pending.Channel ─────────────────────────────────────────────────────────

// Version implements pending.Channel.
func (c *Client) Version() types.Version { return c.cfg.Version }

// IsConnected implements pending.Channel.
func (c *Client) IsConnected() bool { return c.connected.Load() }

// AdmitCall implements pending.Channel. One CALL is outstanding at a time.
// A CALL older than CallTimeout no longer counts and is forgotten; a late
// answer to it arrives as an Ack with an empty Action.
func (c *Client) AdmitCall() bool {
	if !c.IsConnected() {
		return false
	}
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	busy := false
	for id, o := range c.pending {
		if now.Sub(o.sentAt) >= c.cfg.CallTimeout {
			delete(c.pending, id)
			continue
		}
		busy = true
	}
	return !busy
}

// Outstanding returns how many sent CALLs are still remembered.
func (c *Client) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Send implements pending.Channel.
func (c *Client) Send(uniqueID int64, action string, payload []byte) bool {
	id := ocpp.FormatID(uniqueID)
	frame, err := ocpp.EncodeCall(id, action, payload)
	if err != nil {
		c.logger.Error("websocket: cannot frame call", "err", err, "unique_id", uniqueID)
		return false
	}

	c.mu.Lock()
	c.pending[id] = outstanding{action: action, sentAt: time.Now()}
	c.mu.Unlock()

	if err := c.write(frame); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		c.logger.Warn("websocket: send failed", "err", err, "unique_id", uniqueID, "action", action)
		return false
	}
	return true
}

var errNotConnected = errors.New("websocket: not connected")

func (c *Client) write(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return errNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.conn.WriteMessage(gorillaws.TextMessage, b)
}
