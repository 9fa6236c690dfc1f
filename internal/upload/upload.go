// Package upload sends a diagnostics bundle to an operator-supplied URL on a
// background goroutine.
//
// The tick loop starts a job and later polls Done and Status; it never
// blocks on the network. One job runs at a time. Cancel is cooperative: the
// request is aborted through its context and the job ends as failed.
package upload

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChargeLab/OpenOCPP-sub001/internal/node"
)

// ErrBusy is returned by Start while a job is running.
var ErrBusy = errors.New("upload: a job is already running")

// SignatureHeader carries the HMAC-SHA256 of the body when a secret is set.
const SignatureHeader = "X-OCPP-Signature"

// Status is the state of the most recent job.
type Status int32

const (
	StatusIdle Status = iota
	StatusUploading
	StatusUploaded
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusUploading:
		return "uploading"
	case StatusUploaded:
		return "uploaded"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Job describes the most recent upload.
type Job struct {
	ID        string
	RequestID int
	URL       string
	Err       error
}

// Option configures an Uploader.
type Option func(*Uploader)

// WithHTTPClient replaces the default client (10s timeout).
func WithHTTPClient(c *http.Client) Option { return func(u *Uploader) { u.client = c } }

// WithSecret signs every body with HMAC-SHA256 under secret.
func WithSecret(secret string) Option { return func(u *Uploader) { u.secret = secret } }

// WithLogger sets the logger. The default discards.
func WithLogger(l *slog.Logger) Option { return func(u *Uploader) { u.logger = l } }

// Uploader runs upload jobs.
type Uploader struct {
	client *http.Client
	secret string
	logger *slog.Logger

	status atomic.Int32

	mu     sync.Mutex
	job    Job
	cancel context.CancelFunc
	done   chan struct{}
}

// New returns an idle Uploader.
func New(opts ...Option) *Uploader {
	u := &Uploader{client: &http.Client{Timeout: 10 * time.Second}}
	for _, o := range opts {
		o(u)
	}
	if u.logger == nil {
		u.logger = slog.New(slog.DiscardHandler)
	}
	return u
}

// Start POSTs payload to url on a new goroutine and returns the job id.
// requestID is echoed back through Job for the status notification.
func (u *Uploader) Start(ctx context.Context, url string, requestID int, payload []byte) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if Status(u.status.Load()) == StatusUploading {
		return "", ErrBusy
	}

	id, err := node.NewID()
	if err != nil {
		return "", fmt.Errorf("upload: generate job id: %w", err)
	}
	ctx, cancel := context.WithCancel(ctx)
	u.job = Job{ID: id, RequestID: requestID, URL: url}
	u.cancel = cancel
	u.done = make(chan struct{})
	u.status.Store(int32(StatusUploading))

	done := u.done
	body := bytes.Clone(payload)
	go func() {
		defer close(done)
		defer cancel()
		err := u.post(ctx, url, body)

		u.mu.Lock()
		u.job.Err = err
		u.mu.Unlock()
		if err != nil {
			u.status.Store(int32(StatusFailed))
			u.logger.Warn("upload: failed", "job", id, "url", url, "err", err)
			return
		}
		u.status.Store(int32(StatusUploaded))
		u.logger.Info("upload: done", "job", id, "url", url, "bytes", len(body))
	}()
	u.logger.Info("upload: started", "job", id, "url", url, "request_id", requestID)
	return id, nil
}

// Status returns the state of the most recent job. It is advisory: a job
// may finish right after the call.
func (u *Uploader) Status() Status { return Status(u.status.Load()) }

// Done reports whether no job is running.
func (u *Uploader) Done() bool { return u.Status() != StatusUploading }

// Job returns the most recent job.
func (u *Uploader) Job() Job {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.job
}

// Cancel aborts the running job, if any, without waiting for it.
func (u *Uploader) Cancel() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.cancel != nil {
		u.cancel()
	}
}

// Wait blocks until the running job, if any, has finished or ctx is done.
func (u *Uploader) Wait(ctx context.Context) error {
	u.mu.Lock()
	done := u.done
	u.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post returns nil only when the endpoint answers with a 2xx status.
func (u *Uploader) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("upload: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if u.secret != "" {
		mac := hmac.New(sha256.New, []byte(u.secret))
		mac.Write(body)
		req.Header.Set(SignatureHeader, "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("upload: POST to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("upload: endpoint returned %d", resp.StatusCode)
	}
	return nil
}
