package http

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/ChargeLab/OpenOCPP-sub001/internal/dlq"
	"github.com/ChargeLab/OpenOCPP-sub001/internal/logging"
)

// Handler groups the diagnostics request handlers.
type Handler struct {
	deps    Deps
	started time.Time
}

// ─── DTOs ─────────────────────────────────────────────────────────────────────

type healthResp struct {
	Status       string `json:"status"`
	StationID    string `json:"station_id"`
	Protocol     string `json:"protocol"`
	Connected    bool   `json:"connected"`
	BootAccepted bool   `json:"boot_accepted"`
	Pending      int    `json:"pending"`
	Uptime       string `json:"uptime"`
	UptimeMs     int64  `json:"uptime_ms"`
	DataDir      string `json:"data_dir"`
}

type droppedResp struct {
	Entries []dlq.Entry `json:"entries"`
	Total   int64       `json:"total"`
}

type replayReq struct {
	Limit int `json:"limit"` // 0 = all
}

type logsResp struct {
	Entries []logging.Entry `json:"entries"`
}

type uploadReq struct {
	URL       string `json:"url"`
	RequestID int    `json:"request_id"`
}

type acceptedResp struct {
	Status string `json:"status"`
}

type errorResp struct {
	Error string `json:"error"`
}

// ─── Health ───────────────────────────────────────────────────────────────────

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	elapsed := time.Since(h.started)
	resp := healthResp{
		Status:    "ok",
		StationID: h.deps.StationID,
		Uptime:    elapsed.Round(time.Second).String(),
		UptimeMs:  elapsed.Milliseconds(),
		DataDir:   h.deps.DataDir,
	}
	if s := h.deps.Station.State(); s != nil {
		resp.Protocol = s.Pending.Version
		resp.Connected = s.Connected
		resp.BootAccepted = s.BootAccepted
		resp.Pending = s.Pending.Live + s.Pending.Offline
	}
	writeJSON(w, http.StatusOK, resp)
}

// ─── Delivery state ───────────────────────────────────────────────────────────

func (h *Handler) pending(w http.ResponseWriter, r *http.Request) {
	s := h.deps.Station.State()
	if s == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResp{Error: "station not started"})
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handler) flush(w http.ResponseWriter, r *http.Request) {
	h.deps.Station.RequestFlush()
	writeJSON(w, http.StatusAccepted, acceptedResp{Status: "flush requested"})
}

// ─── Dropped records ──────────────────────────────────────────────────────────

func (h *Handler) dropped(w http.ResponseWriter, r *http.Request) {
	resp := droppedResp{Entries: []dlq.Entry{}}
	if j := h.deps.Journal; j != nil {
		resp.Entries = tail(j.Entries(), queryLimit(r))
		resp.Total = j.Total()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) replay(w http.ResponseWriter, r *http.Request) {
	if h.deps.Journal == nil {
		writeJSON(w, http.StatusNotFound, errorResp{Error: "dropped-record journal disabled"})
		return
	}
	var req replayReq
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Limit < 0 {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "limit must not be negative"})
		return
	}
	h.deps.Station.RequestReplay(req.Limit)
	writeJSON(w, http.StatusAccepted, acceptedResp{Status: "replay requested"})
}

// ─── Logs ─────────────────────────────────────────────────────────────────────

func (h *Handler) logs(w http.ResponseWriter, r *http.Request) {
	resp := logsResp{Entries: []logging.Entry{}}
	if h.deps.Logs != nil {
		resp.Entries = tail(h.deps.Logs.Entries(), queryLimit(r))
	}
	writeJSON(w, http.StatusOK, resp)
}

// ─── Upload ───────────────────────────────────────────────────────────────────

func (h *Handler) upload(w http.ResponseWriter, r *http.Request) {
	var req uploadReq
	if !decodeJSON(w, r, &req) {
		return
	}
	if !validUploadURL(req.URL) {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "url must be an http or https URL"})
		return
	}
	h.deps.Station.RequestUpload(req.URL, req.RequestID)
	writeJSON(w, http.StatusAccepted, acceptedResp{Status: "upload requested"})
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

// queryLimit parses ?limit=N; anything else means no limit.
func queryLimit(r *http.Request) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return 0
}

// tail keeps the newest limit entries of an oldest-first slice.
func tail[T any](s []T, limit int) []T {
	if limit > 0 && len(s) > limit {
		return s[len(s)-limit:]
	}
	return s
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "invalid json: " + err.Error()})
		return false
	}
	return true
}

// validUploadURL checks that the target URL is a plain http or https address.
func validUploadURL(raw string) bool {
	u, err := url.ParseRequestURI(raw)
	if err != nil || u.Host == "" {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	return scheme == "http" || scheme == "https"
}
