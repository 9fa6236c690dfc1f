// Package logging builds the station's *slog.Logger. There is no package
// level logger: the process builds one at start and hands it to every
// component that logs.
//
// A logger writes to an explicit list of sinks. Each sink is an ordinary
// slog.Handler; the usual set is a JSON handler on stdout plus a Ring that
// keeps recent warnings for the diagnostics surface.
package logging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// New returns a logger that fans every record at or above level out to all
// sinks. With no sinks it discards.
func New(level slog.Leveler, sinks ...slog.Handler) *slog.Logger {
	if len(sinks) == 0 {
		return Discard()
	}
	if level == nil {
		level = slog.LevelInfo
	}
	return slog.New(&fanout{level: level, sinks: sinks})
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger { return slog.New(slog.DiscardHandler) }

// ParseLevel accepts debug, info, warn and error in any case.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("logging: level %q: %w", s, err)
	}
	return l, nil
}

type fanout struct {
	level slog.Leveler
	sinks []slog.Handler
}

func (f *fanout) Enabled(ctx context.Context, l slog.Level) bool {
	if l < f.level.Level() {
		return false
	}
	for _, s := range f.sinks {
		if s.Enabled(ctx, l) {
			return true
		}
	}
	return false
}

func (f *fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, s := range f.sinks {
		if !s.Enabled(ctx, r.Level) {
			continue
		}
		if err := s.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(f.sinks))
	for i, s := range f.sinks {
		next[i] = s.WithAttrs(attrs)
	}
	return &fanout{level: f.level, sinks: next}
}

func (f *fanout) WithGroup(name string) slog.Handler {
	if name == "" {
		return f
	}
	next := make([]slog.Handler, len(f.sinks))
	for i, s := range f.sinks {
		next[i] = s.WithGroup(name)
	}
	return &fanout{level: f.level, sinks: next}
}
