package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// VMKey is the attribute key that marks a record as belonging to a VM.
const VMKey = "vm"

// VMLogHandler wraps an slog.Handler and additionally appends records that
// carry a "vm" attribute to that VM's operations log.
type VMLogHandler struct {
	slog.Handler
	logPathFunc func(name string) string // "" means the record is not mirrored
	preAttrs    []slog.Attr
}

// NewVMLogHandler creates a handler mirroring VM records to logPathFunc(name).
func NewVMLogHandler(wrapped slog.Handler, logPathFunc func(name string) string) *VMLogHandler {
	return &VMLogHandler{
		Handler:     wrapped,
		logPathFunc: logPathFunc,
	}
}

// Handle passes the record to the wrapped handler, then mirrors it if it names a VM.
func (h *VMLogHandler) Handle(ctx context.Context, r slog.Record) error {
	if err := h.Handler.Handle(ctx, r); err != nil {
		return err
	}

	var name string
	for _, a := range h.preAttrs {
		if a.Key == VMKey {
			name = a.Value.String()
		}
	}
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == VMKey {
			name = a.Value.String()
			return false
		}
		return true
	})

	if name != "" {
		h.writeToVMLog(name, r)
	}
	return nil
}

func (h *VMLogHandler) writeToVMLog(name string, r slog.Record) {
	logPath := h.logPathFunc(name)
	if logPath == "" {
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s", r.Time.Format(time.RFC3339), r.Level, r.Message)
	for _, a := range h.preAttrs {
		if a.Key != VMKey {
			fmt.Fprintf(&b, " %s=%v", a.Key, a.Value)
		}
	}
	r.Attrs(func(a slog.Attr) bool {
		if a.Key != VMKey {
			fmt.Fprintf(&b, " %s=%v", a.Key, a.Value)
		}
		return true
	})
	b.WriteByte('\n')

	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		// package-level slog: no "vm" attr, so this cannot recurse
		slog.Warn("failed to create vm log directory", "path", logPath, "error", err)
		return
	}

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		slog.Warn("failed to open vm log file", "path", logPath, "error", err)
		return
	}
	defer f.Close()

	if _, err := f.WriteString(b.String()); err != nil {
		slog.Warn("failed to write vm log file", "path", logPath, "error", err)
	}
}

// WithAttrs returns a new handler with the given attributes.
func (h *VMLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	pre := make([]slog.Attr, len(h.preAttrs), len(h.preAttrs)+len(attrs))
	copy(pre, h.preAttrs)
	pre = append(pre, attrs...)

	return &VMLogHandler{
		Handler:     h.Handler.WithAttrs(attrs),
		logPathFunc: h.logPathFunc,
		preAttrs:    pre,
	}
}

// WithGroup returns a new handler with the given group name.
// VM names are expected at the top level, so groups are not searched.
func (h *VMLogHandler) WithGroup(name string) slog.Handler {
	return &VMLogHandler{
		Handler:     h.Handler.WithGroup(name),
		logPathFunc: h.logPathFunc,
		preAttrs:    h.preAttrs,
	}
}
