// Package logging provides a human-oriented slog handler for terminal output.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

// Options configure a Handler.
type Options struct {
	Level      slog.Leveler
	UseColor   bool
	TimeFormat string
}

func DefaultOptions() Options {
	return Options{
		Level:      slog.LevelInfo,
		UseColor:   true,
		TimeFormat: time.RFC3339,
	}
}

// Handler renders records as a single line: timestamp, padded level, message,
// then key=value attributes.
type Handler struct {
	opts  Options
	mu    *sync.Mutex
	w     io.Writer
	attrs []slog.Attr
	group string

	dim    func(...any) string
	msg    func(...any) string
	levels map[slog.Level]func(...any) string
}

func NewHandler(w io.Writer, opts *Options) *Handler {
	o := DefaultOptions()
	if opts != nil {
		o = *opts
	}
	if o.Level == nil {
		o.Level = slog.LevelInfo
	}
	if o.TimeFormat == "" {
		o.TimeFormat = time.RFC3339
	}

	h := &Handler{opts: o, mu: &sync.Mutex{}, w: w}
	h.initColors()
	return h
}

func (h *Handler) initColors() {
	plain := func(a ...any) string { return fmt.Sprint(a...) }

	if !h.opts.UseColor {
		h.dim, h.msg = plain, plain
		h.levels = map[slog.Level]func(...any) string{
			slog.LevelDebug: plain,
			slog.LevelInfo:  plain,
			slog.LevelWarn:  plain,
			slog.LevelError: plain,
		}
		return
	}

	h.dim = color.New(color.FgHiBlack).SprintFunc()
	h.msg = color.New(color.FgCyan).SprintFunc()
	h.levels = map[slog.Level]func(...any) string{
		slog.LevelDebug: color.New(color.FgMagenta).SprintFunc(),
		slog.LevelInfo:  color.New(color.FgBlue).SprintFunc(),
		slog.LevelWarn:  color.New(color.FgYellow).SprintFunc(),
		slog.LevelError: color.New(color.FgRed, color.Bold).SprintFunc(),
	}
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.opts.Level.Level()
}

func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder

	if !r.Time.IsZero() {
		b.WriteString(h.dim(r.Time.Format(h.opts.TimeFormat)))
		b.WriteByte(' ')
	}

	level := fmt.Sprintf("%-5s", strings.ToUpper(r.Level.String()))
	if paint, ok := h.levels[r.Level]; ok {
		level = paint(level)
	}
	b.WriteString(level)
	b.WriteByte(' ')
	b.WriteString(h.msg(r.Message))

	for _, attr := range h.attrs {
		h.writeAttr(&b, attr)
	}
	r.Attrs(func(attr slog.Attr) bool {
		h.writeAttr(&b, attr)
		return true
	})
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

func (h *Handler) writeAttr(b *strings.Builder, attr slog.Attr) {
	v := attr.Value.Resolve()

	if v.Kind() == slog.KindGroup {
		for _, ga := range v.Group() {
			ga.Key = attr.Key + "." + ga.Key
			h.writeAttr(b, ga)
		}
		return
	}

	key := attr.Key
	if h.group != "" {
		key = h.group + "." + key
	}
	fmt.Fprintf(b, " %s", h.dim(key+"="+v.String()))
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	clone := *h
	clone.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &clone
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	if h.group != "" {
		clone.group = h.group + "." + name
	} else {
		clone.group = name
	}
	return &clone
}
