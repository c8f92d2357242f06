package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

// palette holds the colors used by prettyHandler. Every entry is a no-op when color is off.
type palette struct {
	dim, bold                    *color.Color
	debug, info, warn, err       *color.Color
	method, path, ok, slow, fail *color.Color
}

func newPalette(enabled bool) palette {
	mk := func(attrs ...color.Attribute) *color.Color {
		c := color.New(attrs...)
		if enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
		return c
	}
	return palette{
		dim:    mk(color.Faint),
		bold:   mk(color.Bold),
		debug:  mk(color.FgMagenta),
		info:   mk(color.FgBlue),
		warn:   mk(color.FgYellow),
		err:    mk(color.FgRed),
		method: mk(color.FgHiWhite, color.Bold),
		path:   mk(color.FgCyan),
		ok:     mk(color.FgGreen),
		slow:   mk(color.FgYellow),
		fail:   mk(color.FgRed),
	}
}

// groupedAttr is an attribute bound by WithAttrs under the groups open at that time.
type groupedAttr struct {
	prefix string
	attr   slog.Attr
}

type prettyHandler struct {
	w      io.Writer
	opts   slog.HandlerOptions
	attrs  []groupedAttr
	groups []string
	pal    palette
	mu     *sync.Mutex
}

func newPrettyHandler(w io.Writer, opts *slog.HandlerOptions, useColor bool) slog.Handler {
	h := &prettyHandler{
		w:   w,
		pal: newPalette(useColor),
		mu:  &sync.Mutex{},
	}
	if opts != nil {
		h.opts = *opts
	}
	return h
}

func (h *prettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

func (h *prettyHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder

	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	b.WriteString("ts=")
	b.WriteString(h.pal.dim.Sprint(ts.Format("15:04:05.000")))
	b.WriteString(" lvl=")
	b.WriteString(h.levelTag(r.Level))
	b.WriteString(" msg=")
	b.WriteString(h.pal.bold.Sprint(r.Message))

	if h.opts.AddSource && r.PC != 0 {
		frames := runtime.CallersFrames([]uintptr{r.PC})
		frame, _ := frames.Next()
		if frame.File != "" {
			b.WriteString(" src=")
			b.WriteString(h.pal.dim.Sprintf("%s:%d", filepath.Base(frame.File), frame.Line))
		}
	}

	for _, ga := range h.attrs {
		h.appendAttr(&b, ga.attr, ga.prefix)
	}
	prefix := strings.Join(h.groups, ".")
	r.Attrs(func(a slog.Attr) bool {
		h.appendAttr(&b, a, prefix)
		return true
	})

	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

func (h *prettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *h
	prefix := strings.Join(h.groups, ".")
	cp.attrs = append([]groupedAttr{}, h.attrs...)
	for _, a := range attrs {
		cp.attrs = append(cp.attrs, groupedAttr{prefix: prefix, attr: a})
	}
	return &cp
}

func (h *prettyHandler) WithGroup(name string) slog.Handler {
	if strings.TrimSpace(name) == "" {
		return h
	}
	cp := *h
	cp.groups = append(append([]string{}, h.groups...), name)
	return &cp
}

func (h *prettyHandler) appendAttr(b *strings.Builder, a slog.Attr, parent string) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}

	key := strings.TrimSpace(a.Key)
	if key == "" {
		return
	}

	fullKey := key
	if parent != "" {
		fullKey = parent + "." + key
	}

	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			h.appendAttr(b, ga, fullKey)
		}
		return
	}

	b.WriteByte(' ')
	b.WriteString(remapPrettyKey(fullKey))
	b.WriteByte('=')
	b.WriteString(h.prettyValue(key, a.Value))
}

func (h *prettyHandler) prettyValue(key string, v slog.Value) string {
	switch key {
	case "method":
		return h.pal.method.Sprint(strings.ToUpper(strings.TrimSpace(v.String())))
	case "path", "channel":
		return h.pal.path.Sprint(quoteIfNeeded(strings.TrimSpace(v.String())))
	case "status":
		if n, ok := valueToInt64(v); ok {
			return h.statusColor(int(n)).Sprint(n)
		}
	case "status_class":
		return quoteIfNeeded(v.String())
	case "duration_ms":
		if n, ok := valueToInt64(v); ok {
			return h.durationColor(n).Sprintf("%dms", n)
		}
	case "err":
		return h.pal.err.Sprint(quoteIfNeeded(valueToString(v)))
	}
	return quoteIfNeeded(valueToString(v))
}

func (h *prettyHandler) statusColor(status int) *color.Color {
	switch {
	case status >= 500:
		return h.pal.fail
	case status >= 400:
		return h.pal.slow
	default:
		return h.pal.ok
	}
}

func (h *prettyHandler) durationColor(ms int64) *color.Color {
	switch {
	case ms >= 1000:
		return h.pal.fail
	case ms >= 250:
		return h.pal.slow
	default:
		return h.pal.ok
	}
}

func (h *prettyHandler) levelTag(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return h.pal.err.Sprint("[ERROR]")
	case level >= slog.LevelWarn:
		return h.pal.warn.Sprint("[WARN]")
	case level < slog.LevelInfo:
		return h.pal.debug.Sprint("[DEBUG]")
	default:
		return h.pal.info.Sprint("[INFO]")
	}
}

func remapPrettyKey(k string) string {
	switch k {
	case "status_class":
		return "class"
	case "duration_ms":
		return "duration"
	default:
		return k
	}
}

func valueToInt64(v slog.Value) (int64, bool) {
	switch v.Kind() {
	case slog.KindInt64:
		return v.Int64(), true
	case slog.KindUint64:
		return int64(v.Uint64()), true
	case slog.KindFloat64:
		return int64(v.Float64()), true
	case slog.KindString:
		n, err := strconv.ParseInt(strings.TrimSpace(v.String()), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

func valueToString(v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		return strconv.FormatInt(v.Int64(), 10)
	case slog.KindUint64:
		return strconv.FormatUint(v.Uint64(), 10)
	case slog.KindFloat64:
		return strconv.FormatFloat(v.Float64(), 'f', -1, 64)
	case slog.KindBool:
		return strconv.FormatBool(v.Bool())
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	default:
		return fmt.Sprint(v.Any())
	}
}

func quoteIfNeeded(s string) string {
	if s == "" {
		return `""`
	}
	if strings.ContainsAny(s, " \t\r\n\"=") {
		return strconv.Quote(s)
	}
	return s
}
