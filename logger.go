package ibud

import (
	"log/slog"

	"github.com/procmesh/ibud/internal"
)

// logger is embedded by VC, udContext, and engine to give each a uniform,
// nil-safe slog-backed debug/trace/error surface. It delegates the
// enabled-check and attribute formatting to internal.LogEnabled/
// internal.LogAttrs so the `debugheaplog` build tag can switch in a
// zero-alloc heap-logging path without touching any of these callers.
type logger struct {
	log *slog.Logger
}

// SetLogger installs l as the destination for debug/trace/error output.
// A nil logger disables logging entirely.
func (lg *logger) SetLogger(l *slog.Logger) { lg.log = l }

func (lg *logger) logenabled(level slog.Level) bool {
	return internal.LogEnabled(lg.log, level)
}

// debug logs at slog.LevelDebug.
func (lg *logger) debug(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(lg.log, slog.LevelDebug, msg, attrs...)
}

// trace logs at internal.LevelTrace, a level below Debug used for per-packet
// chatter that would otherwise drown out connection-lifecycle events.
func (lg *logger) trace(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(lg.log, internal.LevelTrace, msg, attrs...)
}

// logerr logs msg at Error level with err attached, and returns err
// unchanged so it can be used inline: `return lg.logerr("...", err)`.
func (lg *logger) logerr(msg string, err error, attrs ...slog.Attr) error {
	internal.LogAttrs(lg.log, slog.LevelError, msg, append(attrs, slog.Any("err", err))...)
	return err
}
