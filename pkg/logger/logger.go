// Package logger builds the go-kit loggers used by the commands.
package logger

import (
	"fmt"
	"io"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

const (
	FormatLogfmt = "logfmt"
	FormatJSON   = "json"
)

// ParseLevel maps a level name to a filter option. The empty string allows
// everything.
func ParseLevel(l string) (level.Option, error) {
	switch l {
	case "", "all":
		return level.AllowAll(), nil
	case "debug":
		return level.AllowDebug(), nil
	case "info":
		return level.AllowInfo(), nil
	case "warn":
		return level.AllowWarn(), nil
	case "error":
		return level.AllowError(), nil
	default:
		return nil, fmt.Errorf("unknown log level %q", l)
	}
}

// LogLevelFromString is ParseLevel with unknown names allowing everything.
func LogLevelFromString(l string) level.Option {
	opt, err := ParseLevel(l)
	if err != nil {
		return level.AllowAll()
	}
	return opt
}

// New returns a logger writing to w in the given format, stamped with time
// and caller and filtered to lvl. Unknown formats fall back to logfmt.
func New(w io.Writer, lvl, format string) log.Logger {
	w = log.NewSyncWriter(w)
	var l log.Logger
	if format == FormatJSON {
		l = log.NewJSONLogger(w)
	} else {
		l = log.NewLogfmtLogger(w)
	}
	l = log.WithPrefix(l, "ts", log.DefaultTimestampUTC)
	l = log.WithPrefix(l, "caller", log.DefaultCaller)
	return level.NewFilter(l, LogLevelFromString(lvl))
}
