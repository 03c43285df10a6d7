package http

import (
	"net/http"
	"net/http/httputil"
	"regexp"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

var sensitive = regexp.MustCompile(`(?i)(authorization: bearer |authorization: basic |client_secret=|client_assertion=|assertion=|refresh_token=|access_token"\s*:\s*"|refresh_token"\s*:\s*"|id_token"\s*:\s*"|code=)[^\s&"]+`)

type debugRoundTripper struct {
	logger log.Logger
	next   http.RoundTripper
}

// NewDebugRoundTripper logs every request and response passing through
// next at debug level, with credentials masked.
func NewDebugRoundTripper(logger log.Logger, next http.RoundTripper) http.RoundTripper {
	return &debugRoundTripper{logger: log.With(logger, "component", "http/debug"), next: next}
}

func (rt *debugRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if b, err := httputil.DumpRequestOut(req, true); err == nil {
		level.Debug(rt.logger).Log("msg", "request", "dump", redact(b))
	}
	resp, err := rt.next.RoundTrip(req)
	if err != nil {
		level.Debug(rt.logger).Log("msg", "request failed", "url", req.URL.Redacted(), "err", err)
		return nil, err
	}
	if b, err := httputil.DumpResponse(resp, true); err == nil {
		level.Debug(rt.logger).Log("msg", "response", "dump", redact(b))
	}
	return resp, nil
}

func (rt *debugRoundTripper) CloseIdleConnections() {
	if ic, ok := rt.next.(idleConnectionCloser); ok {
		ic.CloseIdleConnections()
	}
}

func redact(b []byte) string {
	return sensitive.ReplaceAllString(string(b), "${1}[REDACTED]")
}
