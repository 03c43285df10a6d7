// Copyright (c) The Thanos Authors.
// Licensed under the Apache License 2.0.

// Package runutil closes readers and closers from defer statements
// without dropping their errors:
//
//	defer runutil.CloseWithLogOnErr(logger, closer, "close %s", name)
//
// The Exhaust variants drain a response or request body before closing it
// so the underlying keep-alive connection can be reused.
package runutil

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/efficientgo/core/merrors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	pkgerrors "github.com/pkg/errors"
)

// CloseWithLogOnErr closes closer and logs the error, if any.
func CloseWithLogOnErr(logger log.Logger, closer io.Closer, format string, a ...interface{}) {
	err := closer.Close()
	if err == nil {
		return
	}

	// Not a problem if it has been closed already.
	if errors.Is(err, os.ErrClosed) {
		return
	}

	if logger == nil {
		logger = log.NewLogfmtLogger(os.Stderr)
	}

	level.Warn(logger).Log("msg", "detected close error", "err", pkgerrors.Wrap(err, fmt.Sprintf(format, a...)))
}

// ExhaustCloseWithLogOnErr drains r before closing it with CloseWithLogOnErr.
func ExhaustCloseWithLogOnErr(logger log.Logger, r io.ReadCloser, format string, a ...interface{}) {
	if _, err := io.Copy(io.Discard, r); err != nil {
		level.Warn(logger).Log("msg", "failed to exhaust reader, performance may be impeded", "err", err)
	}

	CloseWithLogOnErr(logger, r, format, a...)
}

// CloseWithErrCapture closes closer and merges its error into err.
func CloseWithErrCapture(err *error, closer io.Closer, format string, a ...interface{}) {
	merr := merrors.NilOrMultiError{}
	merr.Add(*err)
	if cerr := closer.Close(); cerr != nil && !errors.Is(cerr, os.ErrClosed) {
		merr.Add(pkgerrors.Wrapf(cerr, format, a...))
	}
	*err = merr.Err()
}

// ExhaustCloseRequestBodyHandler drains and closes the request body once next returns.
func ExhaustCloseRequestBodyHandler(logger log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b := r.Body
		r.Body = io.NopCloser(r.Body)
		next.ServeHTTP(w, r)
		ExhaustCloseWithLogOnErr(logger, b, "close request body")
	})
}
