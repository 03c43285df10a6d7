package authorize

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/efficientgo/core/testutil"
	"github.com/go-kit/log"
)

type verifierFunc func(ctx context.Context, header string) (*Credential, error)

func (f verifierFunc) Verify(ctx context.Context, header string) (*Credential, error) {
	return f(ctx, header)
}

func TestBearerToken(t *testing.T) {
	for _, tc := range []struct {
		header string
		want   string
		ok     bool
	}{
		{header: "Bearer abc", want: "abc", ok: true},
		{header: "bearer abc", want: "abc", ok: true},
		{header: "  BEARER   abc  ", want: "abc", ok: true},
		{header: ""},
		{header: "Bearer"},
		{header: "Bearer    "},
		{header: "Basic abc"},
	} {
		t.Run(tc.header, func(t *testing.T) {
			got, err := BearerToken(tc.header)
			if !tc.ok {
				testutil.NotOk(t, err)
				var uerr *UnauthenticatedError
				testutil.Assert(t, errors.As(err, &uerr), "expected UnauthenticatedError, got %T", err)
				testutil.Equals(t, ReasonMissingBearer, uerr.Reason)
				return
			}
			testutil.Ok(t, err)
			testutil.Equals(t, tc.want, got)
		})
	}
}

func TestNewAuthorizeHandler(t *testing.T) {
	v := verifierFunc(func(_ context.Context, header string) (*Credential, error) {
		tok, err := BearerToken(header)
		if err != nil {
			return nil, err
		}
		if tok != "good" {
			return nil, InvalidToken(errors.New("signature mismatch"))
		}
		return &Credential{Raw: tok, Subject: "alice"}, nil
	})

	var seen *Credential
	h := NewAuthorizeHandler(log.NewNopLogger(), v, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, ok := FromContext(r.Context())
		testutil.Assert(t, ok, "expected a credential in the context")
		seen = c
	}))

	for _, tc := range []struct {
		name   string
		header string
		status int
		detail string
	}{
		{name: "valid", header: "Bearer good", status: http.StatusOK},
		{name: "forged", header: "Bearer bad", status: http.StatusUnauthorized, detail: ReasonInvalidToken},
		{name: "missing", status: http.StatusUnauthorized, detail: ReasonMissingBearer},
	} {
		t.Run(tc.name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest(http.MethodGet, "/api/plans", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			testutil.Equals(t, tc.status, rec.Code)
			if tc.status == http.StatusOK {
				testutil.Equals(t, "alice", seen.Subject)
				return
			}
			testutil.Assert(t, seen == nil, "next must not be called")

			var body map[string]string
			testutil.Ok(t, json.NewDecoder(rec.Body).Decode(&body))
			testutil.Equals(t, map[string]string{"error": "unauthenticated", "detail": tc.detail}, body)
		})
	}
}

func TestFromContextEmpty(t *testing.T) {
	_, ok := FromContext(context.Background())
	testutil.Assert(t, !ok, "expected no credential")

	_, ok = FromContext(WithCredential(context.Background(), nil))
	testutil.Assert(t, !ok, "expected a nil credential to be ignored")
}

func TestCredentialUserID(t *testing.T) {
	testutil.Equals(t, "oid", (&Credential{Subject: "sub", ObjectID: "oid"}).UserID())
	testutil.Equals(t, "sub", (&Credential{Subject: "sub"}).UserID())
}
