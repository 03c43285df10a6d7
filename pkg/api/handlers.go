package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/go-kit/log/level"

	"github.com/openshift/planner-proxy/pkg/authorize"
	"github.com/openshift/planner-proxy/pkg/graph"
	"github.com/openshift/planner-proxy/pkg/oauth2"
	"github.com/openshift/planner-proxy/pkg/planner"
	"github.com/openshift/planner-proxy/pkg/session"
)

func (a *API) login(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, a.cfg.Exchanger.AuthCodeURL(session.NewCorrelationToken()), http.StatusFound)
}

func (a *API) callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		writeJSON(w, a.logger, http.StatusBadRequest, map[string]string{
			"auth_error":  e,
			"description": q.Get("error_description"),
		})
		return
	}
	code := q.Get("code")
	if code == "" {
		writeJSON(w, a.logger, http.StatusBadRequest, map[string]string{"error": "missing_code"})
		return
	}
	state := q.Get("state")
	if state == "" {
		writeJSON(w, a.logger, http.StatusBadRequest, map[string]string{"error": "missing_state"})
		return
	}

	g, err := a.cfg.Exchanger.ExchangeCode(r.Context(), code, a.cfg.Exchanger.ResourceScopes(), a.cfg.RedirectURL)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	if err := a.cfg.Sessions.Put(r.Context(), state, &session.Entry{
		Subject:      g.Subject,
		AccessToken:  g.AccessToken,
		RefreshToken: g.RefreshToken,
		Expiry:       g.Expiry,
		CreatedAt:    a.now(),
	}); err != nil {
		a.writeError(w, r, err)
		return
	}

	level.Info(a.logger).Log("msg", "signed in", "oid", g.Subject)
	writeJSON(w, a.logger, http.StatusOK, map[string]interface{}{
		"signed_in": true,
		"state":     state,
		"oid":       g.Subject,
	})
}

func (a *API) logout(w http.ResponseWriter, r *http.Request) {
	if err := a.cfg.Sessions.Delete(r.Context(), r.URL.Query().Get("state")); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, a.logger, http.StatusOK, map[string]bool{"signed_out": true})
}

// credential returns the downstream access token for r. A correlation
// token takes precedence over an inbound bearer token.
func (a *API) credential(ctx context.Context, r *http.Request) (string, error) {
	if state := r.URL.Query().Get("state"); state != "" {
		return a.sessionCredential(ctx, state)
	}

	if cred, ok := authorize.FromContext(ctx); ok {
		g, err := a.cfg.Exchanger.OnBehalfOf(ctx, cred.Raw, a.cfg.Exchanger.ResourceScopes())
		if err != nil {
			return "", err
		}
		return g.AccessToken, nil
	}

	return "", &session.NotSignedInError{}
}

func (a *API) sessionCredential(ctx context.Context, state string) (string, error) {
	e, err := a.cfg.Sessions.Get(ctx, state)
	if err != nil {
		return "", err
	}
	if e.RefreshToken == "" {
		return e.AccessToken, nil
	}

	g, renewed, err := a.cfg.Exchanger.Renew(ctx, &oauth2.Grant{
		AccessToken:  e.AccessToken,
		RefreshToken: e.RefreshToken,
		Expiry:       e.Expiry,
		Subject:      e.Subject,
	}, a.now())
	if err != nil {
		return "", err
	}
	if renewed {
		level.Debug(a.logger).Log("msg", "session renewed", "oid", g.Subject)
		if err := a.cfg.Sessions.Put(ctx, state, &session.Entry{
			Subject:      g.Subject,
			AccessToken:  g.AccessToken,
			RefreshToken: g.RefreshToken,
			Expiry:       g.Expiry,
			CreatedAt:    e.CreatedAt,
		}); err != nil {
			return "", err
		}
	}
	return g.AccessToken, nil
}

func etag(r *http.Request) string {
	if v := r.Header.Get("If-Match"); v != "" {
		return v
	}
	return r.URL.Query().Get("etag")
}

// do resolves the caller's credential and runs fn with it, writing the
// returned payload or error.
func (a *API) do(w http.ResponseWriter, r *http.Request, status int, fn func(ctx context.Context, token string) (json.RawMessage, error)) {
	token, err := a.credential(r.Context(), r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	out, err := fn(r.Context(), token)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeRaw(w, a.logger, status, out)
}

func (a *API) listPlans(w http.ResponseWriter, r *http.Request) {
	a.do(w, r, http.StatusOK, a.cfg.Planner.ListPlans)
}

func (a *API) createPlan(w http.ResponseWriter, r *http.Request) {
	var in planner.PlanCreate
	if err := planner.Decode(r.Body, &in); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.do(w, r, http.StatusCreated, func(ctx context.Context, token string) (json.RawMessage, error) {
		return a.cfg.Planner.CreatePlan(ctx, token, &in)
	})
}

func (a *API) listBuckets(w http.ResponseWriter, r *http.Request) {
	planID := chi.URLParam(r, "planID")
	a.do(w, r, http.StatusOK, func(ctx context.Context, token string) (json.RawMessage, error) {
		return a.cfg.Planner.ListBuckets(ctx, token, planID)
	})
}

func (a *API) createBucket(w http.ResponseWriter, r *http.Request) {
	var in planner.BucketCreate
	if err := planner.Decode(r.Body, &in); err != nil {
		a.writeError(w, r, err)
		return
	}
	planID := chi.URLParam(r, "planID")
	a.do(w, r, http.StatusCreated, func(ctx context.Context, token string) (json.RawMessage, error) {
		return a.cfg.Planner.CreateBucket(ctx, token, planID, &in)
	})
}

func (a *API) deleteBucket(w http.ResponseWriter, r *http.Request) {
	bucketID := chi.URLParam(r, "bucketID")
	a.do(w, r, http.StatusNoContent, func(ctx context.Context, token string) (json.RawMessage, error) {
		return nil, a.cfg.Planner.DeleteBucket(ctx, token, bucketID, etag(r))
	})
}

func (a *API) listTasks(w http.ResponseWriter, r *http.Request) {
	planID := chi.URLParam(r, "planID")
	a.do(w, r, http.StatusOK, func(ctx context.Context, token string) (json.RawMessage, error) {
		return a.cfg.Planner.ListTasks(ctx, token, planID)
	})
}

func (a *API) createTask(w http.ResponseWriter, r *http.Request) {
	var in planner.TaskCreate
	if err := planner.Decode(r.Body, &in); err != nil {
		a.writeError(w, r, err)
		return
	}
	planID := chi.URLParam(r, "planID")
	a.do(w, r, http.StatusCreated, func(ctx context.Context, token string) (json.RawMessage, error) {
		return a.cfg.Planner.CreateTask(ctx, token, planID, &in)
	})
}

func (a *API) getTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	a.do(w, r, http.StatusOK, func(ctx context.Context, token string) (json.RawMessage, error) {
		return a.cfg.Planner.GetTask(ctx, token, taskID)
	})
}

func (a *API) getTaskETag(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	a.do(w, r, http.StatusOK, func(ctx context.Context, token string) (json.RawMessage, error) {
		tag, err := a.cfg.Planner.GetTaskETag(ctx, token, taskID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]string{"etag": tag})
	})
}

func (a *API) updateTask(w http.ResponseWriter, r *http.Request) {
	var in planner.TaskUpdate
	if err := planner.Decode(r.Body, &in); err != nil {
		a.writeError(w, r, err)
		return
	}
	taskID := chi.URLParam(r, "taskID")
	a.do(w, r, http.StatusOK, func(ctx context.Context, token string) (json.RawMessage, error) {
		resp, err := a.cfg.Planner.UpdateTask(ctx, token, taskID, &in, etag(r))
		if err != nil {
			return nil, err
		}
		return resp.Body, nil
	})
}

func (a *API) deleteTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	a.do(w, r, http.StatusNoContent, func(ctx context.Context, token string) (json.RawMessage, error) {
		return nil, a.cfg.Planner.DeleteTask(ctx, token, taskID, etag(r))
	})
}

func (a *API) listGroups(w http.ResponseWriter, r *http.Request) {
	a.do(w, r, http.StatusOK, a.cfg.Planner.ListGroups)
}

func (a *API) read(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Query().Get("path")
	a.do(w, r, http.StatusOK, func(ctx context.Context, token string) (json.RawMessage, error) {
		resp, err := a.cfg.Planner.Read(ctx, token, p)
		if err != nil {
			return nil, err
		}
		return resp.Body, nil
	})
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		uerr  *authorize.UnauthenticatedError
		nerr  *session.NotSignedInError
		xerr  *oauth2.ExchangeFailedError
		derr  *graph.DownstreamError
		verr  *planner.ValidationError
		mberr *http.MaxBytesError
		coded authorize.ErrorWithCode
	)

	switch {
	case errors.As(err, &uerr):
		writeJSON(w, a.logger, uerr.HTTPStatusCode(), map[string]string{"error": "unauthenticated", "detail": uerr.Reason})
	case errors.As(err, &nerr):
		writeJSON(w, a.logger, nerr.HTTPStatusCode(), map[string]string{"error": nerr.Error()})
	case errors.As(err, &xerr):
		writeJSON(w, a.logger, xerr.HTTPStatusCode(), map[string]interface{}{
			"error":       "exchange_failed",
			"grant":       xerr.Grant,
			"status":      xerr.StatusCode,
			"code":        xerr.Code,
			"description": xerr.Description,
		})
	case errors.As(err, &derr):
		if json.Valid(derr.Body) {
			w.Header().Set("Content-Type", "application/json")
		} else {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		}
		w.WriteHeader(derr.HTTPStatusCode())
		if _, werr := w.Write(derr.Body); werr != nil {
			level.Error(a.logger).Log("msg", "writing response failed", "err", werr)
		}
	case errors.As(err, &verr):
		writeJSON(w, a.logger, verr.HTTPStatusCode(), map[string]string{"error": "validation_failed", "field": verr.Field, "reason": verr.Reason})
	case errors.As(err, &mberr):
		writeJSON(w, a.logger, http.StatusRequestEntityTooLarge, map[string]string{"error": "request body too large"})
	case errors.As(err, &coded):
		writeJSON(w, a.logger, coded.HTTPStatusCode(), map[string]string{"error": coded.Error()})
	default:
		level.Error(a.logger).Log("msg", "request failed", "path", r.URL.Path, "err", err)
		writeJSON(w, a.logger, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}
