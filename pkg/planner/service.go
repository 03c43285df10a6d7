// Package planner implements the Planner operations exposed by the proxy
// on top of the Graph client. Every operation takes the delegated
// downstream token of the caller.
package planner

import (
	"context"
	"encoding/json"
	"net/url"
	"path"
	"strings"

	"github.com/openshift/planner-proxy/pkg/graph"
)

// DefaultOrderHint places a new bucket before every existing one.
const DefaultOrderHint = " !"

type Service struct {
	graph *graph.Client
}

func NewService(c *graph.Client) *Service {
	return &Service{graph: c}
}

func (s *Service) get(ctx context.Context, token, p string) (json.RawMessage, error) {
	var out json.RawMessage
	if err := s.graph.Get(ctx, token, p, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) post(ctx context.Context, token, p string, body interface{}) (json.RawMessage, error) {
	var out json.RawMessage
	if err := s.graph.Post(ctx, token, p, body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListPlans lists the plans of the signed-in user.
func (s *Service) ListPlans(ctx context.Context, token string) (json.RawMessage, error) {
	return s.get(ctx, token, "/me/planner/plans")
}

// CreatePlan creates a plan owned by a group.
func (s *Service) CreatePlan(ctx context.Context, token string, in *PlanCreate) (json.RawMessage, error) {
	return s.post(ctx, token, "/planner/plans", map[string]string{
		"owner": in.GroupID,
		"title": in.Title,
	})
}

func (s *Service) ListBuckets(ctx context.Context, token, planID string) (json.RawMessage, error) {
	return s.get(ctx, token, "/planner/plans/"+url.PathEscape(planID)+"/buckets")
}

// CreateBucket creates a bucket in planID. Without an order hint the
// bucket is placed first.
func (s *Service) CreateBucket(ctx context.Context, token, planID string, in *BucketCreate) (json.RawMessage, error) {
	orderHint := DefaultOrderHint
	if in.OrderHint != nil && *in.OrderHint != "" {
		orderHint = *in.OrderHint
	}
	return s.post(ctx, token, "/planner/buckets", map[string]string{
		"name":      in.Name,
		"planId":    planID,
		"orderHint": orderHint,
	})
}

func (s *Service) DeleteBucket(ctx context.Context, token, bucketID, etag string) error {
	return s.graph.Delete(ctx, token, "/planner/buckets/"+url.PathEscape(bucketID), etag)
}

func (s *Service) ListTasks(ctx context.Context, token, planID string) (json.RawMessage, error) {
	return s.get(ctx, token, "/planner/plans/"+url.PathEscape(planID)+"/tasks")
}

func (s *Service) CreateTask(ctx context.Context, token, planID string, in *TaskCreate) (json.RawMessage, error) {
	return s.post(ctx, token, "/planner/tasks", map[string]string{
		"planId":   planID,
		"bucketId": in.BucketID,
		"title":    in.Title,
	})
}

func (s *Service) GetTask(ctx context.Context, token, taskID string) (json.RawMessage, error) {
	return s.get(ctx, token, "/planner/tasks/"+url.PathEscape(taskID))
}

// GetTaskETag returns the current concurrency token of a task.
func (s *Service) GetTaskETag(ctx context.Context, token, taskID string) (string, error) {
	resp, err := s.graph.GetRaw(ctx, token, "/planner/tasks/"+url.PathEscape(taskID), nil)
	if err != nil {
		return "", err
	}
	return resp.ETag(), nil
}

// UpdateTask patches the given fields of a task. An empty etag is
// forwarded as is and rejected by the downstream API.
func (s *Service) UpdateTask(ctx context.Context, token, taskID string, in *TaskUpdate, etag string) (*graph.Response, error) {
	return s.graph.Patch(ctx, token, "/planner/tasks/"+url.PathEscape(taskID), in, etag)
}

func (s *Service) DeleteTask(ctx context.Context, token, taskID, etag string) error {
	return s.graph.Delete(ctx, token, "/planner/tasks/"+url.PathEscape(taskID), etag)
}

// ListGroups lists the groups the signed-in user is a member of, the
// candidates for owning a new plan.
func (s *Service) ListGroups(ctx context.Context, token string) (json.RawMessage, error) {
	return s.get(ctx, token, "/me/memberOf/microsoft.graph.group")
}

// Read performs an arbitrary GET relative to the Graph root. p must be an
// absolute path without dot segments; it may carry its own query string.
func (s *Service) Read(ctx context.Context, token, p string) (*graph.Response, error) {
	if err := validateReadPath(p); err != nil {
		return nil, err
	}
	return s.graph.GetRaw(ctx, token, p, nil)
}

func validateReadPath(p string) error {
	if p == "" {
		return &ValidationError{Field: "path", Reason: "is required"}
	}
	if !strings.HasPrefix(p, "/") || strings.HasPrefix(p, "//") {
		return &ValidationError{Field: "path", Reason: "must be an absolute path below the Graph root"}
	}
	pathOnly := p
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		pathOnly = p[:i]
	}
	unescaped, err := url.PathUnescape(pathOnly)
	if err != nil {
		return &ValidationError{Field: "path", Reason: "is not a valid URL path"}
	}
	for _, segment := range strings.Split(unescaped, "/") {
		if segment == ".." || segment == "." {
			return &ValidationError{Field: "path", Reason: "must not contain dot segments"}
		}
	}
	if path.Clean(unescaped) != strings.TrimSuffix(unescaped, "/") && unescaped != "/" {
		return &ValidationError{Field: "path", Reason: "must be a clean path"}
	}
	return nil
}
