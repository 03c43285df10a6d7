// Package mock serves an in-memory subset of the Microsoft Graph Planner
// API for tests and local development.
package mock

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi"
	"github.com/google/uuid"
)

type Plan struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Owner string `json:"owner"`
	ETag  string `json:"@odata.etag"`
}

type Bucket struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	PlanID    string `json:"planId"`
	OrderHint string `json:"orderHint"`
	ETag      string `json:"@odata.etag"`
}

type Task struct {
	ID              string     `json:"id"`
	PlanID          string     `json:"planId"`
	BucketID        string     `json:"bucketId"`
	Title           string     `json:"title"`
	PercentComplete int        `json:"percentComplete"`
	DueDateTime     *time.Time `json:"dueDateTime,omitempty"`
	ETag            string     `json:"@odata.etag"`
}

type Group struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// Request is a request observed by the fake.
type Request struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte
}

// Planner is a fake Planner API. Every request needs a bearer token
// accepted by Authorize; mutations of buckets and tasks need an If-Match
// header (409 when missing) matching the current ETag (412 when stale).
type Planner struct {
	// Authorize accepts or rejects bearer tokens. All non-empty tokens are
	// accepted when nil.
	Authorize func(token string) bool

	mu       sync.Mutex
	plans    map[string]*Plan
	buckets  map[string]*Bucket
	tasks    map[string]*Task
	groups   []Group
	versions map[string]int
	requests []Request
}

func NewPlanner() *Planner {
	return &Planner{
		plans:    make(map[string]*Plan),
		buckets:  make(map[string]*Bucket),
		tasks:    make(map[string]*Task),
		versions: make(map[string]int),
	}
}

// AddGroup adds a group the caller is a member of.
func (p *Planner) AddGroup(g Group) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.groups = append(p.groups, g)
}

// AddPlan stores plan and returns it with its ETag.
func (p *Planner) AddPlan(plan Plan) Plan {
	p.mu.Lock()
	defer p.mu.Unlock()
	if plan.ID == "" {
		plan.ID = uuid.NewString()
	}
	if plan.ETag == "" {
		plan.ETag = p.bump(plan.ID)
	}
	p.plans[plan.ID] = &plan
	return plan
}

// AddBucket stores bucket and returns it with its ETag.
func (p *Planner) AddBucket(b Bucket) Bucket {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.ETag == "" {
		b.ETag = p.bump(b.ID)
	}
	p.buckets[b.ID] = &b
	return b
}

// AddTask stores task and returns it with its ETag.
func (p *Planner) AddTask(t Task) Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.ETag == "" {
		t.ETag = p.bump(t.ID)
	}
	p.tasks[t.ID] = &t
	return t
}

// Task returns the stored task.
func (p *Planner) Task(id string) (Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// Requests returns every request served so far.
func (p *Planner) Requests() []Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Request(nil), p.requests...)
}

// bump must be called with mu held.
func (p *Planner) bump(id string) string {
	p.versions[id]++
	v := base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("%s@%d", id, p.versions[id])))
	return fmt.Sprintf("W/\"%s\"", v)
}

// Handler returns the fake API. Mount it at the Graph version root.
func (p *Planner) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(p.record, p.authenticate)

	r.Get("/me/planner/plans", p.listPlans)
	r.Post("/planner/plans", p.createPlan)
	r.Get("/planner/plans/{planID}/buckets", p.listBuckets)
	r.Post("/planner/buckets", p.createBucket)
	r.Get("/planner/buckets/{bucketID}", p.getBucket)
	r.Delete("/planner/buckets/{bucketID}", p.deleteBucket)
	r.Get("/planner/plans/{planID}/tasks", p.listTasks)
	r.Post("/planner/tasks", p.createTask)
	r.Get("/planner/tasks/{taskID}", p.getTask)
	r.Patch("/planner/tasks/{taskID}", p.updateTask)
	r.Delete("/planner/tasks/{taskID}", p.deleteTask)
	r.Get("/me/memberOf/microsoft.graph.group", p.listGroups)
	r.Get("/me", p.me)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "ResourceNotFound", "Resource not found for the segment.")
	})
	return r
}

func (p *Planner) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body []byte
		if r.Body != nil {
			body, _ = readAll(r)
		}
		p.mu.Lock()
		p.requests = append(p.requests, Request{
			Method: r.Method,
			Path:   r.URL.Path,
			Header: r.Header.Clone(),
			Body:   body,
		})
		p.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (p *Planner) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
			writeError(w, http.StatusUnauthorized, "InvalidAuthenticationToken", "Access token is empty.")
			return
		}
		if p.Authorize != nil && !p.Authorize(parts[1]) {
			writeError(w, http.StatusUnauthorized, "InvalidAuthenticationToken", "Access token validation failure.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// checkETag must be called with mu held.
func (p *Planner) checkETag(w http.ResponseWriter, r *http.Request, current string) bool {
	ifMatch := r.Header.Get("If-Match")
	if ifMatch == "" {
		writeError(w, http.StatusConflict, "Conflict", "The If-Match header must be specified for this kind of request.")
		return false
	}
	if ifMatch != current && ifMatch != "*" {
		writeError(w, http.StatusPreconditionFailed, "PreconditionFailed", "The request is not valid for the current state of the resource.")
		return false
	}
	return true
}

func (p *Planner) listPlans(w http.ResponseWriter, _ *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	plans := make([]Plan, 0, len(p.plans))
	for _, plan := range p.plans {
		plans = append(plans, *plan)
	}
	writeList(w, plans)
}

func (p *Planner) createPlan(w http.ResponseWriter, r *http.Request) {
	var in Plan
	if !decode(w, r, &in) {
		return
	}
	if in.Owner == "" || in.Title == "" {
		writeError(w, http.StatusBadRequest, "BadRequest", "owner and title are required.")
		return
	}
	in.ID, in.ETag = "", ""
	writeJSON(w, http.StatusCreated, p.AddPlan(in))
}

func (p *Planner) listBuckets(w http.ResponseWriter, r *http.Request) {
	planID := chi.URLParam(r, "planID")
	p.mu.Lock()
	defer p.mu.Unlock()
	buckets := []Bucket{}
	for _, b := range p.buckets {
		if b.PlanID == planID {
			buckets = append(buckets, *b)
		}
	}
	writeList(w, buckets)
}

func (p *Planner) createBucket(w http.ResponseWriter, r *http.Request) {
	var in Bucket
	if !decode(w, r, &in) {
		return
	}
	if in.Name == "" || in.PlanID == "" {
		writeError(w, http.StatusBadRequest, "BadRequest", "name and planId are required.")
		return
	}
	in.ID, in.ETag = "", ""
	writeJSON(w, http.StatusCreated, p.AddBucket(in))
}

func (p *Planner) getBucket(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.buckets[chi.URLParam(r, "bucketID")]
	if !ok {
		writeError(w, http.StatusNotFound, "NotFound", "The requested item is not found.")
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (p *Planner) deleteBucket(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := chi.URLParam(r, "bucketID")
	b, ok := p.buckets[id]
	if !ok {
		writeError(w, http.StatusNotFound, "NotFound", "The requested item is not found.")
		return
	}
	if !p.checkETag(w, r, b.ETag) {
		return
	}
	delete(p.buckets, id)
	w.WriteHeader(http.StatusNoContent)
}

func (p *Planner) listTasks(w http.ResponseWriter, r *http.Request) {
	planID := chi.URLParam(r, "planID")
	p.mu.Lock()
	defer p.mu.Unlock()
	tasks := []Task{}
	for _, t := range p.tasks {
		if t.PlanID == planID {
			tasks = append(tasks, *t)
		}
	}
	writeList(w, tasks)
}

func (p *Planner) createTask(w http.ResponseWriter, r *http.Request) {
	var in Task
	if !decode(w, r, &in) {
		return
	}
	if in.PlanID == "" || in.Title == "" {
		writeError(w, http.StatusBadRequest, "BadRequest", "planId and title are required.")
		return
	}
	in.ID, in.ETag = "", ""
	writeJSON(w, http.StatusCreated, p.AddTask(in))
}

func (p *Planner) getTask(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tasks[chi.URLParam(r, "taskID")]
	if !ok {
		writeError(w, http.StatusNotFound, "NotFound", "The requested item is not found.")
		return
	}
	w.Header().Set("ETag", t.ETag)
	writeJSON(w, http.StatusOK, t)
}

func (p *Planner) updateTask(w http.ResponseWriter, r *http.Request) {
	var patch struct {
		Title           *string    `json:"title"`
		PercentComplete *int       `json:"percentComplete"`
		DueDateTime     *time.Time `json:"dueDateTime"`
		BucketID        *string    `json:"bucketId"`
	}
	if !decode(w, r, &patch) {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tasks[chi.URLParam(r, "taskID")]
	if !ok {
		writeError(w, http.StatusNotFound, "NotFound", "The requested item is not found.")
		return
	}
	if !p.checkETag(w, r, t.ETag) {
		return
	}
	if patch.Title != nil {
		t.Title = *patch.Title
	}
	if patch.PercentComplete != nil {
		t.PercentComplete = *patch.PercentComplete
	}
	if patch.DueDateTime != nil {
		t.DueDateTime = patch.DueDateTime
	}
	if patch.BucketID != nil {
		t.BucketID = *patch.BucketID
	}
	t.ETag = p.bump(t.ID)
	w.WriteHeader(http.StatusNoContent)
}

func (p *Planner) deleteTask(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := chi.URLParam(r, "taskID")
	t, ok := p.tasks[id]
	if !ok {
		writeError(w, http.StatusNotFound, "NotFound", "The requested item is not found.")
		return
	}
	if !p.checkETag(w, r, t.ETag) {
		return
	}
	delete(p.tasks, id)
	w.WriteHeader(http.StatusNoContent)
}

func (p *Planner) listGroups(w http.ResponseWriter, _ *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	writeList(w, append([]Group{}, p.groups...))
}

func (p *Planner) me(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"id": "me", "displayName": "Planner Mock User"})
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	body, err := readAll(r)
	if err == nil {
		err = json.Unmarshal(body, v)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "BadRequest", "Invalid request body.")
		return false
	}
	return true
}

func writeList(w http.ResponseWriter, items interface{}) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"value": items})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{"code": code, "message": message},
	})
}
