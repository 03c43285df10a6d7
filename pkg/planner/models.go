package planner

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ValidationError reports a request body that does not satisfy its shape.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) HTTPStatusCode() int {
	return http.StatusUnprocessableEntity
}

// Validator is implemented by every request body.
type Validator interface {
	Validate() error
}

// Decode strictly decodes a JSON body into v and validates it.
func Decode(r io.Reader, v Validator) error {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var (
			typeErr *json.UnmarshalTypeError
			sizeErr *http.MaxBytesError
		)
		switch {
		case errors.As(err, &sizeErr):
			return err
		case errors.As(err, &typeErr):
			return &ValidationError{Field: typeErr.Field, Reason: fmt.Sprintf("must be a %s", typeErr.Type)}
		case errors.Is(err, io.EOF):
			return &ValidationError{Reason: "request body is empty"}
		default:
			return &ValidationError{Reason: fmt.Sprintf("malformed JSON body: %v", err)}
		}
	}
	if dec.More() {
		return &ValidationError{Reason: "request body must contain a single JSON object"}
	}
	return v.Validate()
}

func required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return &ValidationError{Field: field, Reason: "is required"}
	}
	return nil
}

type TaskCreate struct {
	BucketID string `json:"bucketId"`
	Title    string `json:"title"`
}

func (t *TaskCreate) Validate() error {
	if err := required("bucketId", t.BucketID); err != nil {
		return err
	}
	return required("title", t.Title)
}

// TaskUpdate holds the fields to change; nil fields are left untouched.
type TaskUpdate struct {
	Title           *string `json:"title,omitempty"`
	PercentComplete *int    `json:"percentComplete,omitempty"`
	DueDateTime     *string `json:"dueDateTime,omitempty"`
	BucketID        *string `json:"bucketId,omitempty"`
}

func (t *TaskUpdate) Validate() error {
	if t.Title != nil {
		if err := required("title", *t.Title); err != nil {
			return err
		}
	}
	if t.PercentComplete != nil && (*t.PercentComplete < 0 || *t.PercentComplete > 100) {
		return &ValidationError{Field: "percentComplete", Reason: "must be between 0 and 100"}
	}
	if t.DueDateTime != nil {
		if _, err := time.Parse(time.RFC3339, *t.DueDateTime); err != nil {
			return &ValidationError{Field: "dueDateTime", Reason: "must be an RFC 3339 timestamp"}
		}
	}
	if t.BucketID != nil {
		if err := required("bucketId", *t.BucketID); err != nil {
			return err
		}
	}
	return nil
}

type PlanCreate struct {
	GroupID string `json:"groupId"`
	Title   string `json:"title"`
}

func (p *PlanCreate) Validate() error {
	if err := required("groupId", p.GroupID); err != nil {
		return err
	}
	return required("title", p.Title)
}

type BucketCreate struct {
	Name      string  `json:"name"`
	OrderHint *string `json:"orderHint,omitempty"`
}

func (b *BucketCreate) Validate() error {
	return required("name", b.Name)
}
