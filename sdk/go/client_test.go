package signlinesdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestWaitForTaskResumable(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := polls.Add(1)
		state := "processing"
		if n >= 5 {
			state = "completed"
		}
		json.NewEncoder(w).Encode(Task{TaskID: "t1", State: state})
	}))
	defer srv.Close()
	c := New(srv.URL)

	// first window runs out of attempts while the task is still running
	_, err := c.WaitForTask(context.Background(), "t1", time.Millisecond, 2)
	if !errors.Is(err, ErrPollTimeout) {
		t.Fatalf("expected ErrPollTimeout, got %v", err)
	}

	// a second call resumes and observes completion
	task, err := c.WaitForTask(context.Background(), "t1", time.Millisecond, 10)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if task.State != "completed" {
		t.Fatalf("expected completed, got %s", task.State)
	}
}

func TestWaitForTaskReturnsFailureWithoutError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errMsg := "pm dispatch: payload dead-lettered"
		kind := "dispatch_dead_lettered"
		json.NewEncoder(w).Encode(Task{TaskID: "t1", State: "failed", Error: &errMsg, ErrorKind: &kind})
	}))
	defer srv.Close()
	c := New(srv.URL)

	task, err := c.WaitForTask(context.Background(), "t1", time.Millisecond, 3)
	if err != nil {
		t.Fatalf("a failed task is a result, not a transport error: %v", err)
	}
	if task.State != "failed" || task.ErrorKind == nil {
		t.Fatalf("unexpected task %+v", task)
	}
}

func TestUpdateProjectStaleTokenCarriesCurrent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-Match") != "fresh" {
			w.WriteHeader(http.StatusPreconditionFailed)
			w.Write([]byte(`{"result":null,"errors":[{"field":"if_match","message":"concurrency token mismatch"}],"current_token":"fresh"}`))
			return
		}
		w.Header().Set("ETag", "rotated")
		w.Write([]byte(`{"result":{"id":"p1","etag":"rotated"},"assumptions":[],"warnings":[],"errors":[],"confidence":1}`))
	}))
	defer srv.Close()
	c := New(srv.URL)

	name := "Renamed"
	_, _, err := c.UpdateProject(context.Background(), "p1", "stale", UpdateProjectRequest{Name: &name})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusPreconditionFailed {
		t.Fatalf("expected 412 APIError, got %v", err)
	}
	if apiErr.CurrentToken != "fresh" {
		t.Fatalf("412 must carry the current token, got %q", apiErr.CurrentToken)
	}

	_, etagOut, err := c.UpdateProject(context.Background(), "p1", apiErr.CurrentToken, UpdateProjectRequest{Name: &name})
	if err != nil {
		t.Fatalf("retry with current token: %v", err)
	}
	if etagOut != "rotated" {
		t.Fatalf("expected rotated token, got %s", etagOut)
	}
}

func TestGetProjectNotModified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == "tok" {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", "tok")
		w.Write([]byte(`{"result":{"id":"p1"},"assumptions":[],"warnings":[],"errors":[],"confidence":1}`))
	}))
	defer srv.Close()
	c := New(srv.URL)

	_, token, notModified, err := c.GetProject(context.Background(), "p1", "")
	if err != nil || notModified {
		t.Fatalf("fresh get: %v %v", err, notModified)
	}
	if token != "tok" {
		t.Fatalf("token %q", token)
	}
	_, _, notModified, err = c.GetProject(context.Background(), "p1", token)
	if err != nil {
		t.Fatalf("conditional get: %v", err)
	}
	if !notModified {
		t.Fatalf("expected 304 short-circuit")
	}
}
