package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"virtualfit/pkg/job"
)

func validInput() job.Input {
	return job.Input{
		Subject:     job.Image{Data: []byte("person"), Ext: ".jpg"},
		Reference:   job.Image{Data: []byte("shirt"), Ext: ".png"},
		Description: "white shirt",
	}
}

func TestSubmit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/upload/" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		f, _, err := r.FormFile("user_photo")
		if err != nil {
			t.Errorf("missing user_photo: %v", err)
		} else {
			data, _ := io.ReadAll(f)
			if string(data) != "person" {
				t.Errorf("unexpected user_photo %q", data)
			}
		}
		if r.FormValue("product_image_extension") != ".png" || r.FormValue("product_description") != "white shirt" {
			t.Errorf("unexpected form values: %v", r.MultipartForm.Value)
		}
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"job_id": "job-1", "task_id": "job-1", "status": "pending"})
	}))
	defer srv.Close()

	id, err := New(srv.URL, srv.Client()).Submit(context.Background(), validInput())
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if id != "job-1" {
		t.Fatalf("unexpected job id %q", id)
	}
}

func TestSubmitValidatesLocally(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
	defer srv.Close()

	in := validInput()
	in.Subject.Ext = ".gif"
	_, err := New(srv.URL, srv.Client()).Submit(context.Background(), in)

	var ve job.ValidationError
	if !errors.As(err, &ve) || ve.Field != "user_photo" {
		t.Fatalf("expected validation error for user_photo, got %v", err)
	}
	if called {
		t.Fatal("invalid input reached the server")
	}
}

func TestSubmitErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":"service busy, try again later","job_id":"job-9"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, srv.Client()).Submit(context.Background(), validInput())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusServiceUnavailable || apiErr.JobID != "job-9" {
		t.Fatalf("expected APIError 503, got %v", err)
	}

	srv.Close()
	_, err = New(srv.URL, nil).Submit(context.Background(), validInput())
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError for closed server, got %v", err)
	}
}

func TestStatus(t *testing.T) {
	result := base64.StdEncoding.EncodeToString([]byte("result-png"))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/status/done":
			w.Write([]byte(`{"status":"completed","result":"` + result + `","result_ext":".png"}`))
		case "/status/failed":
			w.Write([]byte(`{"status":"error","error":"remote service timed out"}`))
		case "/status/running":
			w.Write([]byte(`{"status":"processing"}`))
		case "/status/weird":
			w.Write([]byte(`{"status":"sleeping"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"status":"not found"}`))
		}
	}))
	defer srv.Close()
	c := New(srv.URL, srv.Client())
	ctx := context.Background()

	res, err := c.Status(ctx, "done")
	if err != nil || res.Status != job.StatusCompleted || string(res.Result) != "result-png" || res.ResultExt != ".png" {
		t.Fatalf("unexpected completed status: %+v %v", res, err)
	}

	res, err = c.Status(ctx, "failed")
	if err != nil || res.Status != job.StatusError || res.Error != "remote service timed out" {
		t.Fatalf("unexpected error status: %+v %v", res, err)
	}

	res, err = c.Status(ctx, "running")
	if err != nil || res.Status != job.StatusProcessing {
		t.Fatalf("unexpected processing status: %+v %v", res, err)
	}

	if _, err := c.Status(ctx, "missing"); !errors.Is(err, job.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	var te *TransportError
	if _, err := c.Status(ctx, "weird"); !errors.As(err, &te) {
		t.Fatalf("expected TransportError for unknown status, got %v", err)
	}
}

// scriptedStatus replays a fixed sequence of answers and counts queries.
type scriptedStatus struct {
	mu      sync.Mutex
	answers []func() (StatusResult, error)
	calls   int
}

func (s *scriptedStatus) Status(context.Context, string) (StatusResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if i >= len(s.answers) {
		i = len(s.answers) - 1
	}
	return s.answers[i]()
}

func (s *scriptedStatus) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func answer(st job.Status) func() (StatusResult, error) {
	return func() (StatusResult, error) {
		res := StatusResult{Status: st}
		if st == job.StatusCompleted {
			res.Result = []byte("image")
			res.ResultExt = ".png"
		}
		if st == job.StatusError {
			res.Error = "remote service failed: boom"
		}
		return res, nil
	}
}

func failWith(err error) func() (StatusResult, error) {
	return func() (StatusResult, error) { return StatusResult{}, err }
}

func TestPollerExhaustsAfterMaxAttempts(t *testing.T) {
	q := &scriptedStatus{answers: []func() (StatusResult, error){answer(job.StatusProcessing)}}
	p := NewPoller(q, "job-1", PollConfig{MaxAttempts: 2})
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		if out := p.Step(ctx); out.State != StateAwaiting || out.Attempts != i {
			t.Fatalf("step %d: unexpected outcome %+v", i, out)
		}
	}

	out := p.Step(ctx)
	if out.State != StateExhausted {
		t.Fatalf("third poll should be exhausted, got %s", out.State)
	}
	if q.count() != 2 {
		t.Fatalf("exhaustion must not query, got %d queries", q.count())
	}
	if again := p.Step(ctx); again.State != StateExhausted || q.count() != 2 {
		t.Fatal("exhausted state is not sticky")
	}
}

func TestPollerTerminalStatesAreSticky(t *testing.T) {
	cases := []struct {
		name   string
		answer func() (StatusResult, error)
		state  State
		kind   ErrorKind
	}{
		{"completed", answer(job.StatusCompleted), StateCompleted, ""},
		{"remote error", answer(job.StatusError), StateError, KindRemote},
		{"not found", failWith(job.ErrNotFound), StateError, KindNotFound},
		{"transport", failWith(&TransportError{Op: "status", Err: errors.New("connection refused")}), StateError, KindTransport},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			q := &scriptedStatus{answers: []func() (StatusResult, error){answer(job.StatusPending), tc.answer}}
			p := NewPoller(q, "job-1", PollConfig{MaxAttempts: 5})
			ctx := context.Background()

			if out := p.Step(ctx); out.State != StateAwaiting {
				t.Fatalf("first step: %+v", out)
			}
			first := p.Step(ctx)
			if first.State != tc.state || first.Kind != tc.kind || first.Message == "" {
				t.Fatalf("unexpected outcome %+v", first)
			}

			for i := 0; i < 3; i++ {
				again := p.Step(ctx)
				if again.State != first.State || string(again.Result) != string(first.Result) {
					t.Fatalf("repeat %d changed outcome: %+v", i, again)
				}
			}
			if q.count() != 2 {
				t.Fatalf("terminal steps must not query, got %d queries", q.count())
			}
		})
	}
}

func TestPollerMessagesDifferByKind(t *testing.T) {
	msgs := map[string]bool{}
	for _, a := range []func() (StatusResult, error){
		answer(job.StatusError),
		failWith(job.ErrNotFound),
		failWith(&TransportError{Op: "status", Err: errors.New("timeout")}),
	} {
		p := NewPoller(&scriptedStatus{answers: []func() (StatusResult, error){a}}, "job-1", PollConfig{MaxAttempts: 1})
		msgs[p.Step(context.Background()).Message] = true
	}
	if len(msgs) != 3 {
		t.Fatalf("expected three distinct messages, got %v", msgs)
	}
}

func TestPollerRun(t *testing.T) {
	q := &scriptedStatus{answers: []func() (StatusResult, error){
		answer(job.StatusPending),
		answer(job.StatusProcessing),
		answer(job.StatusCompleted),
	}}
	var progress []State
	p := NewPoller(q, "job-1", PollConfig{MaxAttempts: 5, Delay: time.Millisecond},
		WithProgress(func(o Outcome) { progress = append(progress, o.State) }))

	out := p.Run(context.Background())
	if out.State != StateCompleted || string(out.Result) != "image" || out.Attempts != 3 {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if len(progress) != 2 {
		t.Fatalf("expected two progress callbacks, got %v", progress)
	}
}

func TestPollerRunIsBounded(t *testing.T) {
	q := &scriptedStatus{answers: []func() (StatusResult, error){answer(job.StatusProcessing)}}
	p := NewPoller(q, "job-1", PollConfig{MaxAttempts: 3, Delay: time.Millisecond})

	out := p.Run(context.Background())
	if out.State != StateExhausted || q.count() != 3 {
		t.Fatalf("expected exhaustion after 3 queries, got %s after %d", out.State, q.count())
	}
}

func TestPollerRunCancelled(t *testing.T) {
	q := &scriptedStatus{answers: []func() (StatusResult, error){answer(job.StatusProcessing)}}
	p := NewPoller(q, "job-1", PollConfig{MaxAttempts: 5, Delay: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := p.Run(ctx)
	if out.State != StateError || out.Kind != KindTransport || !errors.Is(out.Err, context.Canceled) {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if q.count() != 0 {
		t.Fatalf("cancelled run queried %d times", q.count())
	}
}

func TestPollerAgainstServer(t *testing.T) {
	var mu sync.Mutex
	polls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		polls++
		n := polls
		mu.Unlock()
		if n < 2 {
			w.Write([]byte(`{"status":"processing"}`))
			return
		}
		w.Write([]byte(`{"status":"completed","result":"` + base64.StdEncoding.EncodeToString([]byte("png")) + `"}`))
	}))
	defer srv.Close()

	p := NewPoller(New(srv.URL, srv.Client()), "job-1", PollConfig{MaxAttempts: 5, Delay: time.Millisecond})
	if out := p.Run(context.Background()); out.State != StateCompleted || string(out.Result) != "png" {
		t.Fatalf("unexpected outcome %+v", out)
	}
}
