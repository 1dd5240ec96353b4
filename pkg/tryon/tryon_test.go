package tryon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"virtualfit/pkg/job"
)

type fakeSpace struct {
	mu       sync.Mutex
	uploads  int
	callBody map[string]any
	auth     []string

	events string // raw SSE body for the stream endpoint
	result []byte
}

func (f *fakeSpace) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.auth = append(f.auth, r.Header.Get("Authorization"))
		f.mu.Unlock()

		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/upload":
			if err := r.ParseMultipartForm(1 << 20); err != nil {
				t.Errorf("upload is not multipart: %v", err)
			}
			f.mu.Lock()
			f.uploads++
			n := f.uploads
			f.mu.Unlock()
			fmt.Fprintf(w, `["/tmp/gradio/upload-%d.png"]`, n)
		case r.Method == http.MethodPost && r.URL.Path == "/call/tryon":
			var body map[string]any
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Errorf("call body is not json: %v", err)
			}
			f.mu.Lock()
			f.callBody = body
			f.mu.Unlock()
			fmt.Fprint(w, `{"event_id":"evt-1"}`)
		case r.Method == http.MethodGet && r.URL.Path == "/call/tryon/evt-1":
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, f.events)
		case strings.HasPrefix(r.URL.Path, "/file="):
			w.Header().Set("Content-Type", "image/png")
			w.Write(f.result)
		default:
			http.NotFound(w, r)
		}
	})
}

func newTestClient(t *testing.T, srv *httptest.Server) *GradioClient {
	t.Helper()
	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.Token = "hf_secret"
	c, err := NewGradioClient(cfg, srv.Client())
	if err != nil {
		t.Fatalf("NewGradioClient returned error: %v", err)
	}
	return c
}

func testRequest() Request {
	return Request{
		Subject:     job.Image{Data: []byte("person"), Ext: ".jpg"},
		Reference:   job.Image{Data: []byte("shirt"), Ext: ".png"},
		Description: "blue denim jacket",
	}
}

func TestTransformSuccess(t *testing.T) {
	space := &fakeSpace{result: []byte("result-image")}
	srv := httptest.NewServer(space.handler(t))
	defer srv.Close()

	space.events = "event: generating\ndata: null\n\n" +
		"event: heartbeat\ndata: null\n\n" +
		fmt.Sprintf("event: complete\ndata: [{\"path\":\"/tmp/gradio/out.png\",\"url\":\"%s/file=/tmp/gradio/out.png\"}, null]\n\n", srv.URL)

	out, err := newTestClient(t, srv).Transform(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Transform returned error: %v", err)
	}
	if string(out.Data) != "result-image" {
		t.Fatalf("unexpected output: %q", out.Data)
	}
	if out.Ext != ".png" {
		t.Fatalf("unexpected ext: %s", out.Ext)
	}

	space.mu.Lock()
	defer space.mu.Unlock()
	if space.uploads != 2 {
		t.Fatalf("expected 2 uploads, got %d", space.uploads)
	}
	data, ok := space.callBody["data"].([]any)
	if !ok || len(data) != 7 {
		t.Fatalf("unexpected call data: %v", space.callBody)
	}
	if data[2] != "blue denim jacket" || data[3] != true || data[4] != false {
		t.Fatalf("unexpected call arguments: %v", data)
	}
	if data[5] != float64(30) || data[6] != float64(42) {
		t.Fatalf("unexpected denoise steps or seed: %v %v", data[5], data[6])
	}
	editor, _ := data[0].(map[string]any)
	bg, _ := editor["background"].(map[string]any)
	if bg["path"] != "/tmp/gradio/upload-1.png" {
		t.Fatalf("subject not passed as editor background: %v", data[0])
	}
	for _, a := range space.auth {
		if a != "Bearer hf_secret" {
			t.Fatalf("missing bearer token, got %q", a)
		}
	}
}

func TestTransformDownloadsByPath(t *testing.T) {
	space := &fakeSpace{result: []byte("jpeg-bytes")}
	srv := httptest.NewServer(space.handler(t))
	defer srv.Close()

	space.events = "event: complete\ndata: [{\"path\":\"/tmp/gradio/out.jpg\"}]\n\n"

	out, err := newTestClient(t, srv).Transform(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Transform returned error: %v", err)
	}
	if out.Ext != ".jpg" || string(out.Data) != "jpeg-bytes" {
		t.Fatalf("unexpected output: %s %q", out.Ext, out.Data)
	}
}

func TestTransformRemoteErrorEvent(t *testing.T) {
	space := &fakeSpace{}
	srv := httptest.NewServer(space.handler(t))
	defer srv.Close()

	space.events = "event: error\ndata: \"GPU quota exceeded\"\n\n"

	_, err := newTestClient(t, srv).Transform(context.Background(), testRequest())
	var re *RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("expected RemoteError, got %v", err)
	}
	if !strings.Contains(re.Message, "GPU quota exceeded") {
		t.Fatalf("unexpected message: %q", re.Message)
	}
	if IsTransport(err) {
		t.Fatal("remote failure classified as transport")
	}
}

func TestTransformStreamWithoutResult(t *testing.T) {
	space := &fakeSpace{}
	srv := httptest.NewServer(space.handler(t))
	defer srv.Close()

	space.events = "event: generating\ndata: null\n\n"

	_, err := newTestClient(t, srv).Transform(context.Background(), testRequest())
	var re *RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("expected RemoteError, got %v", err)
	}
}

func TestTransformNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "space is sleeping", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).Transform(context.Background(), testRequest())
	var re *RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("expected RemoteError, got %v", err)
	}
	if re.StatusCode != http.StatusServiceUnavailable || re.Op != "upload" {
		t.Fatalf("unexpected remote error: %+v", re)
	}
}

func TestTransformUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	c := newTestClient(t, srv)
	srv.Close()

	_, err := c.Transform(context.Background(), testRequest())
	if !IsTransport(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestTransformTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.Timeout = 50 * time.Millisecond
	c, _ := NewGradioClient(cfg, srv.Client())

	_, err := c.Transform(context.Background(), testRequest())
	if !IsTransport(err) {
		t.Fatalf("expected transport error on timeout, got %v", err)
	}
}

func TestNewGradioClientRequiresBaseURL(t *testing.T) {
	if _, err := NewGradioClient(Config{}, nil); err == nil {
		t.Fatal("expected error for empty base url")
	}
}

func TestOutputExtFallsBackToContentType(t *testing.T) {
	ext := outputExt(fileData{Path: "/tmp/gradio/image"}, "image/jpeg")
	if ext != ".jpg" {
		t.Fatalf("unexpected ext: %s", ext)
	}
}
