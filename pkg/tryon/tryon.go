package tryon

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"virtualfit/pkg/job"
)

// Request is one call to the remote try-on model
type Request struct {
	Subject     job.Image
	Reference   job.Image
	Description string
}

// Output is the image produced by the model
type Output struct {
	Data []byte
	Ext  string
}

// Transformer is the remote visual-transformation capability.
type Transformer interface {
	Transform(ctx context.Context, req Request) (Output, error)
}

// TransportError means the capability could not be reached or the exchange broke off.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("try-on %s: transport error: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RemoteError means the capability answered but signalled a failure.
type RemoteError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *RemoteError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("try-on %s: remote returned %d: %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("try-on %s: remote failure: %s", e.Op, e.Message)
}

// Params are the fixed algorithmic knobs sent with every call.
type Params struct {
	AutoMask     bool
	AutoCrop     bool
	DenoiseSteps int
	Seed         int
}

// DefaultParams mirrors the settings the try-on Space is normally driven with
func DefaultParams() Params {
	return Params{
		AutoMask:     true,
		AutoCrop:     false,
		DenoiseSteps: 30,
		Seed:         42,
	}
}

// Config holds configuration for the Gradio client
type Config struct {
	BaseURL string        // Space root, e.g. https://owner-space.hf.space
	Token   string        // Hugging Face token, sent as a bearer token
	APIName string        // endpoint name without the leading slash
	Timeout time.Duration // upper bound for one whole call
	Params  Params
}

// DefaultConfig returns a configuration with the usual endpoint and parameters
func DefaultConfig() Config {
	return Config{
		APIName: "tryon",
		Timeout: 120 * time.Second,
		Params:  DefaultParams(),
	}
}

// GradioClient drives a Gradio app through its HTTP "call" API:
// upload both images, start the prediction, follow the event stream,
// and download the produced file.
type GradioClient struct {
	cfg  Config
	http *http.Client
}

// NewGradioClient creates a client; httpClient may be nil.
func NewGradioClient(cfg Config, httpClient *http.Client) (*GradioClient, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("try-on base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid try-on base url: %w", err)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.APIName == "" {
		cfg.APIName = "tryon"
	}
	cfg.APIName = strings.TrimPrefix(cfg.APIName, "/")
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &GradioClient{cfg: cfg, http: httpClient}, nil
}

type fileData struct {
	Path string         `json:"path"`
	URL  string         `json:"url,omitempty"`
	Meta map[string]any `json:"meta,omitempty"`
}

// Transform runs one try-on prediction.
func (c *GradioClient) Transform(ctx context.Context, req Request) (Output, error) {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	subjectPath, err := c.upload(ctx, "subject"+job.NormalizeExt(req.Subject.Ext), req.Subject.Data)
	if err != nil {
		return Output{}, err
	}
	referencePath, err := c.upload(ctx, "reference"+job.NormalizeExt(req.Reference.Ext), req.Reference.Data)
	if err != nil {
		return Output{}, err
	}

	p := c.cfg.Params
	data := []any{
		map[string]any{
			"background": gradioFile(subjectPath),
			"layers":     []any{},
			"composite":  nil,
		},
		gradioFile(referencePath),
		req.Description,
		p.AutoMask,
		p.AutoCrop,
		p.DenoiseSteps,
		p.Seed,
	}

	eventID, err := c.start(ctx, data)
	if err != nil {
		return Output{}, err
	}

	result, err := c.await(ctx, eventID)
	if err != nil {
		return Output{}, err
	}

	return c.download(ctx, result)
}

func gradioFile(p string) fileData {
	return fileData{Path: p, Meta: map[string]any{"_type": "gradio.FileData"}}
}

func (c *GradioClient) newRequest(ctx context.Context, method, u string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	return req, nil
}

func (c *GradioClient) do(op string, req *http.Request) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &RemoteError{Op: op, StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	return resp, nil
}

func (c *GradioClient) upload(ctx context.Context, name string, data []byte) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("files", name)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := c.newRequest(ctx, http.MethodPost, c.cfg.BaseURL+"/upload", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.do("upload", req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var paths []string
	if err := json.NewDecoder(resp.Body).Decode(&paths); err != nil {
		return "", &RemoteError{Op: "upload", Message: fmt.Sprintf("malformed upload response: %v", err)}
	}
	if len(paths) == 0 || paths[0] == "" {
		return "", &RemoteError{Op: "upload", Message: "upload returned no file path"}
	}
	return paths[0], nil
}

func (c *GradioClient) start(ctx context.Context, data []any) (string, error) {
	body, err := json.Marshal(map[string]any{"data": data})
	if err != nil {
		return "", err
	}

	req, err := c.newRequest(ctx, http.MethodPost, c.cfg.BaseURL+"/call/"+c.cfg.APIName, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do("call", req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out struct {
		EventID string `json:"event_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || out.EventID == "" {
		return "", &RemoteError{Op: "call", Message: "response carries no event id"}
	}
	return out.EventID, nil
}

// await follows the server-sent event stream of a prediction until it
// completes or fails.
func (c *GradioClient) await(ctx context.Context, eventID string) (fileData, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.cfg.BaseURL+"/call/"+c.cfg.APIName+"/"+eventID, nil)
	if err != nil {
		return fileData{}, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.do("stream", req)
	if err != nil {
		return fileData{}, err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)

	var event string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			switch event {
			case "complete":
				return parseComplete(payload)
			case "error":
				msg := payload
				if msg == "" || msg == "null" {
					msg = "prediction failed"
				}
				return fileData{}, &RemoteError{Op: "stream", Message: msg}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fileData{}, &TransportError{Op: "stream", Err: err}
	}
	if ctx.Err() != nil {
		return fileData{}, &TransportError{Op: "stream", Err: ctx.Err()}
	}
	return fileData{}, &RemoteError{Op: "stream", Message: "event stream ended without a result"}
}

func parseComplete(payload string) (fileData, error) {
	var out []json.RawMessage
	if err := json.Unmarshal([]byte(payload), &out); err != nil || len(out) == 0 {
		return fileData{}, &RemoteError{Op: "stream", Message: "malformed completion payload"}
	}

	var f fileData
	if err := json.Unmarshal(out[0], &f); err != nil {
		var p string
		if err := json.Unmarshal(out[0], &p); err != nil {
			return fileData{}, &RemoteError{Op: "stream", Message: "completion payload carries no file"}
		}
		f.Path = p
	}
	if f.Path == "" && f.URL == "" {
		return fileData{}, &RemoteError{Op: "stream", Message: "completion payload carries no file"}
	}
	return f, nil
}

func (c *GradioClient) download(ctx context.Context, f fileData) (Output, error) {
	u := f.URL
	if u == "" {
		u = c.cfg.BaseURL + "/file=" + f.Path
	}

	req, err := c.newRequest(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Output{}, err
	}
	resp, err := c.do("download", req)
	if err != nil {
		return Output{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Output{}, &TransportError{Op: "download", Err: err}
	}
	if len(data) == 0 {
		return Output{}, &RemoteError{Op: "download", Message: "empty result file"}
	}

	return Output{Data: data, Ext: outputExt(f, resp.Header.Get("Content-Type"))}, nil
}

func outputExt(f fileData, contentType string) string {
	for _, p := range []string{f.Path, f.URL} {
		if p == "" {
			continue
		}
		if parsed, err := url.Parse(p); err == nil && parsed.Path != "" {
			p = parsed.Path
		}
		if ext := job.ExtFromPath(path.Base(p)); ext != "" {
			return ext
		}
	}
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		switch mt {
		case "image/png":
			return ".png"
		case "image/jpeg":
			return ".jpg"
		}
		if exts, _ := mime.ExtensionsByType(mt); len(exts) > 0 {
			return exts[0]
		}
	}
	return ".png"
}

// IsTransport reports whether err is a transport-level failure
func IsTransport(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}
