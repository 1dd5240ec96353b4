package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"virtualfit/pkg/job"
)

// TransportError means the API server could not be reached or did not answer
// in a usable way.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// APIError is a non-success answer from the API server.
type APIError struct {
	StatusCode int
	Message    string
	JobID      string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("api returned status %d: %s", e.StatusCode, e.Message)
}

// StatusResult is the decoded answer of GET /status/{job_id}.
type StatusResult struct {
	Status    job.Status
	Result    []byte
	ResultExt string
	Error     string
}

// Client talks to the submission and polling API.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates an API client; httpClient may be nil.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

type errorBody struct {
	Error string `json:"error"`
	Field string `json:"field"`
	JobID string `json:"job_id"`
}

// Submit uploads both images and the description and returns the job id.
// Inputs are validated locally first so a bad file never leaves the machine.
func (c *Client) Submit(ctx context.Context, in job.Input) (string, error) {
	if err := in.Validate(); err != nil {
		return "", err
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := writeImage(mw, "user_photo", in.Subject); err != nil {
		return "", err
	}
	if err := writeImage(mw, "product_image", in.Reference); err != nil {
		return "", err
	}
	if err := mw.WriteField("product_description", in.Description); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload/", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &TransportError{Op: "submit", Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &TransportError{Op: "submit", Err: err}
	}

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		var eb errorBody
		_ = json.Unmarshal(data, &eb)
		if resp.StatusCode == http.StatusBadRequest && eb.Field != "" {
			return "", job.ValidationError{Field: eb.Field, Message: eb.Error}
		}
		return "", &APIError{StatusCode: resp.StatusCode, Message: eb.Error, JobID: eb.JobID}
	}

	var accepted struct {
		JobID  string `json:"job_id"`
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(data, &accepted); err != nil {
		return "", &TransportError{Op: "submit", Err: fmt.Errorf("decode response: %w", err)}
	}
	id := accepted.JobID
	if id == "" {
		id = accepted.TaskID
	}
	if id == "" {
		return "", &TransportError{Op: "submit", Err: errors.New("response carries no job id")}
	}
	return id, nil
}

func writeImage(mw *multipart.Writer, field string, img job.Image) error {
	fw, err := mw.CreateFormFile(field, field+img.Ext)
	if err != nil {
		return err
	}
	if _, err := fw.Write(img.Data); err != nil {
		return err
	}
	return mw.WriteField(field+"_extension", img.Ext)
}

// Status queries the job once. An unknown id yields job.ErrNotFound.
func (c *Client) Status(ctx context.Context, jobID string) (StatusResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status/"+url.PathEscape(jobID), nil)
	if err != nil {
		return StatusResult{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return StatusResult{}, &TransportError{Op: "status", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return StatusResult{}, fmt.Errorf("%w: %s", job.ErrNotFound, jobID)
	}
	if resp.StatusCode != http.StatusOK {
		var eb errorBody
		_ = json.NewDecoder(resp.Body).Decode(&eb)
		return StatusResult{}, &APIError{StatusCode: resp.StatusCode, Message: eb.Error}
	}

	var body struct {
		Status    string `json:"status"`
		Result    string `json:"result"`
		ResultExt string `json:"result_ext"`
		Error     string `json:"error"`
		Message   string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return StatusResult{}, &TransportError{Op: "status", Err: fmt.Errorf("decode response: %w", err)}
	}

	st := job.Status(body.Status)
	if !st.Valid() {
		return StatusResult{}, &TransportError{Op: "status", Err: fmt.Errorf("unknown job status %q", body.Status)}
	}
	out := StatusResult{Status: st, ResultExt: body.ResultExt, Error: body.Error}
	if out.Error == "" {
		out.Error = body.Message
	}
	if st == job.StatusCompleted {
		out.Result, err = base64.StdEncoding.DecodeString(body.Result)
		if err != nil {
			return StatusResult{}, &TransportError{Op: "status", Err: fmt.Errorf("decode result: %w", err)}
		}
		if len(out.Result) == 0 {
			return StatusResult{}, &TransportError{Op: "status", Err: errors.New("completed job without result")}
		}
	}
	return out, nil
}
