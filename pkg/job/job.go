package job

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Status represents the lifecycle state of a try-on job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

var (
	// ErrNotFound is returned when a job id is unknown to the store
	ErrNotFound = errors.New("job not found")

	// ErrInvalidTransition is returned when a status change would move a job backwards
	ErrInvalidTransition = errors.New("invalid job status transition")

	// ErrUnsupportedFormat is returned for images outside the accepted raster formats
	ErrUnsupportedFormat = errors.New("unsupported image format")
)

// Terminal reports whether no further transitions are possible from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusError:
		return true
	}
	return false
}

// CanTransition reports whether a job may move from one status to another.
// pending -> error is allowed for jobs that could not be scheduled.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing || to == StatusError
	case StatusProcessing:
		return to == StatusCompleted || to == StatusError
	}
	return false
}

// Image is one input artifact of a job
type Image struct {
	Data []byte `json:"data"`
	Ext  string `json:"ext"`
}

// Input holds everything the processor needs to run a job
type Input struct {
	Subject     Image  `json:"subject"`
	Reference   Image  `json:"reference"`
	Description string `json:"description"`
}

// Update carries the payload that accompanies a status change.
type Update struct {
	Result    []byte
	ResultExt string
	Error     string
}

// Job is a snapshot of one try-on request.
type Job struct {
	ID        string    `json:"id"`
	Status    Status    `json:"status"`
	Result    []byte    `json:"result,omitempty"`
	ResultExt string    `json:"result_ext,omitempty"`
	Error     string    `json:"error,omitempty"`
	Input     Input     `json:"input"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Apply checks a transition against the current snapshot and returns the
// updated job. The receiver is not modified.
func (j Job) Apply(to Status, upd Update, now time.Time) (Job, error) {
	if !CanTransition(j.Status, to) {
		return j, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, to)
	}

	switch to {
	case StatusCompleted:
		if len(upd.Result) == 0 {
			return j, fmt.Errorf("%w: completed without result", ErrInvalidTransition)
		}
		j.Result = cloneBytes(upd.Result)
		j.ResultExt = upd.ResultExt
		j.Error = ""
	case StatusError:
		j.Error = upd.Error
		if j.Error == "" {
			j.Error = "job failed"
		}
		j.Result = nil
		j.ResultExt = ""
	default:
		j.Result = nil
		j.ResultExt = ""
		j.Error = ""
	}

	j.Status = to
	j.UpdatedAt = now
	return j, nil
}

// Clone returns a deep copy so callers never share byte slices with the store.
func (j Job) Clone() Job {
	j.Result = cloneBytes(j.Result)
	j.Input.Subject.Data = cloneBytes(j.Input.Subject.Data)
	j.Input.Reference.Data = cloneBytes(j.Input.Reference.Data)
	return j
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// NormalizeExt lower-cases an extension and makes sure it starts with a dot.
func NormalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext == "" {
		return ""
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

// ExtFromPath returns the normalized extension of a file path or URL path.
func ExtFromPath(p string) string {
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	return NormalizeExt(filepath.Ext(p))
}

// SupportedExt reports whether ext names one of the accepted raster formats.
func SupportedExt(ext string) bool {
	switch NormalizeExt(ext) {
	case ".jpg", ".jpeg", ".png":
		return true
	}
	return false
}

// ValidationError describes an input rejected before a job is created.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e ValidationError) Unwrap() error { return e.Err }

// ValidateImage checks one input artifact; field names the form field for error reporting.
func ValidateImage(field string, img Image) error {
	if len(img.Data) == 0 {
		return ValidationError{Field: field, Message: "image is required"}
	}
	if !SupportedExt(img.Ext) {
		return ValidationError{
			Field:   field,
			Message: fmt.Sprintf("%v %q (accepted: .jpg, .jpeg, .png)", ErrUnsupportedFormat, img.Ext),
			Err:     ErrUnsupportedFormat,
		}
	}
	return nil
}

// Validate checks both images of an input.
func (in Input) Validate() error {
	if err := ValidateImage("user_photo", in.Subject); err != nil {
		return err
	}
	return ValidateImage("product_image", in.Reference)
}
