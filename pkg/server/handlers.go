package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"virtualfit/pkg/job"
	"virtualfit/pkg/report"
	"virtualfit/pkg/store"
)

type uploadResponse struct {
	JobID   string `json:"job_id"`
	TaskID  string `json:"task_id"` // same as JobID, kept for older clients
	Status  string `json:"status"`
	Message string `json:"message"`
}

type statusResponse struct {
	Status    string `json:"status"`
	Result    string `json:"result,omitempty"` // base64 image, completed jobs only
	ResultExt string `json:"result_ext,omitempty"`
	Error     string `json:"error,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
	JobID string `json:"job_id,omitempty"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)

	in, err := parseUpload(r)
	if err == nil {
		err = in.Validate()
	}
	if err != nil {
		s.metrics.RecordSubmission("rejected")
		var tooLarge *http.MaxBytesError
		var ve job.ValidationError
		switch {
		case errors.As(err, &tooLarge):
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "upload too large"})
		case errors.As(err, &ve):
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: ve.Error(), Field: ve.Field})
		default:
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		}
		return
	}

	ctx := r.Context()
	id, err := s.store.Create(ctx, in)
	if err != nil {
		s.logger.Error("failed to create job", "error", err)
		s.metrics.RecordSubmission("failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to create job"})
		return
	}
	logger := s.logger.With("job_id", id)

	if err := s.dispatcher.Dispatch(ctx, id); err != nil {
		logger.Error("failed to dispatch job", "error", err)
		s.metrics.RecordDispatchRejected()
		s.metrics.RecordSubmission("unavailable")

		detail := fmt.Sprintf("could not schedule job: %v", err)
		if serr := s.store.SetStatus(context.WithoutCancel(ctx), id, job.StatusError, job.Update{Error: detail}); serr != nil {
			logger.Error("failed to mark undispatched job", "error", serr)
		}
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "service busy, try again later", JobID: id})
		return
	}

	s.metrics.RecordSubmission("accepted")
	logger.Info("job accepted", "description", in.Description)
	writeJSON(w, http.StatusAccepted, uploadResponse{
		JobID:   id,
		TaskID:  id,
		Status:  string(job.StatusPending),
		Message: "Files received, processing started.",
	})
}

// parseUpload reads the upload form. Images may arrive as file parts or as
// base64 text values.
func parseUpload(r *http.Request) (job.Input, error) {
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		if !errors.Is(err, http.ErrNotMultipart) {
			return job.Input{}, err
		}
		if err := r.ParseForm(); err != nil {
			return job.Input{}, err
		}
	}

	subject, err := formImage(r, "user_photo")
	if err != nil {
		return job.Input{}, err
	}
	reference, err := formImage(r, "product_image")
	if err != nil {
		return job.Input{}, err
	}
	return job.Input{
		Subject:     subject,
		Reference:   reference,
		Description: strings.TrimSpace(r.FormValue("product_description")),
	}, nil
}

func formImage(r *http.Request, field string) (job.Image, error) {
	ext := r.FormValue(field + "_extension")

	if r.MultipartForm != nil {
		if files := r.MultipartForm.File[field]; len(files) > 0 {
			data, err := readPart(files[0])
			if err != nil {
				return job.Image{}, err
			}
			if ext == "" {
				ext = filepath.Ext(files[0].Filename)
			}
			return job.Image{Data: data, Ext: job.NormalizeExt(ext)}, nil
		}
	}

	value := strings.TrimSpace(r.FormValue(field))
	if value == "" {
		return job.Image{Ext: job.NormalizeExt(ext)}, nil
	}
	// tolerate data URLs such as data:image/png;base64,....
	if strings.HasPrefix(value, "data:") {
		if i := strings.Index(value, ","); i >= 0 {
			value = value[i+1:]
		}
	}
	data, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return job.Image{}, job.ValidationError{Field: field, Message: "image is not valid base64", Err: err}
	}
	return job.Image{Data: data, Ext: job.NormalizeExt(ext)}, nil
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	j, ok := s.lookup(w, r)
	if !ok {
		return
	}

	resp := statusResponse{Status: string(j.Status), Error: j.Error}
	if j.Status == job.StatusCompleted {
		resp.Result = base64.StdEncoding.EncodeToString(j.Result)
		resp.ResultExt = j.ResultExt
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	j, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if j.Status != job.StatusCompleted {
		writeJSON(w, http.StatusConflict, statusResponse{Status: string(j.Status), Error: "job is not completed"})
		return
	}

	name := j.ID + "_result" + j.ResultExt
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	http.ServeContent(w, r, name, j.UpdatedAt, bytes.NewReader(j.Result))
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	j, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if j.Status != job.StatusCompleted {
		writeJSON(w, http.StatusConflict, statusResponse{Status: string(j.Status), Error: "job is not completed"})
		return
	}

	var buf bytes.Buffer
	if err := report.Write(&buf, j, s.report); err != nil {
		s.logger.Error("failed to build report", "job_id", j.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to build report"})
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", j.ID+".pdf"))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// lookup loads the job named in the path, writing 404 or 500 itself.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (job.Job, bool) {
	id := mux.Vars(r)["job_id"]
	j, err := s.store.Get(r.Context(), id)
	if errors.Is(err, job.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, statusResponse{Status: "not found"})
		return job.Job{}, false
	}
	if err != nil {
		s.logger.Error("failed to load job", "job_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to load job"})
		return job.Job{}, false
	}
	return j, true
}

func (s *Server) handleProducts(w http.ResponseWriter, r *http.Request) {
	products, err := s.products.FetchProducts(r.Context())
	if err != nil {
		s.logger.Error("failed to load products", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Error with loading product from json."})
		return
	}
	writeJSON(w, http.StatusOK, products)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("deep") != "true" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	storeStatus := "ok"
	if p, ok := s.store.(store.Pinger); ok {
		if err := p.Ping(ctx); err != nil {
			storeStatus = "error"
		}
	}

	status, code := "ok", http.StatusOK
	if storeStatus != "ok" {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": status, "store": storeStatus})
}
