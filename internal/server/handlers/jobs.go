package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/keyscan/internal/errors"
	"github.com/3leaps/keyscan/pkg/balance"
	"github.com/3leaps/keyscan/pkg/job"
	"github.com/3leaps/keyscan/pkg/jobregistry"
	"github.com/3leaps/keyscan/pkg/results"
)

const maxJSONBody = 1 << 20

// JobsOptions configures the jobs API.
type JobsOptions struct {
	Registry *jobregistry.Registry
	Uploads  *UploadStore

	// ResultsDir receives each job's real-time CSV. Empty disables the
	// file sink for API jobs.
	ResultsDir string

	// DefaultAPI and DefaultDelay apply when a request omits them.
	DefaultAPI   string
	DefaultDelay time.Duration

	// AllowLocalInput lets JSON requests name server-side paths and s3://
	// URIs directly instead of an upload id.
	AllowLocalInput bool

	Logger *zap.Logger
	Now    func() time.Time
}

// JobsAPI serves /api/jobs, /api/uploads and /api/apis.
type JobsAPI struct {
	opts JobsOptions
	log  *zap.Logger

	// uploadMu orders job starts against upload removal so a start never
	// resolves an upload that a concurrent clear is deleting.
	uploadMu sync.Mutex
}

// NewJobsAPI creates the API and registers a clear hook that deletes an
// uploaded input once no remaining job reads it.
func NewJobsAPI(opts JobsOptions) *JobsAPI {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.DefaultAPI == "" {
		opts.DefaultAPI = string(balance.ModeAuto)
	}

	a := &JobsAPI{opts: opts, log: opts.Logger}
	if opts.Uploads != nil {
		opts.Registry.OnClear(a.removeUpload)
	}
	return a
}

// Routes mounts the API on r.
func (a *JobsAPI) Routes(r chi.Router) {
	r.Get("/apis", a.listAPIs)
	r.Post("/uploads", a.upload)
	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", a.listJobs)
		r.Post("/", a.startJob)
		r.Get("/{id}", a.getJob)
		r.Delete("/{id}", a.clearJob)
		r.Post("/{id}/cancel", a.cancelJob)
		r.Get("/{id}/export", a.exportJob)
	})
}

// StartRequest is the JSON body of POST /api/jobs. Delay is in seconds.
type StartRequest struct {
	UploadID  string   `json:"upload_id,omitempty"`
	Input     string   `json:"input,omitempty"`
	Filename  string   `json:"filename,omitempty"`
	API       string   `json:"api_type,omitempty"`
	Delay     *float64 `json:"delay,omitempty"`
	StartLine int      `json:"start_line"`
	EndLine   *int     `json:"end_line,omitempty"`
}

// StartResponse is returned when a job is accepted.
type StartResponse struct {
	JobID  string     `json:"job_id"`
	Status job.Status `json:"status"`
	Upload *Upload    `json:"upload,omitempty"`
}

// ListResponse wraps job summaries.
type ListResponse struct {
	Jobs  []job.Snapshot `json:"jobs"`
	Count int            `json:"count"`
}

func (a *JobsAPI) listAPIs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, balance.APIOptions())
}

func (a *JobsAPI) upload(w http.ResponseWriter, r *http.Request) {
	up, _, err := a.receiveUpload(w, r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, up)
}

// receiveUpload stores the "file" part of a multipart request and returns
// the remaining form values.
func (a *JobsAPI) receiveUpload(w http.ResponseWriter, r *http.Request) (Upload, map[string]string, error) {
	if a.opts.Uploads == nil {
		return Upload{}, nil, apperrors.NewHTTPError(http.StatusNotFound, apperrors.CodeNotFound, "uploads are disabled", nil)
	}
	if mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); mt != "multipart/form-data" {
		return Upload{}, nil, apperrors.NewHTTPError(http.StatusUnsupportedMediaType, apperrors.CodeUnsupportedMedia,
			"expected multipart/form-data", nil)
	}
	if a.opts.Uploads.maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, a.opts.Uploads.maxBytes+1<<20)
	}

	mr, err := r.MultipartReader()
	if err != nil {
		return Upload{}, nil, apperrors.BadRequest("invalid multipart body", err)
	}

	fields := make(map[string]string)
	var up *Upload
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Upload{}, nil, uploadError(err)
		}

		if part.FormName() == "file" {
			if up != nil {
				_ = part.Close()
				continue
			}
			if part.FileName() == "" {
				_ = part.Close()
				return Upload{}, nil, apperrors.BadRequest("no file selected", nil)
			}
			saved, err := a.opts.Uploads.Save(part.FileName(), part)
			_ = part.Close()
			if err != nil {
				return Upload{}, nil, uploadError(err)
			}
			up = &saved
			continue
		}

		value, err := io.ReadAll(io.LimitReader(part, 4096))
		_ = part.Close()
		if err != nil {
			return Upload{}, nil, uploadError(err)
		}
		fields[part.FormName()] = strings.TrimSpace(string(value))
	}

	if up == nil {
		return Upload{}, nil, apperrors.BadRequest("missing file part", nil)
	}
	a.log.Info("Upload stored",
		zap.String("upload_id", up.ID),
		zap.String("filename", up.Filename),
		zap.Int64("size", up.Size))
	return *up, fields, nil
}

func uploadError(err error) error {
	var maxErr *http.MaxBytesError
	switch {
	case errors.Is(err, ErrUploadType):
		return apperrors.NewHTTPError(http.StatusBadRequest, apperrors.CodeValidation,
			"invalid file type, allowed extensions: txt, csv, list, dat, text, log, asc, tsv, keys", err)
	case errors.Is(err, errUploadTooLarge), errors.As(err, &maxErr):
		return apperrors.NewHTTPError(http.StatusRequestEntityTooLarge, apperrors.CodePayloadTooLarge, "upload too large", nil)
	}
	return err
}

func (a *JobsAPI) startJob(w http.ResponseWriter, r *http.Request) {
	var (
		req StartRequest
		up  *Upload
		err error
	)

	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mt == "multipart/form-data" {
		var saved Upload
		var fields map[string]string
		saved, fields, err = a.receiveUpload(w, r)
		if err == nil {
			up = &saved
			req, err = startRequestFromForm(fields)
			if err != nil {
				_ = a.opts.Uploads.Remove(saved.Path())
			}
		}
	} else {
		req, err = decodeStartRequest(r)
	}
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	a.uploadMu.Lock()
	cfg, err := a.jobConfig(req, up)
	if err != nil {
		a.uploadMu.Unlock()
		respondWithError(w, r, err)
		return
	}
	id, err := a.opts.Registry.Start(cfg)
	a.uploadMu.Unlock()
	if err != nil {
		if up != nil {
			_ = a.opts.Uploads.Remove(up.Path())
		}
		respondWithError(w, r, err)
		return
	}

	w.Header().Set("Location", "/api/jobs/"+id)
	writeJSON(w, http.StatusAccepted, StartResponse{JobID: id, Status: job.StatusQueued, Upload: up})
}

func decodeStartRequest(r *http.Request) (StartRequest, error) {
	var req StartRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return req, apperrors.BadRequest("invalid JSON body", err)
	}
	return req, nil
}

// startRequestFromForm reads the form fields of a multipart start. An
// end_line that is not a number means "to the end".
func startRequestFromForm(fields map[string]string) (StartRequest, error) {
	req := StartRequest{API: fields["api_type"]}

	if v := fields["delay"]; v != "" {
		d, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return req, apperrors.BadRequest("invalid delay", err)
		}
		req.Delay = &d
	}
	if v := fields["start_line"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return req, apperrors.BadRequest("invalid start_line", err)
		}
		req.StartLine = n
	}
	if n, err := strconv.Atoi(fields["end_line"]); err == nil {
		req.EndLine = &n
	}
	return req, nil
}

func (a *JobsAPI) jobConfig(req StartRequest, up *Upload) (job.Config, error) {
	if up == nil && req.UploadID != "" {
		if a.opts.Uploads == nil {
			return job.Config{}, apperrors.BadRequest("uploads are disabled", nil)
		}
		resolved, err := a.opts.Uploads.Resolve(req.UploadID)
		if err != nil {
			return job.Config{}, apperrors.NewHTTPError(http.StatusNotFound, apperrors.CodeNotFound, "upload not found", err)
		}
		up = &resolved
	}

	cfg := job.Config{
		API:       req.API,
		Delay:     a.opts.DefaultDelay,
		StartLine: req.StartLine,
		EndLine:   req.EndLine,
		Filename:  req.Filename,
	}
	if cfg.API == "" {
		cfg.API = a.opts.DefaultAPI
	}
	if req.Delay != nil {
		cfg.Delay = time.Duration(*req.Delay * float64(time.Second))
	}

	switch {
	case up != nil:
		cfg.Input = up.Path()
		if cfg.Filename == "" {
			cfg.Filename = up.Filename
		}
	case req.Input != "":
		if !a.opts.AllowLocalInput {
			return job.Config{}, apperrors.BadRequest("input paths are disabled, upload the file instead", nil)
		}
		cfg.Input = req.Input
	default:
		return job.Config{}, apperrors.BadRequest("upload_id or input is required", nil)
	}

	if a.opts.ResultsDir != "" {
		name := fmt.Sprintf("results_%s_%s.csv", a.opts.Now().Format("20060102_150405"), uuid.New().String()[:8])
		cfg.OutputPath = filepath.Join(a.opts.ResultsDir, name)
	}
	return cfg, nil
}

func (a *JobsAPI) listJobs(w http.ResponseWriter, r *http.Request) {
	snaps := a.opts.Registry.List()
	status := job.Status(r.URL.Query().Get("status"))

	out := make([]job.Snapshot, 0, len(snaps))
	for _, s := range snaps {
		if status != "" && s.Status != status {
			continue
		}
		s.Log = nil
		s.FoundKeyDetails = nil
		out = append(out, s)
	}
	writeJSON(w, http.StatusOK, ListResponse{Jobs: out, Count: len(out)})
}

func (a *JobsAPI) getJob(w http.ResponseWriter, r *http.Request) {
	snap, err := a.opts.Registry.Snapshot(chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *JobsAPI) cancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.opts.Registry.Cancel(id); err != nil {
		respondWithError(w, r, err)
		return
	}
	snap, err := a.opts.Registry.Snapshot(id)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job_id": id, "status": snap.Status, "cancel_requested": true})
}

func (a *JobsAPI) clearJob(w http.ResponseWriter, r *http.Request) {
	if err := a.opts.Registry.Clear(chi.URLParam(r, "id")); err != nil {
		respondWithError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *JobsAPI) exportJob(w http.ResponseWriter, r *http.Request) {
	format, err := results.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		respondWithError(w, r, apperrors.BadRequest("invalid format", err))
		return
	}
	snap, err := a.opts.Registry.Snapshot(chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if !snap.Status.Terminal() {
		respondWithError(w, r, apperrors.NewHTTPError(http.StatusConflict, apperrors.CodeConflict,
			"results not ready for download", nil))
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition",
		mime.FormatMediaType("attachment", map[string]string{"filename": results.DownloadName(format, a.opts.Now())}))
	if err := format.Write(w, snap); err != nil {
		a.log.Error("Export failed", zap.String("job_id", snap.ID), zap.Error(err))
	}
}

func (a *JobsAPI) removeUpload(snap job.Snapshot) {
	if !a.opts.Uploads.Owns(snap.Input) {
		return
	}

	a.uploadMu.Lock()
	defer a.uploadMu.Unlock()

	for _, other := range a.opts.Registry.List() {
		if other.Input == snap.Input {
			a.log.Debug("Input file still in use",
				zap.String("job_id", snap.ID),
				zap.String("used_by", other.ID),
				zap.String("path", snap.Input))
			return
		}
	}

	if err := a.opts.Uploads.Remove(snap.Input); err != nil {
		a.log.Error("Error deleting input file", zap.String("job_id", snap.ID), zap.Error(err))
		return
	}
	a.log.Info("Deleted input file", zap.String("job_id", snap.ID), zap.String("path", snap.Input))
}
