package httptransport

import (
	"encoding/json"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"libdiff/internal/entity"
	"libdiff/internal/service"
	"libdiff/internal/worker"
)

type Handler struct {
	jobSvc  *service.JobService
	tracker *worker.Tracker
	log     *zap.Logger
}

// NewHandler serves jobSvc. tracker may be nil when builds run in another
// process; the build endpoints then report nothing running.
func NewHandler(jobSvc *service.JobService, tracker *worker.Tracker, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{jobSvc: jobSvc, tracker: tracker, log: log}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code, msg, ok := statusFor(err)
	if !ok {
		h.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeErr(w, code, msg)
}

type submitDTO struct {
	Change string `json:"change" example:"42"`
}

type messageResp struct {
	Message string `json:"message"`
}

type jobResp struct {
	ID        int64            `json:"id"`
	Change    string           `json:"change"`
	Project   string           `json:"project"`
	FetchRef  string           `json:"fetch_ref"`
	Status    entity.JobStatus `json:"status"`
	Diff      *string          `json:"diff,omitempty"`
	Error     *string          `json:"error,omitempty"`
	CreatedAt string           `json:"created_at"`
	UpdatedAt string           `json:"updated_at"`
}

func toResp(j *entity.Job, withDiff bool) jobResp {
	resp := jobResp{
		ID:        j.ID,
		Change:    j.Change,
		Project:   j.Project,
		FetchRef:  j.FetchRef,
		Status:    j.Status,
		Error:     j.Error,
		CreatedAt: j.CreatedAt.Format(time.RFC3339),
		UpdatedAt: j.UpdatedAt.Format(time.RFC3339),
	}
	if withDiff {
		resp.Diff = j.Diff
	}
	return resp
}

// changeFromRequest reads the change from a JSON body, or from a form field
// so plain HTML forms can post too.
func changeFromRequest(r *http.Request) (string, bool) {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "application/x-www-form-urlencoded" || ct == "multipart/form-data" {
		return strings.TrimSpace(r.FormValue("change")), true
	}
	var dto submitDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		return "", false
	}
	return strings.TrimSpace(dto.Change), true
}

// SubmitChange godoc
// @Summary Submit a change
// @Description Resolves the change on Gerrit and queues a build. Submitting a known change returns the existing job.
// @Tags changes
// @Accept json
// @Produce json
// @Param request body submitDTO true "change number"
// @Success 200 {object} jobResp "job already finished"
// @Success 202 {object} jobResp "job pending"
// @Failure 400 {object} apiError
// @Failure 404 {object} apiError
// @Failure 502 {object} apiError
// @Failure 503 {object} apiError
// @Router /changes [post]
func (h *Handler) SubmitChange(w http.ResponseWriter, r *http.Request) {
	change, ok := changeFromRequest(r)
	if !ok {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}

	job, err := h.jobSvc.Submit(r.Context(), change)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	code := http.StatusOK
	if job.Status == entity.StatusPending {
		code = http.StatusAccepted
	}
	writeJSON(w, code, toResp(job, false))
}

// ListChanges godoc
// @Summary Recently finished diffs
// @Tags changes
// @Produce json
// @Param limit query int false "max rows (default from config)"
// @Success 200 {array} jobResp
// @Failure 400 {object} apiError
// @Router /changes [get]
func (h *Handler) ListChanges(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeErr(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	jobs, err := h.jobSvc.ListRecentDone(r.Context(), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := make([]jobResp, 0, len(jobs))
	for i := range jobs {
		resp = append(resp, toResp(&jobs[i], false))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetChange godoc
// @Summary Get the job for a change
// @Tags changes
// @Produce json
// @Param change path string true "change number"
// @Success 200 {object} jobResp
// @Failure 400 {object} apiError
// @Failure 404 {object} apiError
// @Router /changes/{change} [get]
func (h *Handler) GetChange(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobSvc.Get(r.Context(), chi.URLParam(r, "change"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResp(job, true))
}

// GetDiff godoc
// @Summary Get the raw diff of a change
// @Tags changes
// @Produce plain
// @Param change path string true "change number"
// @Success 200 {string} string "unified diff"
// @Failure 404 {object} apiError
// @Failure 409 {object} apiError
// @Router /changes/{change}/diff [get]
func (h *Handler) GetDiff(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobSvc.Get(r.Context(), chi.URLParam(r, "change"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if job.Status != entity.StatusDone || job.Diff == nil {
		writeErr(w, http.StatusConflict, "job is "+string(job.Status)+", no diff available")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(*job.Diff))
}

// RetryChange godoc
// @Summary Retry a failed change
// @Tags changes
// @Produce json
// @Param change path string true "change number"
// @Success 202 {object} jobResp
// @Failure 404 {object} apiError
// @Failure 409 {object} apiError
// @Failure 503 {object} apiError
// @Router /changes/{change}/retry [post]
func (h *Handler) RetryChange(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobSvc.Retry(r.Context(), chi.URLParam(r, "change"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toResp(job, false))
}

// CancelBuild godoc
// @Summary Cancel a running build
// @Description Only builds running in this process can be cancelled. The job ends failed.
// @Tags builds
// @Produce json
// @Param change path string true "change number"
// @Success 202 {object} messageResp
// @Failure 404 {object} apiError
// @Router /changes/{change}/build [delete]
func (h *Handler) CancelBuild(w http.ResponseWriter, r *http.Request) {
	change := chi.URLParam(r, "change")
	if h.tracker == nil || !h.tracker.Cancel(change) {
		writeErr(w, http.StatusNotFound, "no build running for change "+change)
		return
	}
	writeJSON(w, http.StatusAccepted, messageResp{Message: "cancelling build for change " + change})
}

// ListBuilds godoc
// @Summary Builds running in this process
// @Tags builds
// @Produce json
// @Success 200 {array} worker.Handle
// @Router /builds [get]
func (h *Handler) ListBuilds(w http.ResponseWriter, r *http.Request) {
	running := []worker.Handle{}
	if h.tracker != nil {
		running = h.tracker.Running()
	}
	writeJSON(w, http.StatusOK, running)
}
