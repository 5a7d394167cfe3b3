package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"

	jobqueue "github.com/d1fmarketing/book-automation-sub010"
)

// maxBodySize limits the size of request bodies.
const maxBodySize = 4 << 20

var errBadRequest = errors.New("bad request")

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorResponse is returned for failed requests.
type errorResponse struct {
	Error string `json:"error"`
}

// statusOf maps errors of the manager to HTTP status codes.
func statusOf(err error) int {
	var dupQueue *jobqueue.DuplicateQueueError
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, jobqueue.ErrNoProcessor):
		return http.StatusUnprocessableEntity
	case errors.Is(err, jobqueue.ErrNotFound), errors.Is(err, jobqueue.ErrUnknownQueue):
		return http.StatusNotFound
	case errors.Is(err, jobqueue.ErrDuplicateJob), errors.As(err, &dupQueue):
		return http.StatusConflict
	case errors.Is(err, jobqueue.ErrInvalidState), errors.Is(err, jobqueue.ErrDeadLettered):
		return http.StatusConflict
	case errors.Is(err, jobqueue.ErrManagerClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (srv *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		srv.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// decode reads the JSON body of r into v. An empty body leaves v as is.
func decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if err == io.EOF {
			return nil
		}
		return errors.Wrap(errBadRequest, err.Error())
	}
	return nil
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.Wrapf(errBadRequest, "invalid %s %q", key, s)
	}
	return n, nil
}

func queryBool(r *http.Request, key string) bool {
	b, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return b
}

func (srv *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// -- Submission --

// backoffRequest is the JSON form of a backoff.
type backoffRequest struct {
	Type    string `json:"type"`
	DelayMs int64  `json:"delayMs"`
}

// jobRequest is the JSON form of a job submission.
type jobRequest struct {
	Queue       string          `json:"queue,omitempty"` // flows only
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	MaxAttempts int             `json:"maxAttempts,omitempty"`
	Backoff     *backoffRequest `json:"backoff,omitempty"`
	TimeoutMs   int64           `json:"timeoutMs,omitempty"`
	DelayMs     int64           `json:"delayMs,omitempty"`
	JobID       string          `json:"jobId,omitempty"`
	Priority    int             `json:"priority,omitempty"`
}

func (req *jobRequest) payload() interface{} {
	if len(req.Payload) == 0 {
		return nil
	}
	return req.Payload
}

func (req *jobRequest) options() []jobqueue.JobOption {
	var opts []jobqueue.JobOption
	if req.JobID != "" {
		opts = append(opts, jobqueue.WithJobID(req.JobID))
	}
	if req.MaxAttempts > 0 {
		opts = append(opts, jobqueue.WithMaxAttempts(req.MaxAttempts))
	}
	if req.Backoff != nil {
		opts = append(opts, jobqueue.WithBackoff(jobqueue.Backoff{
			Type:  req.Backoff.Type,
			Delay: time.Duration(req.Backoff.DelayMs) * time.Millisecond,
		}))
	}
	if req.TimeoutMs > 0 {
		opts = append(opts, jobqueue.WithTimeout(time.Duration(req.TimeoutMs)*time.Millisecond))
	}
	if req.DelayMs > 0 {
		opts = append(opts, jobqueue.WithDelay(time.Duration(req.DelayMs)*time.Millisecond))
	}
	if req.Priority != 0 {
		opts = append(opts, jobqueue.WithPriority(req.Priority))
	}
	return opts
}

func (req *jobRequest) validate() error {
	if req == nil {
		return errors.Wrap(errBadRequest, "job is required")
	}
	if req.Type == "" {
		return errors.Wrap(errBadRequest, "type is required")
	}
	if req.Backoff != nil {
		switch req.Backoff.Type {
		case "", jobqueue.FixedBackoff, jobqueue.ExponentialBackoff:
		default:
			return errors.Wrapf(errBadRequest, "unknown backoff type %q", req.Backoff.Type)
		}
	}
	return nil
}

// jobResponse is returned for a submitted job.
type jobResponse struct {
	ID string `json:"id"`
}

func (srv *Server) addJob(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if err := decode(r, &req); err != nil {
		srv.writeError(w, r, err)
		return
	}
	if err := req.validate(); err != nil {
		srv.writeError(w, r, err)
		return
	}
	job, err := srv.m.AddJob(r.Context(), chi.URLParam(r, "queue"), req.Type, req.payload(), req.options()...)
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, jobResponse{ID: job.ID})
}

type bulkRequest struct {
	Jobs []*jobRequest `json:"jobs"`
}

type bulkResponse struct {
	Jobs   []*jobResponse `json:"jobs"`             // nil for failed entries
	Errors map[int]string `json:"errors,omitempty"` // index of the entry to its error
}

func (srv *Server) addBulkJobs(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := decode(r, &req); err != nil {
		srv.writeError(w, r, err)
		return
	}
	if len(req.Jobs) == 0 {
		srv.writeError(w, r, errors.Wrap(errBadRequest, "no jobs"))
		return
	}
	entries := make([]jobqueue.BulkJob, len(req.Jobs))
	for i, jr := range req.Jobs {
		if err := jr.validate(); err != nil {
			srv.writeError(w, r, errors.Wrapf(err, "entry %d", i))
			return
		}
		entries[i] = jobqueue.BulkJob{Type: jr.Type, Payload: jr.payload(), Options: jr.options()}
	}

	jobs, err := srv.m.AddBulkJobs(r.Context(), chi.URLParam(r, "queue"), entries)
	var bulkErr *jobqueue.BulkError
	if err != nil && !errors.As(err, &bulkErr) {
		srv.writeError(w, r, err)
		return
	}
	rsp := bulkResponse{Jobs: make([]*jobResponse, len(jobs))}
	for i, job := range jobs {
		if job != nil {
			rsp.Jobs[i] = &jobResponse{ID: job.ID}
		}
	}
	status := http.StatusCreated
	if bulkErr != nil {
		status = http.StatusMultiStatus
		rsp.Errors = make(map[int]string, len(bulkErr.Errors))
		for i, err := range bulkErr.Errors {
			rsp.Errors[i] = err.Error()
		}
	}
	writeJSON(w, status, rsp)
}

type flowRequest struct {
	Parent   *jobRequest   `json:"parent"`
	Children []*jobRequest `json:"children"`
}

func (req *jobRequest) flowJob() jobqueue.FlowJob {
	return jobqueue.FlowJob{Queue: req.Queue, Type: req.Type, Payload: req.payload(), Options: req.options()}
}

func (srv *Server) addFlow(w http.ResponseWriter, r *http.Request) {
	var req flowRequest
	if err := decode(r, &req); err != nil {
		srv.writeError(w, r, err)
		return
	}
	if req.Parent == nil {
		srv.writeError(w, r, errors.Wrap(errBadRequest, "parent is required"))
		return
	}
	nodes := append([]*jobRequest{req.Parent}, req.Children...)
	for _, jr := range nodes {
		if err := jr.validate(); err != nil {
			srv.writeError(w, r, err)
			return
		}
		if jr.Queue == "" {
			srv.writeError(w, r, errors.Wrap(errBadRequest, "queue is required"))
			return
		}
	}
	flow := jobqueue.Flow{Parent: req.Parent.flowJob()}
	for _, c := range req.Children {
		flow.Children = append(flow.Children, c.flowJob())
	}
	parent, err := srv.m.AddFlow(r.Context(), flow)
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, jobResponse{ID: parent.ID})
}

// -- Jobs --

func (srv *Server) lookupJob(w http.ResponseWriter, r *http.Request) {
	job, err := srv.m.Lookup(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type listResponse struct {
	Total int             `json:"total"`
	Jobs  []*jobqueue.Job `json:"jobs"`
}

func (srv *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	queue := chi.URLParam(r, "queue")
	if _, err := srv.m.Queue(queue); err != nil {
		srv.writeError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	rsp, err := srv.m.List(r.Context(), &jobqueue.ListRequest{
		Queue:    queue,
		State:    r.URL.Query().Get("state"),
		ParentID: r.URL.Query().Get("parent"),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	jobs := rsp.Jobs
	if jobs == nil {
		jobs = []*jobqueue.Job{}
	}
	writeJSON(w, http.StatusOK, listResponse{Total: rsp.Total, Jobs: jobs})
}

func (srv *Server) retryJob(w http.ResponseWriter, r *http.Request) {
	job, err := srv.m.RetryJob(r.Context(), chi.URLParam(r, "queue"), chi.URLParam(r, "id"))
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// -- Stats --

func (srv *Server) globalStats(w http.ResponseWriter, r *http.Request) {
	stats, err := srv.m.GlobalStats(r.Context())
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (srv *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := srv.m.QueueStats(r.Context(), chi.URLParam(r, "queue"))
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (srv *Server) workers(w http.ResponseWriter, r *http.Request) {
	workers := srv.m.Workers()
	if workers == nil {
		workers = []jobqueue.WorkerInfo{}
	}
	writeJSON(w, http.StatusOK, workers)
}

// -- Queue control --

type pauseResponse struct {
	Queue  string `json:"queue,omitempty"`
	Paused bool   `json:"paused"`
}

func (srv *Server) pauseAll(w http.ResponseWriter, r *http.Request) {
	srv.m.Pause()
	writeJSON(w, http.StatusOK, pauseResponse{Paused: true})
}

func (srv *Server) resumeAll(w http.ResponseWriter, r *http.Request) {
	srv.m.Resume()
	writeJSON(w, http.StatusOK, pauseResponse{Paused: false})
}

func (srv *Server) pauseQueue(w http.ResponseWriter, r *http.Request) {
	queue := chi.URLParam(r, "queue")
	if err := srv.m.PauseQueue(queue); err != nil {
		srv.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pauseResponse{Queue: queue, Paused: true})
}

func (srv *Server) resumeQueue(w http.ResponseWriter, r *http.Request) {
	queue := chi.URLParam(r, "queue")
	if err := srv.m.ResumeQueue(queue); err != nil {
		srv.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pauseResponse{Queue: queue, Paused: false})
}

type removedResponse struct {
	Removed int `json:"removed"`
}

func (srv *Server) drainQueue(w http.ResponseWriter, r *http.Request) {
	n, err := srv.m.Drain(r.Context(), chi.URLParam(r, "queue"))
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, removedResponse{Removed: n})
}

type cleanRequest struct {
	GraceMs int64    `json:"graceMs"`
	States  []string `json:"states"`
}

func (srv *Server) cleanQueue(w http.ResponseWriter, r *http.Request) {
	var req cleanRequest
	if err := decode(r, &req); err != nil {
		srv.writeError(w, r, err)
		return
	}
	for _, s := range req.States {
		if !validState(s) {
			srv.writeError(w, r, errors.Wrapf(errBadRequest, "unknown state %q", s))
			return
		}
	}
	grace := time.Duration(req.GraceMs) * time.Millisecond
	n, err := srv.m.Clean(r.Context(), chi.URLParam(r, "queue"), grace, req.States...)
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, removedResponse{Removed: n})
}

func validState(s string) bool {
	for _, state := range jobqueue.States {
		if s == state {
			return true
		}
	}
	return false
}

type scaleRequest struct {
	Workers int `json:"workers"`
}

type scaleResponse struct {
	Queue   string `json:"queue"`
	Workers int    `json:"workers"`
}

func (srv *Server) scaleQueue(w http.ResponseWriter, r *http.Request) {
	var req scaleRequest
	if err := decode(r, &req); err != nil {
		srv.writeError(w, r, err)
		return
	}
	if req.Workers < 0 {
		srv.writeError(w, r, errors.Wrap(errBadRequest, "workers must not be negative"))
		return
	}
	queue := chi.URLParam(r, "queue")
	if err := srv.m.ScaleWorkers(queue, req.Workers); err != nil {
		srv.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, scaleResponse{Queue: queue, Workers: req.Workers})
}

// -- Dead letter queue --

type deadLetterListResponse struct {
	Total   int                    `json:"total"`
	Records []*jobqueue.DeadLetter `json:"records"`
}

func (srv *Server) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	start, err := queryInt(r, "start", 0)
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	end, err := queryInt(r, "end", -1)
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	order := strings.ToLower(r.URL.Query().Get("order"))
	switch order {
	case "", "asc", "desc":
	default:
		srv.writeError(w, r, errors.Wrapf(errBadRequest, "invalid order %q", order))
		return
	}
	rsp, err := srv.m.DeadLetters().List(r.Context(), chi.URLParam(r, "queue"), jobqueue.ListDeadLettersRequest{
		Start: start,
		End:   end,
		Order: order,
	})
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	records := rsp.Records
	if records == nil {
		records = []*jobqueue.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, deadLetterListResponse{Total: rsp.Total, Records: records})
}

func (srv *Server) lookupDeadLetter(w http.ResponseWriter, r *http.Request) {
	rec, err := srv.m.DeadLetters().Lookup(r.Context(), chi.URLParam(r, "id"))
	if err == nil && rec.Queue != chi.URLParam(r, "queue") {
		err = jobqueue.ErrNotFound
	}
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (srv *Server) retryDeadLetter(w http.ResponseWriter, r *http.Request) {
	job, err := srv.m.DeadLetters().Retry(r.Context(), chi.URLParam(r, "queue"), chi.URLParam(r, "id"), queryBool(r, "force"))
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, jobResponse{ID: job.ID})
}

type retryAllRequest struct {
	BatchSize int   `json:"batchSize"`
	DelayMs   int64 `json:"delayMs"`
}

func (srv *Server) retryAllDeadLetters(w http.ResponseWriter, r *http.Request) {
	var req retryAllRequest
	if err := decode(r, &req); err != nil {
		srv.writeError(w, r, err)
		return
	}
	res, err := srv.m.DeadLetters().RetryAll(r.Context(), chi.URLParam(r, "queue"), jobqueue.RetryAllOptions{
		BatchSize: req.BatchSize,
		Delay:     time.Duration(req.DelayMs) * time.Millisecond,
	})
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (srv *Server) exportDeadLetters(w http.ResponseWriter, r *http.Request) {
	format := strings.ToLower(r.URL.Query().Get("format"))
	if format == "" {
		format = jobqueue.ExportJSON
	}
	var contentType string
	switch format {
	case jobqueue.ExportJSON:
		contentType = "application/json"
	case jobqueue.ExportCSV:
		contentType = "text/csv"
	default:
		srv.writeError(w, r, errors.Wrapf(errBadRequest, "unsupported format %q", format))
		return
	}
	var buf bytes.Buffer
	err := srv.m.DeadLetters().Export(r.Context(), &buf, format, jobqueue.ExportOptions{
		Queue:          r.URL.Query().Get("queue"),
		IncludePayload: queryBool(r, "payload"),
	})
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", "attachment; filename=dead-letters."+format)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (srv *Server) cleanupDeadLetters(w http.ResponseWriter, r *http.Request) {
	days, err := queryInt(r, "retentionDays", -1)
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	if days < 0 {
		srv.writeError(w, r, errors.Wrap(errBadRequest, "retentionDays is required"))
		return
	}
	n, err := srv.m.DeadLetters().Cleanup(r.Context(), days)
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, removedResponse{Removed: n})
}

func (srv *Server) deadLetterStats(w http.ResponseWriter, r *http.Request) {
	top, err := queryInt(r, "top", 10)
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	stats, err := srv.m.DeadLetters().Statistics(r.Context(), top)
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (srv *Server) deadLetterPatterns(w http.ResponseWriter, r *http.Request) {
	patterns := srv.m.DeadLetters().Patterns()
	if patterns == nil {
		patterns = []*jobqueue.FailurePattern{}
	}
	writeJSON(w, http.StatusOK, patterns)
}
