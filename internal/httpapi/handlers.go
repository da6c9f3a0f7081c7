package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/openweavr/weavr/internal/scheduler"
	"github.com/openweavr/weavr/internal/store"
	"github.com/openweavr/weavr/pkg/schema"
)

// --- Webhooks ---

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	raw, ok := s.readBody(w, r)
	if !ok {
		return
	}

	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}

	res := s.deps.Scheduler.TriggerWebhook(vars["source"], scheduler.WebhookPayload{
		Body:    decodeBody(r.Header.Get("Content-Type"), raw),
		Headers: headers,
		Path:    vars["path"],
	})
	respondWithJSON(w, http.StatusAccepted, res)
}

// decodeBody parses JSON bodies; anything else is passed on as text.
func decodeBody(contentType string, raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	mt, _, _ := mime.ParseMediaType(contentType)
	if mt == "application/json" || strings.HasSuffix(mt, "+json") || mt == "" {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
	}
	return string(raw)
}

// --- Workflows ---

func (s *Server) handleListWorkflows(w http.ResponseWriter, _ *http.Request) {
	respondWithJSON(w, http.StatusOK, s.deps.Scheduler.List())
}

// handleDeployWorkflow schedules the YAML (or JSON) source in the body under
// the path name.
func (s *Server) handleDeployWorkflow(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	raw, ok := s.readBody(w, r)
	if !ok {
		return
	}
	if err := s.deps.Scheduler.ScheduleWorkflow(name, string(raw)); err != nil {
		s.respondWithSchemaError(w, err)
		return
	}
	rec, _ := s.deps.Scheduler.Get(name)
	respondWithJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Scheduler.UnscheduleWorkflow(mux.Vars(r)["name"]); err != nil {
		s.respondWithSchemaError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRunWorkflow starts a manual run. The optional JSON object body becomes
// the trigger payload.
func (s *Server) handleRunWorkflow(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	raw, ok := s.readBody(w, r)
	if !ok {
		return
	}
	payload := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &payload); err != nil {
			respondWithError(w, http.StatusBadRequest, "payload must be a JSON object")
			return
		}
	}
	runID, err := s.deps.Scheduler.RunWorkflow(name, payload)
	if err != nil {
		s.respondWithSchemaError(w, err)
		return
	}
	respondWithJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

func (s *Server) handleWorkflowRunLog(w http.ResponseWriter, r *http.Request) {
	if s.deps.RunLog == nil {
		respondWithError(w, http.StatusNotFound, "run log is not configured")
		return
	}
	runs, err := s.deps.RunLog.ListRuns(r.Context(), store.RunFilter{
		Workflow: mux.Vars(r)["name"],
		Status:   r.URL.Query().Get("status"),
		Limit:    queryInt(r, "limit", 50),
	})
	if err != nil {
		s.respondWithSchemaError(w, err)
		return
	}
	if runs == nil {
		runs = []*store.RunEntry{}
	}
	respondWithJSON(w, http.StatusOK, runs)
}

// --- Runs ---

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	workflow, status := q.Get("workflow"), q.Get("status")
	limit := queryInt(r, "limit", 0)

	out := make([]*schema.Run, 0)
	for _, run := range s.deps.History.List() {
		if workflow != "" && run.Workflow != workflow {
			continue
		}
		if status != "" && string(run.Status) != status {
			continue
		}
		out = append(out, run)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	respondWithJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	run, ok := s.deps.History.Get(id)
	if !ok {
		respondWithError(w, http.StatusNotFound, "run "+id+" not found")
		return
	}
	respondWithJSON(w, http.StatusOK, run)
}

// --- Schedules ---

func (s *Server) handleListSchedules(w http.ResponseWriter, _ *http.Request) {
	respondWithJSON(w, http.StatusOK, s.deps.Scheduler.List())
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	rec, ok := s.deps.Scheduler.Get(name)
	if !ok {
		respondWithError(w, http.StatusNotFound, "workflow "+name+" is not scheduled")
		return
	}
	respondWithJSON(w, http.StatusOK, rec)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.setPaused(w, mux.Vars(r)["name"], true)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.setPaused(w, mux.Vars(r)["name"], false)
}

func (s *Server) setPaused(w http.ResponseWriter, name string, paused bool) {
	var err error
	if paused {
		err = s.deps.Scheduler.PauseWorkflow(name)
	} else {
		err = s.deps.Scheduler.ResumeWorkflow(name)
	}
	if err != nil {
		s.respondWithSchemaError(w, err)
		return
	}
	rec, _ := s.deps.Scheduler.Get(name)
	respondWithJSON(w, http.StatusOK, rec)
}

// --- Helpers ---

// readBody reads at most MaxBodyBytes and writes the error response itself
// when it fails.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	defer r.Body.Close()
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.deps.MaxBodyBytes))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			respondWithError(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			respondWithError(w, http.StatusBadRequest, "read body: "+err.Error())
		}
		return nil, false
	}
	return raw, true
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func statusFor(err error) int {
	switch schema.CodeOf(err) {
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeParse, schema.ErrCodeValidation, schema.ErrCodeUnknownDependency, schema.ErrCodeCyclicDependency:
		return http.StatusBadRequest
	case schema.ErrCodeSchedulerBinding, schema.ErrCodeDuplicateRegistration:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondWithSchemaError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.deps.Logger.Error("request failed", zap.Error(err))
	}
	var se *schema.Error
	if errors.As(err, &se) {
		respondWithJSON(w, status, map[string]any{"error": se})
		return
	}
	respondWithError(w, status, err.Error())
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(response)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]any{"error": map[string]string{"message": message}})
}
