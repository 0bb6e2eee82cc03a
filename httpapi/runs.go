package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ninthseat/engine"
)

// heartbeatInterval paces SSE keep-alive comments so proxies do not
// drop quiet streams.
const heartbeatInterval = 15 * time.Second

// runCreateRequest accepts both the snake_case wire field and the
// camelCase variant older clients send.
type runCreateRequest struct {
	Template              engine.Template `json:"template"`
	Inputs                map[string]any  `json:"inputs"`
	RequestedDeliverables []string        `json:"requested_deliverables"`
	RequestedCamel        []string        `json:"requestedDeliverables"`
}

func (req runCreateRequest) requested() []string {
	if len(req.RequestedDeliverables) > 0 {
		return req.RequestedDeliverables
	}
	return req.RequestedCamel
}

func (s *Server) handleRunList(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	runs := s.registry.List(limit)
	if runs == nil {
		runs = []engine.RunSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleRunCreate(w http.ResponseWriter, r *http.Request) {
	var body runCreateRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	run, err := s.registry.Create(engine.CreateRequest{
		Template:              body.Template,
		Inputs:                body.Inputs,
		RequestedDeliverables: body.requested(),
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	s.logger.Info("run created", "runId", run.ID, "workflowId", run.WorkflowID)
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleRunGet(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	run := s.registry.Get(runID)
	if run == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Run %s not found.", runID))
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleRunCancel(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	run := s.registry.Cancel(runID)
	if run == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Run %s not found.", runID))
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleRunDelete(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	summary, err := s.registry.Delete(runID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true, "run": summary})
}

// handleRunEvents streams run progress as server-sent events. Clients
// resume after a disconnect by passing the last seq they saw.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if s.registry.Get(runID) == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Run %s not found.", runID))
		return
	}
	lastSeq := -1
	if raw := r.URL.Query().Get("lastSeq"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			lastSeq = n
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events := make(chan engine.StreamEvent, 16)
	go s.registry.StreamRunEvents(r.Context(), runID, lastSeq, events)

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case event, open := <-events:
			if !open {
				return
			}
			if err := writeSSE(w, event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w io.Writer, event engine.StreamEvent) error {
	data, err := json.Marshal(event.Data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Event, data)
	return err
}

// --- deliverables ---

func (s *Server) handleDeliverableList(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	run := s.registry.Get(runID)
	if run == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Run %s not found.", runID))
		return
	}
	deliverables := run.Deliverables
	if deliverables == nil {
		deliverables = []engine.Deliverable{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runId":        run.ID,
		"deliverables": deliverables,
	})
}

func (s *Server) handleDeliverableGet(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	run := s.registry.Get(runID)
	if run == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Run %s not found.", runID))
		return
	}
	name := chi.URLParam(r, "name")
	var found *engine.Deliverable
	for i := range run.Deliverables {
		if run.Deliverables[i].Name == name {
			found = &run.Deliverables[i]
			break
		}
	}
	if found == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Deliverable %s not found.", name))
		return
	}

	if r.URL.Query().Get("format") == "html" {
		var buf bytes.Buffer
		if err := s.markdown.Convert([]byte(found.Content), &buf); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to render markdown")
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write(buf.Bytes())
		return
	}

	mime := found.MimeType
	if mime == "" {
		mime = "application/octet-stream"
	}
	w.Header().Set("Content-Type", mime)
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(found.Content))
}

// --- planner ---

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	if s.planner == nil {
		writeError(w, http.StatusInternalServerError, "Workflow planner is not configured")
		return
	}
	var body struct {
		Task string `json:"task"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	plan, err := s.planner.PlanWorkflow(r.Context(), body.Task)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}
