package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/ninthseat/engine"
)

func (s *Server) handleToolList(w http.ResponseWriter, r *http.Request) {
	var defs []engine.ToolDefinition
	if s.toolset != nil {
		defs = s.toolset.Definitions()
	}
	if defs == nil {
		defs = []engine.ToolDefinition{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": defs})
}

func (s *Server) handleToolRun(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Tool string         `json:"tool"`
		Args map[string]any `json:"args"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	name := strings.TrimSpace(body.Tool)
	if name == "" {
		writeError(w, http.StatusBadRequest, "tool is required")
		return
	}
	if s.toolset == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("%v: %s", engine.ErrToolNotFound, name))
		return
	}
	result, err := s.toolset.Run(r.Context(), name, body.Args)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	s.logger.Info("tool invoked", "tool", name)
	writeJSON(w, http.StatusOK, result)
}
