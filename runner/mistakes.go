package runner

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/bytedance/sonic"

	"voicetutor/core"
	"voicetutor/storage/mistakes"
)

const maxBodyBytes = 1 << 20

type createMistakesRequest struct {
	UtteranceID string         `json:"utteranceId,omitempty"`
	Mistakes    []core.Mistake `json:"mistakes"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) listMistakes(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "mistake store disabled"})
		return
	}
	list, err := s.store.List(r.Context())
	if err != nil {
		s.logger.Error("listing mistakes failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) createMistakes(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "mistake store disabled"})
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unreadable body"})
		return
	}
	var req createMistakesRequest
	if err := sonic.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json"})
		return
	}
	if msg := validateMistakes(req.Mistakes); msg != "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg})
		return
	}

	saved, err := s.store.CreateMany(r.Context(), req.UtteranceID, req.Mistakes)
	if err != nil {
		s.logger.Error("creating mistakes failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

func (s *Server) getMistake(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "mistake store disabled"})
		return
	}
	m, err := s.store.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, mistakes.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "mistake not found"})
		return
	}
	if err != nil {
		s.logger.Error("loading mistake failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func validateMistakes(ms []core.Mistake) string {
	if ms == nil {
		return "mistakes is required"
	}
	for _, m := range ms {
		if strings.TrimSpace(m.Mistake) == "" || strings.TrimSpace(m.Correct) == "" {
			return "every mistake needs mistake and correct"
		}
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	data, err := sonic.Marshal(v)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}
