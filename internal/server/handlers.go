package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/stellarlinkco/consultant/internal/consult"
)

const (
	defaultListLimit = 20
	maxListLimit     = 200
	maxBodyBytes     = 1 << 20
)

func (s *Server) handleConsult(c Consulter) http.HandlerFunc {
	id := c.Persona().ID
	return func(w http.ResponseWriter, r *http.Request) {
		var req consult.Request
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if err := s.validate.Struct(req); err != nil {
			writeError(w, http.StatusBadRequest, validationMessage(err))
			return
		}

		log.Printf("[server] %s request session=%q", id, req.SessionID)
		resp := c.Process(r.Context(), req)
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	var req ClassifyRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	writeJSON(w, http.StatusOK, s.classifier.Classify(req.Message, req.History))
}

func (s *Server) handleListConsultations(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "store not configured")
		return
	}

	email := strings.TrimSpace(r.URL.Query().Get("email"))
	if email != "" {
		if err := s.validate.Var(email, "email"); err != nil {
			writeError(w, http.StatusBadRequest, "invalid email")
			return
		}
	}

	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, maxListLimit)
	}

	plans, err := s.store.ListConsultations(r.Context(), email, limit)
	if err != nil {
		log.Printf("[server] list consultations: %v", err)
		writeError(w, http.StatusInternalServerError, "list consultations failed")
		return
	}
	writeJSON(w, http.StatusOK, plans)
}

func (s *Server) handleChatHistory(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "store not configured")
		return
	}

	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid consultation id")
		return
	}

	records, err := s.store.ChatHistory(r.Context(), id)
	if err != nil {
		log.Printf("[server] chat history %d: %v", id, err)
		writeError(w, http.StatusInternalServerError, "load chat history failed")
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ids := make([]string, 0, len(s.consulters))
	for _, c := range s.consulters {
		ids = append(ids, c.Persona().ID)
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Personas: ids})
}

func (s *Server) handleAgentCard(w http.ResponseWriter, r *http.Request) {
	card := AgentCard{Name: s.name, Version: s.version, Skills: make([]AgentSkill, 0, len(s.consulters))}
	for _, c := range s.consulters {
		p := c.Persona()
		card.Skills = append(card.Skills, AgentSkill{
			ID:          p.ID,
			Name:        p.Name,
			Description: p.Description,
			Endpoint:    p.Endpoint,
		})
	}
	writeJSON(w, http.StatusOK, card)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request"
	}
	fe := verrs[0]
	if fe.Tag() == "email" {
		return "invalid email"
	}
	return "invalid field " + fe.Field()
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, ErrorResponse{Status: consult.StatusError, Message: msg})
}

func writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}
