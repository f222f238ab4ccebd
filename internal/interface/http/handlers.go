package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/alem-hub/progress-engine/config"
	"github.com/alem-hub/progress-engine/internal/application/command"
	"github.com/alem-hub/progress-engine/internal/application/query"
	"github.com/alem-hub/progress-engine/internal/domain/achievement"
	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/ranking"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// HEALTH
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) handleHealth(c *gin.Context) {
	status := s.deps.Health.Check(c.Request.Context())
	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

// ══════════════════════════════════════════════════════════════════════════════
// EVENTS
// ══════════════════════════════════════════════════════════════════════════════

// handleIngestEvents accepts a single event, an array of events or
// {"events": [...]}. Valid events are queued even when others are rejected.
func (s *Server) handleIngestEvents(c *gin.Context) {
	if s.deps.Ingest == nil {
		writeJSONError(c, http.StatusServiceUnavailable, "unavailable", "event ingestion is not configured")
		return
	}

	body, err := c.GetRawData()
	if err != nil {
		writeJSONError(c, http.StatusBadRequest, "invalid_body", "cannot read request body")
		return
	}
	events, err := decodeEvents(body)
	if err != nil {
		writeJSONError(c, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if len(events) > s.config.MaxBatchSize {
		writeJSONError(c, http.StatusRequestEntityTooLarge, "batch_too_large",
			fmt.Sprintf("at most %d events per request", s.config.MaxBatchSize))
		return
	}

	result, err := s.deps.Ingest.Handle(c.Request.Context(), command.IngestEventsCommand{Events: events})
	if err != nil {
		s.writeDomainError(c, err, result)
		return
	}
	if len(result.Accepted) == 0 {
		writeJSONErrorWithData(c, http.StatusBadRequest, "validation_failed", "no event was accepted", result)
		return
	}
	writeJSON(c, http.StatusAccepted, result)
}

func decodeEvents(body []byte) ([]progress.RawEvent, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, errors.New("empty body")
	}

	if body[0] == '[' {
		var events []progress.RawEvent
		if err := json.Unmarshal(body, &events); err != nil {
			return nil, fmt.Errorf("invalid event array: %w", err)
		}
		return events, nil
	}

	var batch struct {
		Events *[]progress.RawEvent `json:"events"`
	}
	if err := json.Unmarshal(body, &batch); err != nil {
		return nil, fmt.Errorf("invalid event: %w", err)
	}
	if batch.Events != nil {
		return *batch.Events, nil
	}

	var single progress.RawEvent
	if err := json.Unmarshal(body, &single); err != nil {
		return nil, fmt.Errorf("invalid event: %w", err)
	}
	return []progress.RawEvent{single}, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// READS
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) handleGetProgress(c *gin.Context) {
	if s.deps.Progress == nil {
		writeJSONError(c, http.StatusServiceUnavailable, "unavailable", "progress reads are not configured")
		return
	}
	dto, err := s.deps.Progress.Handle(c.Request.Context(), query.GetProgressQuery{UserID: c.Param("userId")})
	if err != nil {
		s.writeDomainError(c, err, nil)
		return
	}
	writeJSON(c, http.StatusOK, dto)
}

func (s *Server) handleGetUnlocks(c *gin.Context) {
	if s.deps.Unlocks == nil {
		writeJSONError(c, http.StatusServiceUnavailable, "unavailable", "unlock reads are not configured")
		return
	}
	q := query.GetUnlocksQuery{UserID: c.Param("userId"), Kind: achievement.Kind(c.Query("kind"))}
	if err := q.Validate(); err != nil {
		writeJSONError(c, http.StatusBadRequest, "invalid_query", err.Error())
		return
	}
	dto, err := s.deps.Unlocks.Handle(c.Request.Context(), q)
	if err != nil {
		s.writeDomainError(c, err, nil)
		return
	}
	writeJSON(c, http.StatusOK, dto)
}

// ══════════════════════════════════════════════════════════════════════════════
// RANKING
// ══════════════════════════════════════════════════════════════════════════════

type adjustRequest struct {
	Query   string `json:"query"`
	Context struct {
		UserID  string `json:"userId"`
		Persona string `json:"persona"`
		Phase   string `json:"phase"`
	} `json:"context"`
	Candidates []ranking.Candidate `json:"candidates"`
	Limit      int                 `json:"limit"`
}

func (s *Server) handleAdjustRanking(c *gin.Context) {
	if s.deps.Ranking == nil {
		writeJSONError(c, http.StatusServiceUnavailable, "unavailable", "ranking is not configured")
		return
	}

	var req adjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSONError(c, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}

	res, err := s.deps.Ranking.Handle(c.Request.Context(), query.AdjustRankingQuery{
		Query:      req.Query,
		UserID:     req.Context.UserID,
		Persona:    req.Context.Persona,
		Phase:      req.Context.Phase,
		Candidates: req.Candidates,
		Limit:      req.Limit,
	})
	if err != nil {
		s.writeDomainError(c, err, nil)
		return
	}
	writeJSON(c, http.StatusOK, res)
}

// ══════════════════════════════════════════════════════════════════════════════
// ADMIN
// ══════════════════════════════════════════════════════════════════════════════

type reloadResponse struct {
	Revision     int64    `json:"revision"`
	Achievements int      `json:"achievements"`
	Milestones   int      `json:"milestones"`
	Rules        int      `json:"rules"`
	Sources      []string `json:"sources"`
}

func (s *Server) handleReload(c *gin.Context) {
	if s.deps.Reloader == nil {
		writeJSONError(c, http.StatusServiceUnavailable, "unavailable", "definitions reload is not configured")
		return
	}
	if s.deps.Features != nil && !s.deps.Features.IsEnabled(config.FeatureAdminReload, "") {
		writeJSONError(c, http.StatusForbidden, "disabled", "definitions reload is disabled")
		return
	}

	b, err := s.deps.Reloader.Reload(c.Request.Context())
	if err != nil {
		s.writeDomainError(c, err, nil)
		return
	}
	achievements, milestones, rules := b.Counts()
	writeJSON(c, http.StatusOK, reloadResponse{
		Revision:     b.Revision,
		Achievements: achievements,
		Milestones:   milestones,
		Rules:        rules,
		Sources:      b.Sources,
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// ERROR MAPPING
// ══════════════════════════════════════════════════════════════════════════════

// statusFor maps an error kind to an HTTP status and a stable code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, shared.ErrUnknownReference):
		return http.StatusBadRequest, "unknown_reference"
	case shared.IsValidation(err):
		return http.StatusBadRequest, "invalid_request"
	case shared.IsConfig(err):
		return http.StatusUnprocessableEntity, "invalid_definitions"
	case shared.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, shared.ErrConcurrencyConflict),
		errors.Is(err, shared.ErrConcurrencyExhausted),
		errors.Is(err, shared.ErrAlreadyProcessed),
		errors.Is(err, shared.ErrAlreadyExists):
		return http.StatusConflict, "conflict"
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, shared.ErrTimeout),
		errors.Is(err, shared.ErrServiceUnavailable),
		shared.IsExternalService(err):
		return http.StatusServiceUnavailable, "unavailable"
	case errors.Is(err, shared.ErrInvalidFormat):
		return http.StatusBadGateway, "bad_upstream"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (s *Server) writeDomainError(c *gin.Context, err error, data any) {
	status, code := statusFor(err)
	log := logger.FromContext(c.Request.Context())
	if status >= 500 {
		log.Error("request failed", logger.String("code", code), logger.Err(err))
	} else {
		log.Debug("request rejected", logger.String("code", code), logger.Err(err))
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "an unexpected error occurred"
	}
	writeJSONErrorWithData(c, status, code, msg, data)
}
