package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/JagPat/quantumleap-trading-backend-sub001/internal/emergency"
	"github.com/JagPat/quantumleap-trading-backend-sub001/pkg/errors"
)

func (s *Server) health(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{
		"status": "ok",
		"phase":  s.stopper.Phase(),
	}
	if s.txm.Halted() {
		status = http.StatusServiceUnavailable
		body["status"] = "halted"
	}
	c.JSON(status, body)
}

type stopRequest struct {
	Scope      string `json:"scope" binding:"required"`
	ScopeValue string `json:"scope_value"`
	Reason     string `json:"reason" binding:"required"`
	Actor      string `json:"actor"`
}

func (s *Server) executeStop(c *gin.Context) {
	var req stopRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Actor == "" {
		req.Actor = "api"
	}

	result, err := s.stopper.Execute(c.Request.Context(), emergency.Request{
		Scope:         emergency.Scope(req.Scope),
		ScopeValue:    req.ScopeValue,
		Reason:        req.Reason,
		TriggerSource: emergency.TriggerManual,
		Actor:         req.Actor,
	})
	s.renderStopResult(c, result, err)
}

func (s *Server) panicStop(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
		Actor  string `json:"actor"`
	}
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "panic button"
	}
	if req.Actor == "" {
		req.Actor = "api"
	}

	result, err := s.stopper.Panic(c.Request.Context(), req.Reason, req.Actor)
	s.renderStopResult(c, result, err)
}

func (s *Server) renderStopResult(c *gin.Context, result emergency.Result, err error) {
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"success": true, "result": result})
	case errors.HasCode(err, errors.CodeEmergencyStopPartial):
		// The stop ran; some operations failed. Callers need the counts,
		// not just an error string.
		c.JSON(http.StatusMultiStatus, gin.H{
			"success": false,
			"error":   err.Error(),
			"result":  result,
		})
	case errors.HasCode(err, errors.CodeValidation):
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
	}
}

func (s *Server) stopStatus(c *gin.Context) {
	records, err := s.stopper.History(c.Request.Context(), 500)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	completed := 0
	for _, rec := range records {
		if rec.Status == string(emergency.PhaseCompleted) {
			completed++
		}
	}
	rate := 1.0
	if len(records) > 0 {
		rate = float64(completed) / float64(len(records))
	}
	c.JSON(http.StatusOK, gin.H{
		"system_status":         s.stopper.Phase(),
		"halted":                s.txm.Halted(),
		"total_emergency_stops": len(records),
		"success_rate":          rate,
		"active_stops":          s.stopper.ActiveCount(),
	})
}

func (s *Server) stopHistory(c *gin.Context) {
	records, err := s.stopper.History(c.Request.Context(), 50)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stops": records})
}

func (s *Server) getTransaction(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid transaction id"})
		return
	}
	txn, err := s.txm.Get(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "transaction not found"})
		return
	}
	c.JSON(http.StatusOK, txn)
}

func (s *Server) getLocks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"locks": s.txm.Locks()})
}

func (s *Server) eventHistory(c *gin.Context) {
	var since time.Time
	if raw := c.Query("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC3339"})
			return
		}
		since = parsed
	}
	c.JSON(http.StatusOK, gin.H{"events": s.bus.History(since)})
}

func (s *Server) stateStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.coord.View().Stats())
}
