package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lingualeap/apiguard"
	"github.com/lingualeap/apiguard/audit"
	"github.com/lingualeap/apiguard/security"
	"github.com/lingualeap/apiguard/session"
	"github.com/lingualeap/apiguard/storage"
	"github.com/lingualeap/apiguard/tokenguard"
	"github.com/lingualeap/apiguard/validation"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type accessCheckRequest struct {
	Endpoint     string `json:"endpoint" binding:"required"`
	Token        string `json:"token"`
	RequiredRole string `json:"requiredRole"`
}

type accessCheckResponse struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
	UserID  string `json:"userId,omitempty"`
	Role    string `json:"role,omitempty"`
}

// checkAccess answers an access decision. Denials use the status of their error
// so the route can back a reverse proxy's forward-auth hook.
func (s *Server) checkAccess(c *gin.Context) {
	var req accessCheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "endpoint is required")
		return
	}
	token := req.Token
	if token == "" {
		token = bearerToken(c.Request)
	}

	d := s.guard.Authorize(c.Request.Context(), req.Endpoint, token, req.RequiredRole)
	status := http.StatusOK
	if !d.Allowed && d.Err != nil {
		status = d.Err.HTTPStatus()
	}
	c.JSON(status, accessCheckResponse{
		Allowed: d.Allowed,
		Reason:  d.Reason,
		UserID:  d.UserID,
		Role:    d.Role,
	})
}

type validateRequestBody struct {
	Endpoint string           `json:"endpoint" binding:"required"`
	Method   string           `json:"method" binding:"required"`
	Payload  map[string]any   `json:"payload"`
	Rules    validation.Rules `json:"rules"`
}

func (s *Server) validateRequest(c *gin.Context) {
	var req validateRequestBody
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "endpoint and method are required")
		return
	}

	result := s.guard.ValidateRequest(c.Request.Context(), req.Endpoint, req.Method, req.Payload, req.Rules)
	status := http.StatusOK
	if !result.IsValid {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, result)
}

type sanitizeBody struct {
	Value any `json:"value"`
}

func (s *Server) sanitize(c *gin.Context) {
	var req sanitizeBody
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "body must be a JSON object with a value field")
		return
	}
	c.JSON(http.StatusOK, sanitizeBody{Value: s.guard.SanitizeInput(req.Value)})
}

// sessionResponse never carries the anti-fixation token except on creation
type sessionResponse struct {
	ID                string    `json:"id"`
	DeviceID          string    `json:"deviceId"`
	IPAddress         string    `json:"ipAddress,omitempty"`
	AntiFixationToken string    `json:"antiFixationToken,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
	LastActivity      time.Time `json:"lastActivity"`
	Flagged           bool      `json:"flagged"`
}

func newSessionResponse(s *storage.Session) sessionResponse {
	return sessionResponse{
		ID:           s.ID,
		DeviceID:     s.DeviceID,
		IPAddress:    s.IPAddress,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.LastActivity,
		Flagged:      s.Flagged,
	}
}

type createSessionRequest struct {
	DeviceID string `json:"deviceId" binding:"required"`
}

func (s *Server) createSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "deviceId is required")
		return
	}
	ctx := c.Request.Context()
	d := decisionFrom(c)
	ip := security.ClientIPFromContext(ctx)

	sess, err := s.guard.Sessions().CreateSession(ctx, session.CreateRequest{
		UserID:    d.UserID,
		DeviceID:  req.DeviceID,
		IPAddress: ip,
	})
	if err != nil {
		s.fail(c, "Failed to create session", err)
		return
	}

	if _, err := s.guard.Audit().LogAction(ctx, audit.Action{
		UserID:    d.UserID,
		Action:    "session_created",
		IPAddress: ip,
		Metadata:  map[string]any{"session_id": sess.ID, "device_id": req.DeviceID},
	}); err != nil {
		s.logger.Warn("Session created without audit entry", "error", err)
	}

	resp := newSessionResponse(sess)
	resp.AntiFixationToken = sess.AntiFixationToken
	c.JSON(http.StatusCreated, resp)
}

type validateSessionRequest struct {
	SessionID         string `json:"sessionId" binding:"required"`
	AntiFixationToken string `json:"antiFixationToken" binding:"required"`
	DeviceID          string `json:"deviceId" binding:"required"`
}

type validateSessionResponse struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason"`
}

// validateSession checks a session and, when it is valid, records the caller's
// current address for hopping detection
func (s *Server) validateSession(c *gin.Context) {
	var req validateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "sessionId, antiFixationToken and deviceId are required")
		return
	}
	ctx := c.Request.Context()

	reason := s.guard.Sessions().Check(ctx, req.SessionID, req.AntiFixationToken, req.DeviceID)
	valid := reason == session.ReasonValid
	if valid {
		if _, err := s.guard.Sessions().UpdateSessionIP(ctx, req.SessionID, security.ClientIPFromContext(ctx)); err != nil {
			s.logger.Warn("Failed to record session address", "error", err)
		}
	}

	status := http.StatusOK
	if reason == session.ReasonStoreUnavailable {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, validateSessionResponse{Valid: valid, Reason: reason})
}

func (s *Server) listSessions(c *gin.Context) {
	d := decisionFrom(c)
	sessions, err := s.guard.Sessions().ActiveSessions(c.Request.Context(), d.UserID)
	if err != nil {
		s.fail(c, "Failed to list sessions", err)
		return
	}
	out := make([]sessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, newSessionResponse(sess))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

// deleteSession ends one of the caller's own sessions
func (s *Server) deleteSession(c *gin.Context) {
	ctx := c.Request.Context()
	d := decisionFrom(c)
	id := c.Param("id")

	sessions, err := s.guard.Sessions().ActiveSessions(ctx, d.UserID)
	if err != nil {
		s.fail(c, "Failed to list sessions", err)
		return
	}
	owned := false
	for _, sess := range sessions {
		if sess.ID == id {
			owned = true
			break
		}
	}
	if !owned {
		abortWithError(c, apiguard.NewError(apiguard.KindValidation, apiguard.ErrorCodeNotFound, "session not found"))
		return
	}

	if err := s.guard.Sessions().DestroySession(ctx, id); err != nil {
		s.fail(c, "Failed to destroy session", err)
		return
	}
	c.Status(http.StatusNoContent)
}

type logoutRequest struct {
	SessionID string `json:"sessionId"`
}

func (s *Server) logout(c *gin.Context) {
	var req logoutRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid logout request")
			return
		}
	}
	if err := s.guard.Logout(c.Request.Context(), bearerToken(c.Request), req.SessionID); err != nil {
		s.fail(c, "Logout failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

type revokeRequest struct {
	Token  string `json:"token" binding:"required"`
	Reason string `json:"reason"`
	UserID string `json:"userId"`
}

func (s *Server) revokeToken(c *gin.Context) {
	var req revokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "token is required")
		return
	}
	if req.Reason == "" {
		req.Reason = tokenguard.ReasonAdminRevoked
	}
	if err := s.guard.Tokens().Revoke(c.Request.Context(), tokenguard.Revocation{
		Token:  req.Token,
		Reason: req.Reason,
		UserID: req.UserID,
	}); err != nil {
		s.fail(c, "Token revocation failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

type tokenStateRequest struct {
	Token string `json:"token" binding:"required"`
}

func (s *Server) tokenState(c *gin.Context) {
	var req tokenStateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "token is required")
		return
	}
	state, err := s.guard.Tokens().State(c.Request.Context(), req.Token)
	if err != nil {
		s.fail(c, "Token state lookup failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": state})
}

func (s *Server) userAuditLogs(c *gin.Context) {
	limit, ok := listLimit(c)
	if !ok {
		return
	}
	entries, err := s.guard.Audit().GetUserLogs(c.Request.Context(), c.Param("userId"), limit)
	if err != nil {
		s.fail(c, "Failed to read audit log", err)
		return
	}
	out := make([]audit.ExportedEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, audit.Exported(e))
	}
	c.JSON(http.StatusOK, gin.H{"logs": out})
}

func (s *Server) auditEntry(c *gin.Context) {
	entry, err := s.guard.Audit().GetLog(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, "Failed to read audit entry", err)
		return
	}
	c.JSON(http.StatusOK, audit.Exported(entry))
}

func (s *Server) verifyAuditEntry(c *gin.Context) {
	valid, err := s.guard.Audit().VerifyLogIntegrity(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, "Failed to verify audit entry", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": valid})
}

func (s *Server) verifyAuditRange(c *gin.Context) {
	start, end, ok := timeRange(c)
	if !ok {
		return
	}
	report, err := s.guard.Audit().VerifyRange(c.Request.Context(), start, end)
	if err != nil {
		s.fail(c, "Failed to verify audit range", err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) exportAudit(c *gin.Context) {
	start, end, ok := timeRange(c)
	if !ok {
		return
	}
	export, err := s.guard.Audit().ExportLogs(c.Request.Context(), start, end)
	if err != nil {
		s.fail(c, "Failed to export audit log", err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="audit-export.json"`)
	c.JSON(http.StatusOK, export)
}

type roleBody struct {
	Role       string `json:"role" binding:"required"`
	ParentRole string `json:"parentRole"`
}

func (s *Server) getRole(c *gin.Context) {
	a, err := s.guard.Roles().GetRole(c.Request.Context(), c.Param("userId"))
	if err != nil {
		s.fail(c, "Failed to read role", err)
		return
	}
	c.JSON(http.StatusOK, roleBody{Role: a.Role, ParentRole: a.ParentRole})
}

func (s *Server) setRole(c *gin.Context) {
	var req roleBody
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "role is required")
		return
	}
	ctx := c.Request.Context()
	userID := c.Param("userId")

	if err := s.guard.Roles().SetRole(ctx, &storage.RoleAssignment{
		UserID:     userID,
		Role:       req.Role,
		ParentRole: req.ParentRole,
	}); err != nil {
		s.fail(c, "Failed to assign role", err)
		return
	}
	if _, err := s.guard.Audit().LogAction(ctx, audit.Action{
		UserID:    userID,
		Action:    "role_assigned",
		IPAddress: security.ClientIPFromContext(ctx),
		Metadata:  map[string]any{"role": req.Role, "parent_role": req.ParentRole},
	}); err != nil {
		s.logger.Warn("Role assigned without audit entry", "error", err)
	}
	c.JSON(http.StatusOK, req)
}

type eventResponse struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Severity  string         `json:"severity"`
	UserID    string         `json:"userId,omitempty"`
	IP        string         `json:"ip,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

func (s *Server) listEvents(c *gin.Context) {
	limit, ok := listLimit(c)
	if !ok {
		return
	}
	filter := storage.EventFilter{
		UserID: c.Query("userId"),
		Type:   c.Query("type"),
		Limit:  limit,
	}
	if since := c.Query("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			badRequest(c, "since must be an RFC 3339 timestamp")
			return
		}
		filter.Since = t
	}

	events, err := s.events.ListEvents(c.Request.Context(), filter)
	if err != nil {
		s.fail(c, "Failed to list security events", err)
		return
	}
	out := make([]eventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, eventResponse{
			ID:        e.ID,
			Type:      e.Type,
			Severity:  e.Severity,
			UserID:    e.UserID,
			IP:        e.IP,
			Details:   e.Details,
			Timestamp: e.Timestamp,
		})
	}
	c.JSON(http.StatusOK, gin.H{"events": out})
}

func (s *Server) listJobs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"jobs": s.jobs.Jobs()})
}

func (s *Server) runJob(c *gin.Context) {
	name := c.Param("name")
	known := false
	for _, j := range s.jobs.Jobs() {
		if j == name {
			known = true
			break
		}
	}
	if !known {
		abortWithError(c, apiguard.NewError(apiguard.KindValidation, apiguard.ErrorCodeNotFound, "job not found"))
		return
	}

	affected, err := s.jobs.RunNow(c.Request.Context(), name)
	if err != nil {
		s.fail(c, "Job failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": name, "affected": affected})
}

// listLimit parses ?limit, writing a 400 on bad input
func listLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > maxListLimit {
		badRequest(c, "limit must be between 1 and "+strconv.Itoa(maxListLimit))
		return 0, false
	}
	return n, true
}

// timeRange parses ?start and ?end as RFC 3339, writing a 400 on bad input
func timeRange(c *gin.Context) (time.Time, time.Time, bool) {
	start, err := time.Parse(time.RFC3339, c.Query("start"))
	if err != nil {
		badRequest(c, "start must be an RFC 3339 timestamp")
		return time.Time{}, time.Time{}, false
	}
	end, err := time.Parse(time.RFC3339, c.Query("end"))
	if err != nil {
		badRequest(c, "end must be an RFC 3339 timestamp")
		return time.Time{}, time.Time{}, false
	}
	if end.Before(start) {
		badRequest(c, "end must not be before start")
		return time.Time{}, time.Time{}, false
	}
	return start, end, true
}
