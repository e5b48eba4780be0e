package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"otpattend/internal/attendance"
	"otpattend/internal/auth"
	"otpattend/internal/log"
	"otpattend/internal/otp"
)

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) bool

type Handler struct {
	svc    *attendance.Service
	checks map[string]HealthCheck
}

func New(svc *attendance.Service, checks map[string]HealthCheck) *Handler {
	return &Handler{svc: svc, checks: checks}
}

// Mount registers the session routes under /v1 behind authn. Extra
// middleware such as rate limiting runs after authentication so it can key
// on the token subject.
func (h *Handler) Mount(r gin.IRouter, authn gin.HandlerFunc, extra ...gin.HandlerFunc) {
	v1 := r.Group("/v1", append([]gin.HandlerFunc{authn, requestLogger}, extra...)...)
	instructor := auth.RequireRole(auth.RoleInstructor)
	student := auth.RequireRole(auth.RoleStudent)

	v1.POST("/sessions/:session_id/credentials", instructor, h.IssueCredential)
	v1.GET("/sessions/:session_id/credentials", instructor, h.History)
	v1.GET("/sessions/:session_id/credentials/active", h.ActiveCredential)
	v1.POST("/sessions/:session_id/verify", student, h.VerifyCode)
	v1.GET("/sessions/:session_id/redemptions", instructor, h.Redemptions)
}

// requestLogger scopes the context logger to the route and caller.
func requestLogger(c *gin.Context) {
	l := log.Logger().With().
		Str("route", c.FullPath()).
		Str("session_id", c.Param("session_id"))
	if claims, ok := auth.ClaimsFrom(c); ok {
		l = l.Str("caller", claims.Subject)
	}
	logger := l.Logger()
	c.Request = c.Request.WithContext(log.WithContext(c.Request.Context(), logger))
	c.Next()
}

// ---------- Health ----------

func (h *Handler) Healthz(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{"status": "ok"}
	for name, check := range h.checks {
		ok := check(c.Request.Context())
		body[name] = ok
		if !ok {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
	}
	c.JSON(status, body)
}

// ---------- Issue ----------

// IssueCredential starts a new generation for the session and returns the
// code for display.
func (h *Handler) IssueCredential(c *gin.Context) {
	cred, err := h.svc.IssueCredential(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, cred)
}

// History lists every generation of the session, superseded ones included.
func (h *Handler) History(c *gin.Context) {
	hist, err := h.svc.History(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if hist == nil {
		hist = []otp.Credential{}
	}
	c.JSON(http.StatusOK, gin.H{"credentials": hist})
}

// ---------- Active ----------

type activeResponse struct {
	SessionID   string    `json:"session_id"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Generation  uint64    `json:"generation"`
	RemainingMS int64     `json:"remaining_ms"`
}

// ActiveCredential returns expiry data without the code.
func (h *Handler) ActiveCredential(c *gin.Context) {
	cred, err := h.svc.ActiveCredential(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, activeResponse{
		SessionID:   cred.SessionID,
		IssuedAt:    cred.IssuedAt,
		ExpiresAt:   cred.ExpiresAt,
		Generation:  cred.Generation,
		RemainingMS: cred.Remaining(h.svc.Now()).Milliseconds(),
	})
}

// ---------- Verify ----------

type verifyRequest struct {
	Code            string    `json:"code" binding:"required"`
	ClientTimestamp time.Time `json:"client_timestamp"`
}

type verifyResponse struct {
	Outcome    otp.Outcome `json:"outcome"`
	Message    string      `json:"message"`
	Generation uint64      `json:"generation,omitempty"`
	RedeemedAt *time.Time  `json:"redeemed_at,omitempty"`
}

// VerifyCode checks a student's submission. The subject always comes from
// the token. Every decided outcome is a 200; only transient failures are not.
func (h *Handler) VerifyCode(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	claims, ok := auth.ClaimsFrom(c)
	if !ok {
		writeError(c, otp.ErrUnauthorized)
		return
	}
	res, err := h.svc.VerifyCode(c.Request.Context(), otp.VerifyRequest{
		SessionID:       c.Param("session_id"),
		SubjectID:       claims.Subject,
		Code:            req.Code,
		ClientTimestamp: req.ClientTimestamp,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, verifyResponse{
		Outcome:    res.Outcome,
		Message:    res.Outcome.Message(),
		Generation: res.Generation,
		RedeemedAt: res.RedeemedAt,
	})
}

// ---------- Redemptions ----------

func (h *Handler) Redemptions(c *gin.Context) {
	recs, err := h.svc.Redemptions(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if recs == nil {
		recs = []otp.RedemptionRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"redemptions": recs})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, otp.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, otp.ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, otp.ErrTransient), errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable, retry"})
	default:
		log.Ctx(c.Request.Context()).Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
