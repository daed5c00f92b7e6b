package handlers

import (
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/claim-desk/internal/claims"
	"github.com/suPer8Hu/claim-desk/internal/common"
	"github.com/suPer8Hu/claim-desk/internal/config"
	"github.com/suPer8Hu/claim-desk/internal/httpapi/middleware"
	"github.com/suPer8Hu/claim-desk/internal/session"
)

type Handler struct {
	Cfg      config.Config
	Svc      *claims.Service
	Hub      *Hub
	Sessions *session.Router
}

func NewHandler(cfg config.Config, svc *claims.Service, hub *Hub, sessions *session.Router) *Handler {
	return &Handler{Cfg: cfg, Svc: svc, Hub: hub, Sessions: sessions}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true, "sessions": h.Sessions.Len()})
}

// fail maps claim errors onto the envelope; anything unknown is a 500.
func fail(c *gin.Context, err error, msg string) {
	switch {
	case errors.Is(err, claims.ErrNotFound):
		common.Fail(c, http.StatusNotFound, 40004, "claim not found")
	case errors.Is(err, claims.ErrClaimLocked):
		common.Fail(c, http.StatusConflict, 40901, "claim already submitted")
	case errors.Is(err, claims.ErrNotAwaitingReply):
		common.Fail(c, http.StatusConflict, 40902, "claim is not awaiting a merchant response")
	case errors.Is(err, claims.ErrEmptyInput):
		common.Fail(c, http.StatusBadRequest, 10003, "message is required")
	default:
		log.Printf("[HTTP] %s request_id=%s path=%s err=%v",
			msg, c.GetString(middleware.RequestIDKey), c.Request.URL.Path, err)
		common.Fail(c, http.StatusInternalServerError, 50001, msg)
	}
}

func claimIDParam(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		common.Fail(c, http.StatusBadRequest, 10004, "invalid claim id")
		return 0, false
	}
	return id, true
}

func identityFromContext(c *gin.Context) (string, bool) {
	id, ok := middleware.Identity(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
	}
	return id, ok
}

// ownedClaim resolves :id and checks the caller owns it. Someone else's
// claim is reported as not found.
func (h *Handler) ownedClaim(c *gin.Context) (uint64, bool) {
	identity, ok := identityFromContext(c)
	if !ok {
		return 0, false
	}
	id, ok := claimIDParam(c)
	if !ok {
		return 0, false
	}
	if _, err := h.Svc.ClaimOwnedBy(c.Request.Context(), id, identity); err != nil {
		fail(c, err, "failed to load claim")
		return 0, false
	}
	return id, true
}
