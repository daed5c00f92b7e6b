package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/suPer8Hu/claim-desk/internal/auth"
	"github.com/suPer8Hu/claim-desk/internal/common"
	"github.com/suPer8Hu/claim-desk/internal/httpapi/middleware"
)

const tokenTTL = 30 * 24 * time.Hour

// Login reuses the identity in the path, or mints one for "new", and hands
// back a token carrying it.
func (h *Handler) Login(c *gin.Context) {
	identity := strings.TrimSpace(c.Param("identity"))
	if identity == "" || strings.EqualFold(identity, "new") {
		identity = uuid.NewString()
	}
	if len(identity) > 64 {
		common.Fail(c, http.StatusBadRequest, 10005, "identity too long")
		return
	}

	if _, err := h.Svc.Login(c.Request.Context(), identity); err != nil {
		fail(c, err, "failed to login")
		return
	}
	token, err := auth.SignJWT(identity, h.Cfg.JWTSecret, tokenTTL)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50002, "failed to sign token")
		return
	}

	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(middleware.TokenCookie, token, int(tokenTTL.Seconds()), "/", "", false, true)
	common.OK(c, gin.H{"identity": identity, "token": token})
}
