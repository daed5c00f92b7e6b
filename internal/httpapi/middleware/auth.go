package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/claim-desk/internal/auth"
	"github.com/suPer8Hu/claim-desk/internal/common"
)

const (
	IdentityKey = "identity"
	TokenCookie = "claimdesk_token"
)

// AuthRequired accepts the token from the Authorization header, the session
// cookie, or a token query parameter (websocket clients cannot set headers).
func AuthRequired(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tok := bearerToken(c)
		if tok == "" {
			common.Abort(c, http.StatusUnauthorized, 40101, "unauthorized")
			return
		}
		identity, err := auth.ParseJWT(tok, secret)
		if err != nil {
			common.Abort(c, http.StatusUnauthorized, 40102, "invalid token")
			return
		}
		c.Set(IdentityKey, identity)
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		if v, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(v)
		}
	}
	if v, err := c.Cookie(TokenCookie); err == nil && v != "" {
		return v
	}
	return strings.TrimSpace(c.Query("token"))
}

func Identity(c *gin.Context) (string, bool) {
	v, ok := c.Get(IdentityKey)
	if !ok {
		return "", false
	}
	id, ok := v.(string)
	return id, ok && id != ""
}
