package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/claim-desk/internal/common"
	"github.com/suPer8Hu/claim-desk/internal/httpapi/handlers"
	"github.com/suPer8Hu/claim-desk/internal/httpapi/middleware"
)

func NewRouter(h *handlers.Handler) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.MaxMultipartMemory = 8 << 20
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{h.Cfg.PublicBaseURL},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Idempotency-Key", middleware.RequestIDHeader},
		ExposeHeaders:    []string{middleware.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.Use(middleware.RequestID())

	r.GET("/ping", h.Ping)
	r.GET("/login/:identity", h.Login)

	// merchant link from the notification email
	r.GET("/merchant/claims/:id", h.MerchantView)
	r.POST("/merchant/claims/:id/reply", h.MerchantReply)

	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(h.Cfg.JWTSecret))
	authGroup.GET("/ws", h.Connect)
	authGroup.GET("/claims", h.ListClaims)
	authGroup.POST("/claims", h.StartClaim)
	authGroup.POST("/claims/:id/answers", h.PostAnswer)
	authGroup.POST("/claims/:id/attachments", h.PostAttachment)
	authGroup.GET("/claims/:id/messages", h.ListMessages)
	authGroup.GET("/claims/:id/structured_data", h.StructuredData)
	return r
}
