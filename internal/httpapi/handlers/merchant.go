package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/claim-desk/internal/common"
)

const msgMerchantReplyThanks = "Thank you for your response. We will review the information provided."

// MerchantView is reached from the link in the notification email.
func (h *Handler) MerchantView(c *gin.Context) {
	id, ok := claimIDParam(c)
	if !ok {
		return
	}
	view, err := h.Svc.ViewClaim(c.Request.Context(), id)
	if err != nil {
		fail(c, err, "failed to load claim")
		return
	}
	common.OK(c, view)
}

type merchantReplyReq struct {
	Response string `json:"response" binding:"required"`
}

func (h *Handler) MerchantReply(c *gin.Context) {
	id, ok := claimIDParam(c)
	if !ok {
		return
	}
	var req merchantReplyReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	if err := h.Svc.PostMerchantReply(c.Request.Context(), id, req.Response); err != nil {
		fail(c, err, "failed to record merchant reply")
		return
	}
	common.OK(c, gin.H{"claim_id": id, "message": msgMerchantReplyThanks})
}
