package handlers

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/claim-desk/internal/claims"
	"github.com/suPer8Hu/claim-desk/internal/common"
)

const maxUploadBytes = 20 << 20

// used when the client opens a claim without transaction details
var demoTransaction = claims.Transaction{
	Name:          "Purchase at ABC Store",
	Date:          "2023-10-15",
	MerchantName:  "ABC Store",
	MerchantEmail: "merchant@example.com",
	TransactionID: "TX1234567890",
}

type startClaimReq struct {
	Transaction *claims.Transaction `json:"transaction"`
}

func (h *Handler) StartClaim(c *gin.Context) {
	identity, ok := identityFromContext(c)
	if !ok {
		return
	}

	var req startClaimReq
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
			return
		}
	}
	tx := demoTransaction
	if req.Transaction != nil {
		tx = *req.Transaction
	}

	reply, err := h.Svc.StartClaim(c.Request.Context(), identity, tx)
	if err != nil {
		fail(c, err, "failed to start claim")
		return
	}
	common.OK(c, reply)
}

func (h *Handler) ListClaims(c *gin.Context) {
	identity, ok := identityFromContext(c)
	if !ok {
		return
	}
	list, err := h.Svc.ListClaims(c.Request.Context(), identity)
	if err != nil {
		fail(c, err, "failed to list claims")
		return
	}
	common.OK(c, gin.H{"claims": list})
}

type postAnswerReq struct {
	Message        string `json:"message" binding:"required"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (h *Handler) PostAnswer(c *gin.Context) {
	id, ok := h.ownedClaim(c)
	if !ok {
		return
	}

	var req postAnswerReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	key := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if key == "" {
		key = strings.TrimSpace(req.IdempotencyKey)
	}

	reply, err := h.Svc.PostAnswer(c.Request.Context(), id, req.Message, key)
	if err != nil {
		fail(c, err, "failed to post answer")
		return
	}
	common.OK(c, reply)
}

func (h *Handler) PostAttachment(c *gin.Context) {
	id, ok := h.ownedClaim(c)
	if !ok {
		return
	}

	fh, err := c.FormFile("file")
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10006, "file is required")
		return
	}
	if fh.Size > maxUploadBytes {
		common.Fail(c, http.StatusRequestEntityTooLarge, 41301, "file too large")
		return
	}
	f, err := fh.Open()
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10006, "file is unreadable")
		return
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxUploadBytes+1))
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10006, "file is unreadable")
		return
	}
	if len(data) == 0 {
		common.Fail(c, http.StatusBadRequest, 10006, "file is empty")
		return
	}
	if len(data) > maxUploadBytes {
		common.Fail(c, http.StatusRequestEntityTooLarge, 41301, "file too large")
		return
	}

	file, reply, err := h.Svc.PostAttachment(c.Request.Context(), id, fh.Filename, data)
	if err != nil {
		fail(c, err, "failed to store attachment")
		return
	}
	common.OK(c, gin.H{"file": file, "reply": reply})
}

func (h *Handler) ListMessages(c *gin.Context) {
	id, ok := h.ownedClaim(c)
	if !ok {
		return
	}
	tr, err := h.Svc.GetTranscript(c.Request.Context(), id)
	if err != nil {
		fail(c, err, "failed to load messages")
		return
	}
	common.OK(c, tr)
}

func (h *Handler) StructuredData(c *gin.Context) {
	id, ok := h.ownedClaim(c)
	if !ok {
		return
	}
	tr, err := h.Svc.GetTranscript(c.Request.Context(), id)
	if err != nil {
		fail(c, err, "failed to load claim")
		return
	}
	common.OK(c, gin.H{
		"claim_id":        id,
		"state":           tr.Claim.State,
		"status":          tr.Claim.Status,
		"structured_data": tr.StructuredData,
	})
}
