package claims

import (
	"context"
	"log"
)

// StatusEvent is pushed whenever a background stage changes a claim's status.
type StatusEvent struct {
	ClaimID uint64 `json:"claim_id"`
	State   State  `json:"state"`
	Status  string `json:"status"`
}

// deliverer pushes already-persisted results to the claim owner. The lookup
// happens at delivery time so a reconnect during a long stage is honoured.
type deliverer struct {
	repo   *Repo
	pusher Pusher
}

func (d deliverer) identity(ctx context.Context, userID uint64) string {
	u, err := d.repo.GetUserByID(ctx, userID)
	if err != nil {
		log.Printf("[Deliver] user lookup failed user_id=%d err=%v", userID, err)
		return ""
	}
	return u.Identity
}

func (d deliverer) messages(ctx context.Context, userID uint64, msgs ...Message) {
	identity := d.identity(ctx, userID)
	if identity == "" {
		return
	}
	for _, m := range msgs {
		if !d.pusher.Push(ctx, identity, EventMessage, m) {
			log.Printf("[Deliver] delivery miss identity=%s claim_id=%d message_id=%d", identity, m.ClaimID, m.ID)
		}
	}
}

func (d deliverer) status(ctx context.Context, c *Claim) {
	identity := d.identity(ctx, c.UserID)
	if identity == "" {
		return
	}
	d.pusher.Push(ctx, identity, EventClaimStatus, StatusEvent{ClaimID: c.ID, State: c.State, Status: c.Status})
}

func (d deliverer) summary(ctx context.Context, c *Claim) {
	identity := d.identity(ctx, c.UserID)
	if identity == "" {
		return
	}
	d.pusher.Push(ctx, identity, EventClaimSummary, c.StructuredData)
}
