package claims

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/suPer8Hu/claim-desk/internal/ai"
	"github.com/suPer8Hu/claim-desk/internal/oracle"
	"gorm.io/datatypes"
)

const adjudicateSystem = "You are an adjudicator tasked with making a decision on a credit card dispute claim."

// Decision is the adjudication outcome as reported to the claimant.
type Decision struct {
	Decision  string `json:"decision"`
	Rationale string `json:"rationale"`
}

// decisionFrom reads a possibly empty oracle result. Missing fields degrade
// to a Pending decision.
func decisionFrom(raw map[string]any) Decision {
	d := Decision{Decision: "Pending"}
	if v, ok := raw["decision"].(string); ok && strings.TrimSpace(v) != "" {
		d.Decision = strings.TrimSpace(v)
	}
	if v, ok := raw["rationale"].(string); ok {
		d.Rationale = strings.TrimSpace(v)
	}
	return d
}

func (d Decision) Message() string {
	return fmt.Sprintf("Your claim has been adjudicated. Decision: %s. Rationale: %s", d.Decision, d.Rationale)
}

type Adjudicator struct {
	store   *Store
	oracle  oracle.Oracle
	deliver deliverer
}

func NewAdjudicator(store *Store, o oracle.Oracle, pusher Pusher) *Adjudicator {
	return &Adjudicator{store: store, oracle: o, deliver: deliverer{repo: store.Repo, pusher: pusher}}
}

// Run adjudicates a claim once. Later runs for the same claim do nothing.
func (a *Adjudicator) Run(ctx context.Context, claimID uint64) error {
	c, err := a.store.GetClaim(ctx, claimID)
	if err != nil {
		return err
	}
	if c.State == StateAdjudicated || len(c.AdjudicationResult) > 0 {
		return nil
	}
	if c.MerchantResponse == nil {
		log.Printf("[Adjudicator] no merchant response yet claim_id=%d", c.ID)
		return nil
	}

	raw := a.decide(ctx, c)
	b, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	decision := decisionFrom(raw)

	var saved *Claim
	var note *Message
	err = a.store.WithClaim(ctx, claimID, func(ctx context.Context, c *Claim) error {
		if c.State == StateAdjudicated {
			return errUnchanged
		}
		c.AdjudicationResult = datatypes.JSON(b)
		c.State = StateAdjudicated
		c.Status = StatusAdjudicated
		c.ChatLocked = true
		m, err := appendMessage(ctx, a.store.Repo, c.ID, SenderAssistant, decision.Message(), nil)
		if err != nil {
			return err
		}
		note = m
		saved = c
		return nil
	})
	if err != nil {
		return fmt.Errorf("persist adjudication: %w", err)
	}
	if saved == nil {
		return nil
	}

	log.Printf("[Adjudicator] claim_id=%d decision=%s", saved.ID, decision.Decision)
	a.deliver.messages(ctx, saved.UserID, *note)
	a.deliver.status(ctx, saved)
	return nil
}

func (a *Adjudicator) decide(ctx context.Context, c *Claim) map[string]any {
	prompt := fmt.Sprintf(`Claim Data:
%s

Merchant Response:
"""
%s
"""

Expert Feedback:
%s

Based on the above information, provide a decision and rationale.

Provide your response in JSON format:
{"decision": "approve" | "reject" | "human_review" | "wait", "rationale": "<text>"}`,
		prettyJSON(c.StructuredData), *c.MerchantResponse, prettyJSON(c.ExpertFeedback))

	out := map[string]any{}
	text, err := a.oracle.Reason(ctx, oracle.Request{
		Task:        TaskAdjudicate,
		System:      adjudicateSystem,
		Turns:       []ai.Message{{Role: "user", Content: prompt}},
		MaxTokens:   300,
		Temperature: 0.5,
		JSON:        true,
	})
	if err != nil {
		return out
	}
	if err := oracle.DecodeObject(text, &out); err != nil {
		log.Printf("[Adjudicator] unparsable output claim_id=%d err=%v", c.ID, err)
		return map[string]any{}
	}
	return out
}
