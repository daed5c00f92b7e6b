package claims

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/suPer8Hu/claim-desk/internal/ai"
	"github.com/suPer8Hu/claim-desk/internal/oracle"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
)

// Review actions. The aliases are spellings reviewers have been seen to use.
const (
	ActionProceed         = "proceed_with_claim"
	ActionRequestInfo     = "request_additional_info"
	ActionWaitForShipping = "wait_for_shipping"

	actionInfoAlias = "additional_info_needed"
	actionWaitAlias = "wait_for_delivery"
)

const (
	msgWait            = "Our experts suggest waiting until the expected delivery date before proceeding with the dispute. If the item still has not arrived, reply here and we will continue your claim."
	msgDefaultFollowUp = "Our reviewers need a little more information about your dispute. Please describe anything else that supports your claim."
)

// Reviewer is one independent policy check over the structured record.
type Reviewer struct {
	Name         string
	Instructions string
}

func DefaultReviewers(waitDays int) []Reviewer {
	if waitDays <= 0 {
		waitDays = 15
	}
	return []Reviewer{
		{
			Name: "chargeback_policy",
			Instructions: `You are an expert on credit card chargeback policies reviewing a dispute claim.

Please check if the claim meets the necessary criteria for a chargeback based on standard policies.

Provide your response in JSON format:
{"policy_compliance": "Compliant" | "Non-compliant",
 "action": "proceed_with_claim" | "request_additional_info",
 "additional_info_needed": "<question for the cardholder, or empty>"}`,
		},
		{
			Name: "shipping",
			Instructions: fmt.Sprintf(`You are a shipping expert reviewing a dispute claim.

Please determine if the shipping information indicates that the product is still in transit, delivered, or if there are any issues.
If the item is reported as not received and fewer than %d days have passed since the expected delivery date, the cardholder should wait.

Provide your response in JSON format:
{"shipping_status": "In transit" | "Delivered" | "No tracking info",
 "action": "proceed_with_claim" | "wait_for_shipping" | "request_additional_info",
 "additional_info_needed": "<question for the cardholder, or empty>"}`, waitDays),
		},
	}
}

// Feedback is one reviewer's parsed output. Raw keeps every key the reviewer
// returned; malformed output is an empty Raw.
type Feedback struct {
	Reviewer string
	Raw      map[string]any
}

func (f Feedback) str(key string) string {
	v, _ := f.Raw[key].(string)
	return strings.TrimSpace(v)
}

func (f Feedback) Action() string {
	switch a := strings.ToLower(f.str("action")); a {
	case actionInfoAlias:
		return ActionRequestInfo
	case actionWaitAlias:
		return ActionWaitForShipping
	default:
		return a
	}
}

func (f Feedback) InfoNeeded() string { return f.str("additional_info_needed") }

type OutcomeKind string

const (
	OutcomeProceed  OutcomeKind = "proceed"
	OutcomeNeedInfo OutcomeKind = "need_info"
	OutcomeWait     OutcomeKind = "wait"
)

type Outcome struct {
	Kind      OutcomeKind
	FollowUps []string
}

// Aggregate folds reviewer feedback. Any info request wins over any wait,
// and wait wins over proceed.
func Aggregate(feedback []Feedback) Outcome {
	var followUps []string
	wait := false
	for _, f := range feedback {
		action := f.Action()
		info := f.InfoNeeded()
		if action == ActionRequestInfo || info != "" {
			if info == "" {
				info = msgDefaultFollowUp
			}
			followUps = append(followUps, info)
			continue
		}
		if action == ActionWaitForShipping {
			wait = true
		}
	}
	switch {
	case len(followUps) > 0:
		return Outcome{Kind: OutcomeNeedInfo, FollowUps: followUps}
	case wait:
		return Outcome{Kind: OutcomeWait}
	default:
		return Outcome{Kind: OutcomeProceed}
	}
}

// ReviewPipeline runs the reviewers for a submitted claim and routes the
// outcome. It holds the claim lock only while persisting.
type ReviewPipeline struct {
	store     *Store
	oracle    oracle.Oracle
	reviewers []Reviewer
	merchant  *MerchantNotifier
	deliver   deliverer
}

func NewReviewPipeline(store *Store, o oracle.Oracle, reviewers []Reviewer, merchant *MerchantNotifier, pusher Pusher) *ReviewPipeline {
	if len(reviewers) == 0 {
		reviewers = DefaultReviewers(0)
	}
	return &ReviewPipeline{
		store:     store,
		oracle:    o,
		reviewers: reviewers,
		merchant:  merchant,
		deliver:   deliverer{repo: store.Repo, pusher: pusher},
	}
}

func reviewable(c *Claim) bool {
	return c.State == StateCompleted && c.Status == StatusPending
}

func (p *ReviewPipeline) Run(ctx context.Context, claimID uint64) error {
	// 1) snapshot without the lock
	c, err := p.store.GetClaim(ctx, claimID)
	if err != nil {
		return err
	}
	if !reviewable(c) {
		log.Printf("[Review] skip stale run claim_id=%d state=%s status=%s", c.ID, c.State, c.Status)
		return nil
	}

	// 2) reviewers, concurrently
	start := time.Now()
	feedback := p.review(ctx, c.StructuredData)
	outcome := Aggregate(feedback)
	log.Printf("[Review] claim_id=%d outcome=%s reviewers=%d cost=%s", c.ID, outcome.Kind, len(feedback), time.Since(start))

	stored := make(map[string]any, len(feedback))
	for _, f := range feedback {
		stored[f.Reviewer] = f.Raw
	}
	fb, err := json.Marshal(stored)
	if err != nil {
		return err
	}

	// 3) persist the outcome under the lock
	var sent []Message
	var saved *Claim
	err = p.store.WithClaim(ctx, claimID, func(ctx context.Context, c *Claim) error {
		if !reviewable(c) {
			log.Printf("[Review] claim changed during review claim_id=%d state=%s", c.ID, c.State)
			return errUnchanged
		}
		c.ExpertFeedback = datatypes.JSON(fb)

		switch outcome.Kind {
		case OutcomeNeedInfo:
			c.State = StateAdditionalInfo
			c.ChatLocked = false
			for _, text := range outcome.FollowUps {
				m, err := appendMessage(ctx, p.store.Repo, c.ID, SenderAssistant, text, nil)
				if err != nil {
					return err
				}
				sent = append(sent, *m)
			}
		case OutcomeWait:
			c.State = StateCollectingInfo
			c.QuestionIndex = nil
			c.CurrentQuestion = nil
			c.ChatLocked = false
			c.Status = StatusWaitingDelivery
			m, err := appendMessage(ctx, p.store.Repo, c.ID, SenderAssistant, msgWait, nil)
			if err != nil {
				return err
			}
			sent = append(sent, *m)
		}
		saved = c
		return nil
	})
	if err != nil {
		return fmt.Errorf("persist review: %w", err)
	}
	if saved == nil {
		return nil
	}

	// 4) push after persist
	p.deliver.messages(ctx, saved.UserID, sent...)
	if outcome.Kind == OutcomeProceed {
		return p.merchant.Notify(ctx, claimID)
	}
	p.deliver.status(ctx, saved)
	return nil
}

func (p *ReviewPipeline) review(ctx context.Context, record datatypes.JSON) []Feedback {
	out := make([]Feedback, len(p.reviewers))
	var g errgroup.Group
	for i, r := range p.reviewers {
		g.Go(func() error {
			out[i] = p.reviewOne(ctx, r, record)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (p *ReviewPipeline) reviewOne(ctx context.Context, r Reviewer, record datatypes.JSON) Feedback {
	fb := Feedback{Reviewer: r.Name, Raw: map[string]any{}}
	prompt := fmt.Sprintf("Claim Data:\n%s\n\nRespond with the JSON object only.", prettyJSON(record))
	out, err := p.oracle.Reason(ctx, oracle.Request{
		Task:        TaskReview + ":" + r.Name,
		System:      r.Instructions,
		Turns:       []ai.Message{{Role: "user", Content: prompt}},
		MaxTokens:   200,
		Temperature: 0.5,
		JSON:        true,
	})
	if err != nil {
		return fb
	}
	if err := oracle.DecodeObject(out, &fb.Raw); err != nil {
		log.Printf("[Review] unparsable output reviewer=%s err=%v", r.Name, err)
		fb.Raw = map[string]any{}
	}
	return fb
}

func prettyJSON(raw datatypes.JSON) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(raw)
	}
	return string(b)
}
