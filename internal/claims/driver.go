package claims

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/suPer8Hu/claim-desk/internal/ai"
	"github.com/suPer8Hu/claim-desk/internal/oracle"
	"gorm.io/datatypes"
)

const terminationPhrase = "done"

const (
	msgProceed          = "Let's proceed to gather more information about your dispute."
	msgAlreadySubmitted = "Your claim has already been submitted. We will post any update here."
	msgEvidencePrompt   = "Please upload your evidence files (receipts, photos, shipping documents). When you are finished, type Done."
	msgEvidenceReminder = "You can keep uploading evidence files. Type Done when you are ready to submit your claim."
	msgSummaryFailed    = "Sorry, we could not prepare your claim summary right now. Please try again in a moment."
	msgSubmitted        = "Your claim has been submitted successfully. Your claim ID is %d."
	msgSupplemented     = "Thank you. We have added this information to claim %d and sent it back for review."
)

// Reply is what a synchronous turn produced.
type Reply struct {
	ClaimID        uint64         `json:"claim_id"`
	State          State          `json:"state"`
	Status         string         `json:"status"`
	Messages       []Message      `json:"messages"`
	StructuredData datatypes.JSON `json:"structured_data,omitempty"`
	Duplicate      bool           `json:"duplicate,omitempty"`
}

// Driver runs the intake dialogue. Every public method holds the claim lock
// for the whole turn.
type Driver struct {
	store      *Store
	catalog    *Catalog
	oracle     oracle.Oracle
	validator  *Validator
	summarizer *Summarizer
	window     int
}

func NewDriver(store *Store, catalog *Catalog, o oracle.Oracle, summarizer *Summarizer, window int) *Driver {
	if window <= 0 || window > 100 {
		window = 20
	}
	return &Driver{
		store:      store,
		catalog:    catalog,
		oracle:     o,
		validator:  NewValidator(o),
		summarizer: summarizer,
		window:     window,
	}
}

// turn collects what one locked operation did to a claim.
type turn struct {
	claim        *Claim
	emitted      []Message
	summarized   bool
	launchReview bool
}

func (t *turn) reply() *Reply {
	return &Reply{
		ClaimID:        t.claim.ID,
		State:          t.claim.State,
		Status:         t.claim.Status,
		Messages:       t.emitted,
		StructuredData: t.claim.StructuredData,
	}
}

// Open starts the dialogue for a fresh claim. Resuming a claim that already
// has a transcript is a no-op.
func (d *Driver) Open(ctx context.Context, claimID uint64) (*turn, error) {
	t := &turn{}
	err := d.store.WithClaim(ctx, claimID, func(ctx context.Context, c *Claim) error {
		t.claim = c
		if c.State != StateStart {
			return errUnchanged
		}
		n, err := d.store.CountMessages(ctx, c.ID)
		if err != nil {
			return err
		}
		if n > 0 {
			return errUnchanged
		}

		if err := d.say(ctx, t, transactionIntro(c.Transaction.Data()), nil); err != nil {
			return err
		}
		if err := d.say(ctx, t, msgProceed, nil); err != nil {
			return err
		}
		d.beginQuestions(c)
		return d.askNext(ctx, t)
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// PostAnswer records one user turn and advances the dialogue. A repeated
// idempotency key returns without reprocessing.
func (d *Driver) PostAnswer(ctx context.Context, claimID uint64, text, idempotencyKey string) (*turn, bool, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, false, ErrEmptyInput
	}

	t := &turn{}
	duplicate := false
	err := d.store.WithClaim(ctx, claimID, func(ctx context.Context, c *Claim) error {
		t.claim = c

		// 1) a submitted claim only gets the notice, unless this is a replay
		if c.Submitted() {
			if idempotencyKey != "" {
				if _, err := d.store.MessageByIdempotencyKey(ctx, c.ID, idempotencyKey); err == nil {
					duplicate = true
					return errUnchanged
				} else if !errors.Is(err, ErrNotFound) {
					return err
				}
			}
			if err := d.say(ctx, t, msgAlreadySubmitted, nil); err != nil {
				return err
			}
			return errUnchanged
		}

		// 2) persist the user message before acting on it
		msg := &Message{ClaimID: c.ID, Sender: SenderUser, Content: text}
		if idempotencyKey != "" {
			k := idempotencyKey
			msg.IdempotencyKey = &k
		}
		_, created, err := d.store.InsertMessageOrGetExisting(ctx, msg)
		if err != nil {
			return err
		}
		if !created {
			duplicate = true
			return errUnchanged
		}

		// 3) dispatch on state
		switch {
		case c.State == StateStart:
			d.beginQuestions(c)
			return d.askNext(ctx, t)
		case c.State == StateAdditionalInfo,
			c.State == StateCollectingInfo && c.QuestionIndex == nil:
			return d.supplement(ctx, t, text)
		case c.State == StateCollectingInfo:
			return d.answer(ctx, t, text)
		case c.State == StateFinalizing:
			// left over from an interrupted submission; resume as evidence
			c.State = StateUploadingEvidence
			fallthrough
		case c.State == StateUploadingEvidence:
			if strings.EqualFold(text, terminationPhrase) {
				return d.finalize(ctx, t)
			}
			return d.say(ctx, t, msgEvidenceReminder, nil)
		default:
			log.Printf("[Driver] unexpected state claim_id=%d state=%s", c.ID, c.State)
			return errUnchanged
		}
	})
	if err != nil {
		return nil, false, err
	}
	return t, duplicate, nil
}

func (d *Driver) beginQuestions(c *Claim) {
	c.State = StateCollectingInfo
	c.setAnswers(map[string]string{})
	zero := 0
	c.QuestionIndex = &zero
	c.CurrentQuestion = nil
}

// answer merges text under the current question and validates it.
func (d *Driver) answer(ctx context.Context, t *turn, text string) error {
	c := t.claim
	if c.CurrentQuestion == nil {
		return d.askNext(ctx, t)
	}
	f, ok := d.catalog.Lookup(*c.CurrentQuestion)
	if !ok {
		log.Printf("[Driver] current question not in catalog claim_id=%d field=%s", c.ID, *c.CurrentQuestion)
		c.CurrentQuestion = nil
		return d.askNext(ctx, t)
	}

	answers := c.answers()
	accepted, value := false, text
	switch {
	case f.Optional && strings.EqualFold(text, "skip"):
		accepted, value = true, ""
	default:
		if opt, ok := matchOption(f, text); ok {
			accepted, value = true, opt
		}
	}

	if !accepted {
		history, err := d.history(ctx, c.ID)
		if err != nil {
			return err
		}
		v := d.validator.Validate(ctx, history, f, text)
		if !v.Valid {
			delete(answers, f.ID)
			c.setAnswers(answers)
			return d.say(ctx, t, v.Clarification, f.Options)
		}
	}

	answers[f.ID] = value
	c.setAnswers(answers)
	next := d.catalogIndex(f.ID) + 1
	if c.QuestionIndex == nil || *c.QuestionIndex < next {
		c.QuestionIndex = &next
	}
	c.CurrentQuestion = nil
	return d.askNext(ctx, t)
}

// askNext scans the catalog from the cursor and asks the first field that
// still needs an answer. When nothing is left the claim moves to evidence.
func (d *Driver) askNext(ctx context.Context, t *turn) error {
	c := t.claim
	answers := c.answers()
	start := 0
	if c.QuestionIndex != nil {
		start = *c.QuestionIndex
	}

	for i := start; i < d.catalog.Len(); i++ {
		f := d.catalog.At(i)
		if _, ok := answers[f.ID]; ok {
			continue
		}

		history, err := d.history(ctx, c.ID)
		if err != nil {
			return err
		}
		if f.Condition != "" && !conditionHolds(ctx, d.oracle, history, answers, f) {
			continue
		}
		if hasUserTurn(history) && alreadyAnswered(ctx, d.oracle, history, f) {
			if v, ok := extractAnswer(ctx, d.oracle, history, f); ok {
				answers[f.ID] = v
				c.setAnswers(answers)
				continue
			}
		}

		idx, id := i, f.ID
		c.QuestionIndex = &idx
		c.CurrentQuestion = &id
		return d.ask(ctx, t, f)
	}

	end := d.catalog.Len()
	if c.QuestionIndex == nil || *c.QuestionIndex < end {
		c.QuestionIndex = &end
	}
	c.CurrentQuestion = nil
	c.State = StateUploadingEvidence
	return d.say(ctx, t, msgEvidencePrompt, nil)
}

// ask emits f's question unless it is already the latest transcript entry.
func (d *Driver) ask(ctx context.Context, t *turn, f Field) error {
	last, err := d.store.LastMessage(ctx, t.claim.ID)
	if err != nil {
		return err
	}
	if last != nil && last.Content == f.Question {
		return nil
	}
	return d.say(ctx, t, f.Question, f.Options)
}

// supplement folds free text from a review follow-up into the claim and
// submits it again.
func (d *Driver) supplement(ctx context.Context, t *turn, text string) error {
	c := t.claim
	if c.AdditionalInfo == "" {
		c.AdditionalInfo = text
	} else {
		c.AdditionalInfo += "\n" + text
	}
	return d.finalize(ctx, t)
}

// finalize summarizes the claim and locks it. An empty summary rolls the
// claim back to the phase it came from.
func (d *Driver) finalize(ctx context.Context, t *turn) error {
	c := t.claim
	prior := c.State
	supplementing := prior != StateUploadingEvidence

	// the claim is only written at the end of the turn, so a failure
	// anywhere below leaves it in the phase it came from
	c.State = StateFinalizing

	rec, raw, err := d.summarizer.Summarize(ctx, c)
	if err != nil {
		if !errors.Is(err, ErrEmptySummary) {
			log.Printf("[Driver] summarize failed claim_id=%d err=%v", c.ID, err)
		}
		c.State = prior
		return d.say(ctx, t, msgSummaryFailed, nil)
	}
	b, err := json.Marshal(rec)
	if err != nil {
		c.State = prior
		return d.say(ctx, t, msgSummaryFailed, nil)
	}

	c.RawText = raw
	c.StructuredData = datatypes.JSON(b)
	c.ChatLocked = true
	c.QuestionIndex = nil
	c.CurrentQuestion = nil
	c.State = StateCompleted
	c.Status = StatusPending
	c.ExpertFeedback = nil
	t.summarized = true
	t.launchReview = true

	if supplementing {
		return d.say(ctx, t, fmt.Sprintf(msgSupplemented, c.ID), nil)
	}
	return d.say(ctx, t, fmt.Sprintf(msgSubmitted, c.ID), nil)
}

func (d *Driver) say(ctx context.Context, t *turn, content string, options []string) error {
	m, err := appendMessage(ctx, d.store.Repo, t.claim.ID, SenderAssistant, content, options)
	if err != nil {
		return err
	}
	t.emitted = append(t.emitted, *m)
	return nil
}

func appendMessage(ctx context.Context, repo *Repo, claimID uint64, sender, content string, options []string) (*Message, error) {
	m := &Message{ClaimID: claimID, Sender: sender, Content: content}
	if len(options) > 0 {
		b, err := json.Marshal(options)
		if err != nil {
			return nil, err
		}
		m.Options = datatypes.JSON(b)
	}
	if err := repo.InsertMessage(ctx, m); err != nil {
		return nil, fmt.Errorf("append %s message: %w", sender, err)
	}
	return m, nil
}

// history returns the recent transcript window, oldest first.
func (d *Driver) history(ctx context.Context, claimID uint64) ([]ai.Message, error) {
	desc, err := d.store.ListRecentMessagesDesc(ctx, claimID, d.window)
	if err != nil {
		return nil, err
	}
	return toTurns(desc), nil
}

func (d *Driver) catalogIndex(id string) int {
	for i := 0; i < d.catalog.Len(); i++ {
		if d.catalog.At(i).ID == id {
			return i
		}
	}
	return -1
}

func hasUserTurn(history []ai.Message) bool {
	for _, m := range history {
		if m.Role == "user" {
			return true
		}
	}
	return false
}

func transactionIntro(tx Transaction) string {
	var b strings.Builder
	b.WriteString("You are disputing the following transaction:\n\n")
	fmt.Fprintf(&b, "- **Transaction Name**: %s\n", tx.Name)
	fmt.Fprintf(&b, "- **Date**: %s\n", tx.Date)
	if tx.Amount != "" {
		fmt.Fprintf(&b, "- **Amount**: %s\n", tx.Amount)
	}
	fmt.Fprintf(&b, "- **Merchant Name**: %s\n", tx.MerchantName)
	fmt.Fprintf(&b, "- **Merchant Email**: %s\n", tx.MerchantEmail)
	fmt.Fprintf(&b, "- **Transaction ID**: %s\n", tx.TransactionID)
	return b.String()
}
