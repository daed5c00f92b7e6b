package claims

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/claim-desk/internal/oracle"
)

func TestStartClaim_EmitsContextAndFirstQuestion(t *testing.T) {
	h := newHarness(t, twoFieldCatalog(t), &recordingDispatcher{})

	r, err := h.svc.StartClaim(context.Background(), h.identity, testTransaction())
	require.NoError(t, err)

	got := contents(r.Messages)
	require.Len(t, got, 3)
	assert.Contains(t, got[0], "TX1234567890")
	assert.Equal(t, msgProceed, got[1])
	assert.Equal(t, "What went wrong?", got[2])
	assert.JSONEq(t, `["Item damaged","Item not received"]`, string(r.Messages[2].Options))

	c := h.claim(t, r.ClaimID)
	assert.Equal(t, StateCollectingInfo, c.State)
	require.NotNil(t, c.QuestionIndex)
	assert.Equal(t, 0, *c.QuestionIndex)
	require.NotNil(t, c.CurrentQuestion)
	assert.Equal(t, "issue_type", *c.CurrentQuestion)
}

func TestOpen_ResumeIsNoop(t *testing.T) {
	h := newHarness(t, twoFieldCatalog(t), &recordingDispatcher{})
	ctx := context.Background()

	r, err := h.svc.StartClaim(ctx, h.identity, testTransaction())
	require.NoError(t, err)
	before := h.transcript(t, r.ClaimID)

	turn, err := h.svc.driver.Open(ctx, r.ClaimID)
	require.NoError(t, err)
	assert.Empty(t, turn.emitted)
	assert.Equal(t, before, h.transcript(t, r.ClaimID))
}

func TestHappyPath_SubmitsOnceAndNotifiesMerchant(t *testing.T) {
	h := newHarness(t, twoFieldCatalog(t), nil)
	ctx := context.Background()
	h.oracle.reply(TaskRedundancy, `{"answered": false}`)
	h.oracle.reply(TaskValidate, `{"valid": true, "clarification": ""}`)
	h.oracle.reply(TaskSummarize, "```json\n{\"issue_description\": \"Blue Widget arrived damaged\", \"dispute_category\": \"damaged\"}\n```")
	h.oracle.reply(TaskReview, `{"action": "proceed_with_claim", "additional_info_needed": ""}`)

	r, err := h.svc.StartClaim(ctx, h.identity, testTransaction())
	require.NoError(t, err)
	id := r.ClaimID

	r = h.answer(t, id, "Item damaged")
	assert.Equal(t, []string{"What is the name of the item you purchased?"}, contents(r.Messages))
	assert.Zero(t, h.oracle.count(TaskValidate), "exact option match is accepted without the oracle")

	r = h.answer(t, id, "Blue Widget")
	assert.Equal(t, StateUploadingEvidence, r.State)
	assert.Equal(t, []string{msgEvidencePrompt}, contents(r.Messages))

	_, _, err = h.svc.PostAttachment(ctx, id, "photo.png", pngBytes)
	require.NoError(t, err)

	r = h.answer(t, id, "  DONE ")
	assert.Equal(t, StateCompleted, r.State)
	assert.NotEmpty(t, r.StructuredData)
	h.tasks.Wait()

	c := h.claim(t, id)
	assert.Equal(t, StateCompleted, c.State)
	assert.True(t, c.ChatLocked)
	assert.Nil(t, c.QuestionIndex)
	assert.Nil(t, c.CurrentQuestion)
	assert.Equal(t, map[string]string{"issue_type": "Item damaged", "item_name": "Blue Widget"}, c.Answers.Data())
	assert.Equal(t, StatusAwaitingMerchant, c.Status)
	assert.Contains(t, c.RawText, "item_name: Blue Widget")

	assert.Equal(t, 1, h.oracle.count(TaskReview+":chargeback_policy"))
	assert.Equal(t, 1, h.oracle.count(TaskReview+":shipping"))

	sum, ok := h.oracle.last(TaskSummarize)
	require.True(t, ok)
	var images int
	for _, turn := range sum.Turns {
		images += len(turn.Images)
	}
	assert.Equal(t, 1, images)

	require.Len(t, h.mailer.sent, 1)
	assert.Equal(t, "merchant@example.com", h.mailer.sent[0].To)
	assert.Equal(t, merchantSubject, h.mailer.sent[0].Subject)
	assert.Contains(t, h.mailer.sent[0].Body, "http://claims.test/merchant/claims/")
	assert.Contains(t, h.pusher.messages(h.identity), msgMerchantNotified)
}

func TestCompletedClaim_OnlyAcknowledges(t *testing.T) {
	h := newHarness(t, twoFieldCatalog(t), &recordingDispatcher{})
	ctx := context.Background()
	h.oracle.reply(TaskSummarize, `{"issue_description": "x"}`)

	r, err := h.svc.StartClaim(ctx, h.identity, testTransaction())
	require.NoError(t, err)
	id := r.ClaimID
	h.answer(t, id, "Item not received")
	h.answer(t, id, "Lamp")
	h.answer(t, id, "done")

	before := h.claim(t, id)
	n := len(h.transcript(t, id))

	r = h.answer(t, id, "one more thing")
	assert.Equal(t, []string{msgAlreadySubmitted}, contents(r.Messages))

	after := h.claim(t, id)
	assert.Equal(t, before.Answers.Data(), after.Answers.Data())
	assert.Equal(t, before.QuestionIndex, after.QuestionIndex)
	assert.JSONEq(t, string(before.StructuredData), string(after.StructuredData))
	assert.Equal(t, StateCompleted, after.State)

	msgs := h.transcript(t, id)
	require.Len(t, msgs, n+1)
	assert.Equal(t, msgAlreadySubmitted, msgs[n])
}

func TestValidationOutage_AcceptsAnswer(t *testing.T) {
	h := newHarness(t, twoFieldCatalog(t), &recordingDispatcher{})
	ctx := context.Background()

	r, err := h.svc.StartClaim(ctx, h.identity, testTransaction())
	require.NoError(t, err)
	id := r.ClaimID
	h.answer(t, id, "Item damaged")

	// no handlers: validation and redundancy both fail
	r = h.answer(t, id, "???")
	assert.Equal(t, 1, h.oracle.count(TaskValidate))
	assert.Equal(t, StateUploadingEvidence, r.State)
	c := h.claim(t, id)
	assert.Equal(t, "???", c.Answers.Data()["item_name"])
	require.NotNil(t, c.QuestionIndex)
	assert.Equal(t, 2, *c.QuestionIndex)
}

func TestRejectedAnswer_ClarifiesAndKeepsCursor(t *testing.T) {
	h := newHarness(t, twoFieldCatalog(t), &recordingDispatcher{})
	ctx := context.Background()
	h.oracle.reply(TaskValidate, `{"valid": false, "clarification": "Which item was it exactly?"}`)

	r, err := h.svc.StartClaim(ctx, h.identity, testTransaction())
	require.NoError(t, err)
	id := r.ClaimID
	h.answer(t, id, "Item damaged")

	r = h.answer(t, id, "dunno")
	assert.Equal(t, []string{"Which item was it exactly?"}, contents(r.Messages))

	c := h.claim(t, id)
	assert.Equal(t, StateCollectingInfo, c.State)
	require.NotNil(t, c.QuestionIndex)
	assert.Equal(t, 1, *c.QuestionIndex)
	assert.Equal(t, "item_name", *c.CurrentQuestion)
	_, kept := c.Answers.Data()["item_name"]
	assert.False(t, kept)

	// empty clarification falls back to re-asking
	h.oracle.reply(TaskValidate, `{"valid": false}`)
	r = h.answer(t, id, "dunno")
	require.Len(t, r.Messages, 1)
	assert.True(t, strings.HasSuffix(r.Messages[0].Content, "What is the name of the item you purchased?"))
}

func TestQuestionCursor_NeverMovesBackwards(t *testing.T) {
	h := newHarness(t, DefaultCatalog(), &recordingDispatcher{})
	ctx := context.Background()
	h.oracle.on(TaskCondition, func(req oracle.Request) (string, error) {
		last := req.Turns[len(req.Turns)-1].Content
		if strings.Contains(last, `"The user reported that the item was not received."`) ||
			strings.Contains(last, `"The user said they have a tracking number or shipping link."`) {
			return `{"applies": true}`, nil
		}
		return `{"applies": false}`, nil
	})
	h.oracle.reply(TaskRedundancy, `{"answered": false}`)
	rejectNext := true
	h.oracle.on(TaskValidate, func(oracle.Request) (string, error) {
		if rejectNext {
			rejectNext = false
			return `{"valid": false, "clarification": "Please give the full tracking number."}`, nil
		}
		return `{"valid": true}`, nil
	})

	r, err := h.svc.StartClaim(ctx, h.identity, testTransaction())
	require.NoError(t, err)
	id := r.ClaimID

	cursor := func() int {
		c := h.claim(t, id)
		if c.QuestionIndex == nil {
			return -1
		}
		return *c.QuestionIndex
	}
	prev := cursor()
	for _, text := range []string{"Item not received", "Yes", "1Z", "1Z999AA10123456784", "skip"} {
		h.answer(t, id, text)
		c := h.claim(t, id)
		cur := cursor()
		assert.GreaterOrEqual(t, cur, prev, "after %q", text)
		if c.CurrentQuestion != nil {
			f, ok := h.svc.driver.catalog.Lookup(*c.CurrentQuestion)
			require.True(t, ok)
			assert.Equal(t, cur, h.svc.driver.catalogIndex(f.ID))
		}
		prev = cur
	}

	c := h.claim(t, id)
	assert.Equal(t, StateUploadingEvidence, c.State)
	assert.Nil(t, c.CurrentQuestion)
	answers := c.Answers.Data()
	assert.Equal(t, "1Z999AA10123456784", answers["collect_tracking_info"])
	assert.Equal(t, "", answers["desired_resolution"])
	_, asked := answers["damage_description"]
	assert.False(t, asked)
}

func TestAsk_SuppressesDuplicatePrompt(t *testing.T) {
	h := newHarness(t, twoFieldCatalog(t), &recordingDispatcher{})
	ctx := context.Background()

	r, err := h.svc.StartClaim(ctx, h.identity, testTransaction())
	require.NoError(t, err)
	id := r.ClaimID
	before := h.transcript(t, id)

	// a second trigger for the same question while it is still the latest entry
	var emitted []Message
	err = h.store.WithClaim(ctx, id, func(ctx context.Context, c *Claim) error {
		tr := &turn{claim: c}
		if err := h.svc.driver.askNext(ctx, tr); err != nil {
			return err
		}
		emitted = tr.emitted
		return nil
	})
	require.NoError(t, err)
	assert.Empty(t, emitted)
	assert.Equal(t, before, h.transcript(t, id))
	assert.Equal(t, "issue_type", *h.claim(t, id).CurrentQuestion)
}

func TestRedundantField_ExtractedNotAsked(t *testing.T) {
	catalog, err := NewCatalog([]Field{
		{ID: "issue_type", Question: "What went wrong?"},
		{ID: "item_name", Question: "What is the name of the item you purchased?"},
	})
	require.NoError(t, err)
	h := newHarness(t, catalog, &recordingDispatcher{})
	ctx := context.Background()
	h.oracle.reply(TaskValidate, `{"valid": true}`)
	h.oracle.on(TaskRedundancy, func(req oracle.Request) (string, error) {
		for _, m := range req.Turns {
			if m.Role == "user" && strings.Contains(m.Content, "I bought a Blue Widget") {
				return `{"answered": true}`, nil
			}
		}
		return `{"answered": false}`, nil
	})
	h.oracle.reply(TaskExtract, `{"answer": "Blue Widget"}`)

	r, err := h.svc.StartClaim(ctx, h.identity, testTransaction())
	require.NoError(t, err)
	id := r.ClaimID

	r = h.answer(t, id, "It arrived broken. I bought a Blue Widget last week.")
	assert.Equal(t, StateUploadingEvidence, r.State)
	assert.Equal(t, "Blue Widget", h.claim(t, id).Answers.Data()["item_name"])
	assert.NotContains(t, h.transcript(t, id), "What is the name of the item you purchased?")
}

func TestRedundantField_ExtractionFailureAsks(t *testing.T) {
	h := newHarness(t, twoFieldCatalog(t), &recordingDispatcher{})
	ctx := context.Background()
	h.oracle.reply(TaskRedundancy, `{"answered": true}`)
	h.oracle.reply(TaskExtract, `not json`)

	r, err := h.svc.StartClaim(ctx, h.identity, testTransaction())
	require.NoError(t, err)
	r = h.answer(t, r.ClaimID, "Item damaged")
	assert.Equal(t, []string{"What is the name of the item you purchased?"}, contents(r.Messages))
}

func TestEvidencePhase_RemindsUntilDone(t *testing.T) {
	h := newHarness(t, twoFieldCatalog(t), &recordingDispatcher{})
	ctx := context.Background()

	r, err := h.svc.StartClaim(ctx, h.identity, testTransaction())
	require.NoError(t, err)
	id := r.ClaimID
	h.answer(t, id, "Item damaged")
	h.answer(t, id, "Lamp")

	r = h.answer(t, id, "uploading now")
	assert.Equal(t, []string{msgEvidenceReminder}, contents(r.Messages))
	assert.Equal(t, StateUploadingEvidence, r.State)
}

func TestSummaryFailure_RollsBack(t *testing.T) {
	disp := &recordingDispatcher{}
	h := newHarness(t, twoFieldCatalog(t), disp)
	ctx := context.Background()
	h.oracle.reply(TaskSummarize, "I cannot help with that.")

	r, err := h.svc.StartClaim(ctx, h.identity, testTransaction())
	require.NoError(t, err)
	id := r.ClaimID
	h.answer(t, id, "Item damaged")
	h.answer(t, id, "Lamp")

	r = h.answer(t, id, "Done")
	assert.Equal(t, []string{msgSummaryFailed}, contents(r.Messages))
	c := h.claim(t, id)
	assert.Equal(t, StateUploadingEvidence, c.State)
	assert.False(t, c.ChatLocked)
	assert.Empty(t, c.StructuredData)
	assert.Empty(t, disp.kinds())

	// retry once the oracle recovers
	h.oracle.reply(TaskSummarize, `{"issue_description": "broken lamp"}`)
	r = h.answer(t, id, "Done")
	assert.Equal(t, StateCompleted, r.State)
	assert.Equal(t, []TaskKind{TaskKindReview}, disp.kinds())
}

func TestPostAnswer_IdempotencyKeyReplays(t *testing.T) {
	h := newHarness(t, twoFieldCatalog(t), &recordingDispatcher{})
	ctx := context.Background()

	r, err := h.svc.StartClaim(ctx, h.identity, testTransaction())
	require.NoError(t, err)
	id := r.ClaimID

	first, err := h.svc.PostAnswer(ctx, id, "Item damaged", "k-1")
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	n := len(h.transcript(t, id))

	again, err := h.svc.PostAnswer(ctx, id, "Item damaged", "k-1")
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Empty(t, again.Messages)
	assert.Len(t, h.transcript(t, id), n)
	assert.Equal(t, 1, *h.claim(t, id).QuestionIndex)
}

func TestPostAnswer_Errors(t *testing.T) {
	h := newHarness(t, twoFieldCatalog(t), &recordingDispatcher{})
	ctx := context.Background()

	_, err := h.svc.PostAnswer(ctx, 999, "hello", "")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = h.svc.PostAnswer(ctx, 1, "   ", "")
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestPostAttachment_RejectedAfterSubmission(t *testing.T) {
	h := newHarness(t, twoFieldCatalog(t), &recordingDispatcher{})
	ctx := context.Background()
	h.oracle.reply(TaskSummarize, `{"issue_description": "x"}`)

	r, err := h.svc.StartClaim(ctx, h.identity, testTransaction())
	require.NoError(t, err)
	id := r.ClaimID
	h.answer(t, id, "Item damaged")
	h.answer(t, id, "Lamp")

	f, reply, err := h.svc.PostAttachment(ctx, id, "../../etc/receipt.pdf", []byte("%PDF-1.4\n%âãÏÓ\n"))
	require.NoError(t, err)
	assert.Equal(t, "receipt.pdf", f.Filename)
	assert.Equal(t, "application/pdf", f.MediaType)
	assert.Equal(t, []string{"File received: receipt.pdf."}, contents(reply.Messages))

	h.answer(t, id, "done")
	_, _, err = h.svc.PostAttachment(ctx, id, "late.png", pngBytes)
	assert.ErrorIs(t, err, ErrClaimLocked)
}

func TestPostAnswer_FailedTurnLeavesNoTrace(t *testing.T) {
	h := newHarness(t, twoFieldCatalog(t), &recordingDispatcher{})
	ctx := context.Background()
	failNext := failClaimSaves(t, h.db)

	r, err := h.svc.StartClaim(ctx, h.identity, testTransaction())
	require.NoError(t, err)
	id := r.ClaimID
	before := h.transcript(t, id)

	failNext.Store(true)
	_, err = h.svc.PostAnswer(ctx, id, "Item damaged", "k-1")
	require.ErrorIs(t, err, errDiskFull)
	assert.Equal(t, before, h.transcript(t, id), "the user message is rolled back with the claim")
	c := h.claim(t, id)
	assert.Equal(t, "issue_type", *c.CurrentQuestion)
	assert.Empty(t, c.answers())

	// the client retries with the same key and the turn runs for real
	again, err := h.svc.PostAnswer(ctx, id, "Item damaged", "k-1")
	require.NoError(t, err)
	assert.False(t, again.Duplicate)
	c = h.claim(t, id)
	assert.Equal(t, "Item damaged", c.answers()["issue_type"])
	assert.Equal(t, "item_name", *c.CurrentQuestion)

	n := 0
	for _, m := range h.transcript(t, id) {
		if m == "Item damaged" {
			n++
		}
	}
	assert.Equal(t, 1, n)
}

func TestFinalize_FailedSaveKeepsEvidencePhase(t *testing.T) {
	disp := &recordingDispatcher{}
	h := newHarness(t, twoFieldCatalog(t), disp)
	ctx := context.Background()
	failNext := failClaimSaves(t, h.db)
	h.oracle.on(TaskSummarize, func(oracle.Request) (string, error) {
		// the summary succeeds but the write after it does not
		failNext.Store(true)
		return `{"issue_description": "broken lamp"}`, nil
	})

	r, err := h.svc.StartClaim(ctx, h.identity, testTransaction())
	require.NoError(t, err)
	id := r.ClaimID
	h.answer(t, id, "Item damaged")
	h.answer(t, id, "Lamp")

	_, err = h.svc.PostAnswer(ctx, id, "Done", "")
	require.ErrorIs(t, err, errDiskFull)
	c := h.claim(t, id)
	assert.Equal(t, StateUploadingEvidence, c.State)
	assert.False(t, c.ChatLocked)
	assert.Empty(t, c.StructuredData)
	assert.Empty(t, disp.kinds())

	h.oracle.reply(TaskSummarize, `{"issue_description": "broken lamp"}`)
	r = h.answer(t, id, "Done")
	assert.Equal(t, StateCompleted, r.State)
	assert.Equal(t, []string{fmt.Sprintf(msgSubmitted, id)}, contents(r.Messages))
	assert.Equal(t, []TaskKind{TaskKindReview}, disp.kinds())
}

func TestFinalize_ResumesInterruptedSubmission(t *testing.T) {
	disp := &recordingDispatcher{}
	h := newHarness(t, twoFieldCatalog(t), disp)
	ctx := context.Background()
	h.oracle.reply(TaskSummarize, `{"issue_description": "broken lamp"}`)

	r, err := h.svc.StartClaim(ctx, h.identity, testTransaction())
	require.NoError(t, err)
	id := r.ClaimID
	h.answer(t, id, "Item damaged")
	h.answer(t, id, "Lamp")

	// a row left behind mid-submission
	require.NoError(t, h.db.Model(&Claim{}).Where("id = ?", id).Update("state", StateFinalizing).Error)
	assert.False(t, h.claim(t, id).Submitted())

	r = h.answer(t, id, "are you still there?")
	assert.Equal(t, []string{msgEvidenceReminder}, contents(r.Messages))
	assert.Equal(t, StateUploadingEvidence, h.claim(t, id).State)

	r = h.answer(t, id, "Done")
	assert.Equal(t, StateCompleted, r.State)
	assert.Equal(t, []TaskKind{TaskKindReview}, disp.kinds())
}

func TestPostAnswer_ConcurrentTurnsSerialize(t *testing.T) {
	h := newHarness(t, twoFieldCatalog(t), &recordingDispatcher{})
	ctx := context.Background()
	h.oracle.reply(TaskValidate, `{"valid": true}`)

	r, err := h.svc.StartClaim(ctx, h.identity, testTransaction())
	require.NoError(t, err)
	id := r.ClaimID

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, text := range []string{"Item damaged", "Lamp"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = h.svc.PostAnswer(ctx, id, text, "")
		}()
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	// whichever turn ran first answered the first question
	c := h.claim(t, id)
	assert.Equal(t, StateUploadingEvidence, c.State)
	values := []string{}
	for _, v := range c.answers() {
		values = append(values, v)
	}
	assert.ElementsMatch(t, []string{"Item damaged", "Lamp"}, values)

	count := map[string]int{}
	for _, m := range h.transcript(t, id) {
		count[m]++
	}
	assert.Equal(t, 1, count["What went wrong?"])
	assert.Equal(t, 1, count["What is the name of the item you purchased?"])
	assert.Equal(t, 1, count[msgEvidencePrompt])

	msgs, err := h.store.ListMessages(ctx, id)
	require.NoError(t, err)
	users := 0
	for _, m := range msgs {
		if m.Sender == SenderUser {
			users++
		}
	}
	assert.Equal(t, 2, users)
}
