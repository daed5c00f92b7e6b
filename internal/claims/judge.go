package claims

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/suPer8Hu/claim-desk/internal/ai"
	"github.com/suPer8Hu/claim-desk/internal/oracle"
)

// Oracle task names.
const (
	TaskCondition  = "condition"
	TaskRedundancy = "redundancy"
	TaskExtract    = "extract"
	TaskValidate   = "validate"
	TaskSummarize  = "summarize"
	TaskReview     = "review"
	TaskAdjudicate = "adjudicate"
)

const judgeSystem = "You help run a credit card dispute intake conversation. " +
	"Answer strictly in JSON with the requested keys and nothing else."

// conditionHolds evaluates f.Condition. Oracle failure counts as true so the
// field is asked rather than silently dropped.
func conditionHolds(ctx context.Context, o oracle.Oracle, history []ai.Message, answers map[string]string, f Field) bool {
	prompt := fmt.Sprintf(`Answers collected so far:
%s

Based on the conversation and the answers above, is the following statement true?
"%s"

Respond in JSON: {"applies": true|false}`, formatAnswers(answers), f.Condition)

	out, err := o.Reason(ctx, oracle.Request{
		Task:        TaskCondition,
		System:      judgeSystem,
		Turns:       appendTurn(history, prompt),
		MaxTokens:   50,
		Temperature: 0,
		JSON:        true,
	})
	if err != nil {
		return true
	}
	var v struct {
		Applies *bool `json:"applies"`
	}
	if err := oracle.DecodeObject(out, &v); err != nil || v.Applies == nil {
		log.Printf("[Condition] unparsable output field=%s err=%v", f.ID, err)
		return true
	}
	return *v.Applies
}

// alreadyAnswered asks whether the conversation already answers f.
// Oracle failure counts as not answered.
func alreadyAnswered(ctx context.Context, o oracle.Oracle, history []ai.Message, f Field) bool {
	if len(history) == 0 {
		return false
	}
	prompt := fmt.Sprintf(`Has the user already answered the following question earlier in this conversation?
Question: "%s"

Respond in JSON: {"answered": true|false}`, f.Question)

	out, err := o.Reason(ctx, oracle.Request{
		Task:        TaskRedundancy,
		System:      judgeSystem,
		Turns:       appendTurn(history, prompt),
		MaxTokens:   50,
		Temperature: 0,
		JSON:        true,
	})
	if err != nil {
		return false
	}
	var v struct {
		Answered bool `json:"answered"`
	}
	if err := oracle.DecodeObject(out, &v); err != nil {
		return false
	}
	return v.Answered
}

// extractAnswer pulls the implied answer to f out of the conversation.
func extractAnswer(ctx context.Context, o oracle.Oracle, history []ai.Message, f Field) (string, bool) {
	opts := ""
	if len(f.Options) > 0 {
		opts = "\nIf possible answer with one of: " + strings.Join(f.Options, ", ")
	}
	prompt := fmt.Sprintf(`Extract the user's answer to the following question from the conversation.
Question: "%s"%s

Respond in JSON: {"answer": "<the answer in the user's words>"}`, f.Question, opts)

	out, err := o.Reason(ctx, oracle.Request{
		Task:        TaskExtract,
		System:      judgeSystem,
		Turns:       appendTurn(history, prompt),
		MaxTokens:   150,
		Temperature: 0,
		JSON:        true,
	})
	if err != nil {
		return "", false
	}
	var v struct {
		Answer string `json:"answer"`
	}
	if err := oracle.DecodeObject(out, &v); err != nil {
		return "", false
	}
	answer := strings.TrimSpace(v.Answer)
	if answer == "" {
		return "", false
	}
	if opt, ok := matchOption(f, answer); ok {
		answer = opt
	}
	return answer, true
}

func appendTurn(history []ai.Message, content string) []ai.Message {
	out := make([]ai.Message, 0, len(history)+1)
	out = append(out, history...)
	return append(out, ai.Message{Role: "user", Content: content})
}

func formatAnswers(answers map[string]string) string {
	if len(answers) == 0 {
		return "(none)"
	}
	b, err := json.MarshalIndent(answers, "", "  ")
	if err != nil {
		return "(none)"
	}
	return string(b)
}

func matchOption(f Field, answer string) (string, bool) {
	a := strings.TrimSpace(answer)
	for _, opt := range f.Options {
		if strings.EqualFold(a, opt) {
			return opt, true
		}
	}
	return "", false
}

// toTurns maps transcript rows to provider turns, oldest first.
func toTurns(desc []Message) []ai.Message {
	out := make([]ai.Message, 0, len(desc))
	for i := len(desc) - 1; i >= 0; i-- {
		m := desc[i]
		switch m.Sender {
		case SenderAssistant:
			out = append(out, ai.Message{Role: "assistant", Content: m.Content})
		case SenderMerchant:
			out = append(out, ai.Message{Role: "user", Content: "Merchant: " + m.Content})
		default:
			out = append(out, ai.Message{Role: "user", Content: m.Content})
		}
	}
	return out
}
