package claims

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/suPer8Hu/claim-desk/internal/ai"
	"github.com/suPer8Hu/claim-desk/internal/oracle"
)

type Verdict struct {
	Valid         bool
	Clarification string
}

// Validator checks one answer against the question being asked. It fails
// open: any oracle or parse failure accepts the answer.
type Validator struct {
	oracle oracle.Oracle
}

func NewValidator(o oracle.Oracle) *Validator {
	return &Validator{oracle: o}
}

func (v *Validator) Validate(ctx context.Context, history []ai.Message, f Field, answer string) Verdict {
	prompt := fmt.Sprintf(`The user was asked: "%s"
The user answered: "%s"

Is this a relevant and sufficient answer to the question? If not, write a short,
polite clarification question asking for what is missing.

Respond in JSON: {"valid": true|false, "clarification": "<text or empty>"}`, f.Question, answer)

	out, err := v.oracle.Reason(ctx, oracle.Request{
		Task:        TaskValidate,
		System:      judgeSystem,
		Turns:       appendTurn(history, prompt),
		MaxTokens:   150,
		Temperature: 0.2,
		JSON:        true,
	})
	if err != nil {
		return Verdict{Valid: true}
	}

	var parsed struct {
		Valid         *bool  `json:"valid"`
		Clarification string `json:"clarification"`
	}
	if err := oracle.DecodeObject(out, &parsed); err != nil || parsed.Valid == nil {
		log.Printf("[Validator] unparsable output field=%s err=%v", f.ID, err)
		return Verdict{Valid: true}
	}
	if *parsed.Valid {
		return Verdict{Valid: true}
	}
	clar := strings.TrimSpace(parsed.Clarification)
	if clar == "" {
		clar = "Sorry, I didn't quite get that. " + f.Question
	}
	return Verdict{Valid: false, Clarification: clar}
}
