// Package oracle wraps a chat provider as the reasoning oracle used by the
// claim workflow. Every call is a single best-effort request; callers decide
// their own fallback when the call fails or the output does not parse.
package oracle

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/suPer8Hu/claim-desk/internal/ai"
)

// Request is one oracle call. Task names the call site and is only used for
// logging and by test fakes.
type Request struct {
	Task        string
	System      string
	Turns       []ai.Message
	MaxTokens   int
	Temperature float64
	JSON        bool
}

type Oracle interface {
	Reason(ctx context.Context, req Request) (string, error)
}

var ErrEmptyOutput = errors.New("oracle: empty output")

// ProviderOracle adapts an ai.Provider.
type ProviderOracle struct {
	provider ai.Provider
}

func New(provider ai.Provider) *ProviderOracle {
	return &ProviderOracle{provider: provider}
}

func (o *ProviderOracle) Reason(ctx context.Context, req Request) (string, error) {
	msgs := make([]ai.Message, 0, len(req.Turns)+1)
	if strings.TrimSpace(req.System) != "" {
		msgs = append(msgs, ai.Message{Role: "system", Content: req.System})
	}
	msgs = append(msgs, req.Turns...)

	start := time.Now()
	out, err := o.provider.Chat(ctx, msgs, ai.ChatOptions{
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		JSON:        req.JSON,
	})
	cost := time.Since(start)
	if err != nil {
		log.Printf("oracle_failed task=%s cost=%s err=%v", req.Task, cost, err)
		return "", err
	}
	if cost > 5*time.Second {
		log.Printf("oracle_timing task=%s cost=%s", req.Task, cost)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", ErrEmptyOutput
	}
	return out, nil
}

// Func lets a plain function act as an Oracle.
type Func func(ctx context.Context, req Request) (string, error)

func (f Func) Reason(ctx context.Context, req Request) (string, error) { return f(ctx, req) }
