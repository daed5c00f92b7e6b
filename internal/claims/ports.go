package claims

import "context"

// Pusher delivers a live event to whichever channel currently serves identity.
// It reports false when nothing was delivered; the transcript stays the source
// of truth either way.
type Pusher interface {
	Push(ctx context.Context, identity, event string, payload any) bool
}

type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// BlobStore holds attachment bytes. Put returns the location recorded on the File row.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, location string) ([]byte, error)
}

type TextExtractor interface {
	ExtractText(ctx context.Context, cacheKey string, data []byte, mediaType string) (string, error)
}

const (
	EventMessage      = "message"
	EventClaimSummary = "update_claim_summary"
	EventClaimStatus  = "claim_status"
)

type nopPusher struct{}

func (nopPusher) Push(context.Context, string, string, any) bool { return false }

type nopMailer struct{}

func (nopMailer) Send(context.Context, string, string, string) error { return nil }
