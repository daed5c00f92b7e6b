package claims

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/oklog/ulid/v2"
	"github.com/suPer8Hu/claim-desk/internal/oracle"
	"gorm.io/datatypes"
)

type Deps struct {
	Store      *Store
	Catalog    *Catalog
	Oracle     oracle.Oracle
	Pusher     Pusher
	Mailer     Mailer
	Blobs      BlobStore
	Extractor  TextExtractor
	Dispatcher Dispatcher
}

type Options struct {
	ContextWindow  int
	PublicBaseURL  string
	ReviewWaitDays int
	Reviewers      []Reviewer
}

// Service is the claim surface used by the transports and the worker.
type Service struct {
	store      *Store
	driver     *Driver
	review     *ReviewPipeline
	merchant   *MerchantNotifier
	adjudicate *Adjudicator
	blobs      BlobStore
	dispatcher Dispatcher
	deliver    deliverer
}

// NewService wires the lifecycle stages. A nil Dispatcher gets an in-process
// one bound to the returned service.
func NewService(d Deps, opts Options) *Service {
	if d.Catalog == nil {
		d.Catalog = DefaultCatalog()
	}
	if d.Pusher == nil {
		d.Pusher = nopPusher{}
	}
	if d.Dispatcher == nil {
		d.Dispatcher = NewGoDispatcher()
	}
	reviewers := opts.Reviewers
	if len(reviewers) == 0 {
		reviewers = DefaultReviewers(opts.ReviewWaitDays)
	}

	summarizer := NewSummarizer(d.Oracle, d.Store.Repo, d.Blobs, d.Extractor)
	merchant := NewMerchantNotifier(d.Store, d.Mailer, d.Dispatcher, d.Pusher, opts.PublicBaseURL)
	s := &Service{
		store:      d.Store,
		driver:     NewDriver(d.Store, d.Catalog, d.Oracle, summarizer, opts.ContextWindow),
		review:     NewReviewPipeline(d.Store, d.Oracle, reviewers, merchant, d.Pusher),
		merchant:   merchant,
		adjudicate: NewAdjudicator(d.Store, d.Oracle, d.Pusher),
		blobs:      d.Blobs,
		dispatcher: d.Dispatcher,
		deliver:    deliverer{repo: d.Store.Repo, pusher: d.Pusher},
	}
	if g, ok := d.Dispatcher.(*GoDispatcher); ok {
		g.Bind(s)
	}
	return s
}

// Login records identity so it can own claims before it opens one.
func (s *Service) Login(ctx context.Context, identity string) (*User, error) {
	if strings.TrimSpace(identity) == "" {
		return nil, ErrEmptyInput
	}
	return s.store.EnsureUser(ctx, identity)
}

// StartClaim creates a claim for identity and opens the dialogue.
func (s *Service) StartClaim(ctx context.Context, identity string, tx Transaction) (*Reply, error) {
	u, err := s.store.EnsureUser(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("ensure user: %w", err)
	}
	c := &Claim{
		UserID:      u.ID,
		State:       StateStart,
		Status:      StatusPending,
		Transaction: datatypes.NewJSONType(tx),
		Answers:     datatypes.NewJSONType(map[string]string{}),
	}
	if err := s.store.CreateClaim(ctx, c); err != nil {
		return nil, fmt.Errorf("create claim: %w", err)
	}
	t, err := s.driver.Open(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	return t.reply(), nil
}

func (s *Service) PostAnswer(ctx context.Context, claimID uint64, text, idempotencyKey string) (*Reply, error) {
	t, duplicate, err := s.driver.PostAnswer(ctx, claimID, text, idempotencyKey)
	if err != nil {
		return nil, err
	}
	r := t.reply()
	r.Duplicate = duplicate
	if t.summarized {
		s.deliver.summary(ctx, t.claim)
	}
	if t.launchReview {
		if err := s.dispatcher.Dispatch(ctx, NewTask(TaskKindReview, claimID)); err != nil {
			// the claim is already submitted; ResumeStalled relaunches it
			log.Printf("[Claims] dispatch review failed claim_id=%d err=%v", claimID, err)
		}
	}
	return r, nil
}

var unsafeFilename = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// PostAttachment stores an evidence file. The File row is written only after
// the blob is complete.
func (s *Service) PostAttachment(ctx context.Context, claimID uint64, filename string, data []byte) (*File, *Reply, error) {
	if len(data) == 0 {
		return nil, nil, ErrEmptyInput
	}
	if s.blobs == nil {
		return nil, nil, errors.New("claims: no blob store configured")
	}
	name := filepath.Base(strings.TrimSpace(filename))
	if name == "." || name == "/" || name == "" {
		name = "attachment"
	}
	mediaType, _, _ := strings.Cut(mimetype.Detect(data).String(), ";")

	t := &turn{}
	var file *File
	err := s.store.WithClaim(ctx, claimID, func(ctx context.Context, c *Claim) error {
		t.claim = c
		if c.Submitted() {
			return ErrClaimLocked
		}

		key := fmt.Sprintf("claims/%d/%s-%s", c.ID, ulid.Make().String(), unsafeFilename.ReplaceAllString(name, "_"))
		loc, err := s.blobs.Put(ctx, key, data, mediaType)
		if err != nil {
			return fmt.Errorf("store attachment: %w", err)
		}
		file = &File{ClaimID: c.ID, Filename: name, Location: loc, MediaType: mediaType, Size: int64(len(data))}
		if err := s.store.CreateFile(ctx, file); err != nil {
			return fmt.Errorf("record attachment: %w", err)
		}

		if _, err := appendMessage(ctx, s.store.Repo, c.ID, SenderUser, "Uploaded file: "+name, nil); err != nil {
			return err
		}
		m, err := appendMessage(ctx, s.store.Repo, c.ID, SenderAssistant, fmt.Sprintf("File received: %s.", name), nil)
		if err != nil {
			return err
		}
		t.emitted = append(t.emitted, *m)
		return errUnchanged
	})
	if err != nil {
		return nil, nil, err
	}
	return file, t.reply(), nil
}

// Transcript is the catch-up view a reconnecting client reads.
type Transcript struct {
	Claim          *Claim         `json:"claim"`
	Messages       []Message      `json:"messages"`
	Files          []File         `json:"files"`
	StructuredData datatypes.JSON `json:"structured_data,omitempty"`
}

func (s *Service) GetTranscript(ctx context.Context, claimID uint64) (*Transcript, error) {
	c, err := s.store.GetClaim(ctx, claimID)
	if err != nil {
		return nil, err
	}
	msgs, err := s.store.ListMessages(ctx, claimID)
	if err != nil {
		return nil, err
	}
	files, err := s.store.ListFiles(ctx, claimID)
	if err != nil {
		return nil, err
	}
	return &Transcript{Claim: c, Messages: msgs, Files: files, StructuredData: c.StructuredData}, nil
}

// MerchantView is the read-only claim shown to the merchant.
type MerchantView struct {
	ClaimID          uint64         `json:"claim_id"`
	Status           string         `json:"status"`
	Transaction      Transaction    `json:"transaction"`
	StructuredData   datatypes.JSON `json:"structured_data,omitempty"`
	MerchantResponse *string        `json:"merchant_response,omitempty"`
}

func (s *Service) ViewClaim(ctx context.Context, claimID uint64) (*MerchantView, error) {
	c, err := s.store.GetClaim(ctx, claimID)
	if err != nil {
		return nil, err
	}
	return &MerchantView{
		ClaimID:          c.ID,
		Status:           c.Status,
		Transaction:      c.Transaction.Data(),
		StructuredData:   c.StructuredData,
		MerchantResponse: c.MerchantResponse,
	}, nil
}

func (s *Service) PostMerchantReply(ctx context.Context, claimID uint64, text string) error {
	return s.merchant.HandleReply(ctx, claimID, text)
}

// ClaimOwnedBy returns the claim if identity owns it, ErrNotFound otherwise.
func (s *Service) ClaimOwnedBy(ctx context.Context, claimID uint64, identity string) (*Claim, error) {
	c, err := s.store.GetClaim(ctx, claimID)
	if err != nil {
		return nil, err
	}
	u, err := s.store.GetUserByIdentity(ctx, identity)
	if err != nil {
		return nil, err
	}
	if c.UserID != u.ID {
		return nil, ErrNotFound
	}
	return c, nil
}

func (s *Service) ListClaims(ctx context.Context, identity string) ([]Claim, error) {
	u, err := s.store.GetUserByIdentity(ctx, identity)
	if err != nil {
		return nil, err
	}
	return s.store.ListClaimsByUser(ctx, u.ID)
}

// RunTask executes one background stage.
func (s *Service) RunTask(ctx context.Context, t Task) error {
	switch t.Kind {
	case TaskKindReview:
		return s.review.Run(ctx, t.ClaimID)
	case TaskKindAdjudicate:
		return s.adjudicate.Run(ctx, t.ClaimID)
	default:
		return fmt.Errorf("unknown task kind %q", t.Kind)
	}
}

// ResumeStalled relaunches the background stage of every claim that has
// waited on one for at least olderThan. Both stages skip claims that moved
// on, so a relaunch of a stage that is still running is harmless.
func (s *Service) ResumeStalled(ctx context.Context, olderThan time.Duration) (int, error) {
	stalled, err := s.store.ListStalledClaims(ctx, time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("list stalled claims: %w", err)
	}
	n := 0
	for _, c := range stalled {
		kind := TaskKindReview
		if c.Status == StatusMerchantReplied {
			if len(c.AdjudicationResult) > 0 {
				continue
			}
			kind = TaskKindAdjudicate
		}
		if err := s.dispatcher.Dispatch(ctx, NewTask(kind, c.ID)); err != nil {
			log.Printf("[Claims] resume dispatch failed claim_id=%d kind=%s err=%v", c.ID, kind, err)
			continue
		}
		n++
	}
	if n > 0 {
		log.Printf("[Claims] resumed stalled claims count=%d", n)
	}
	return n, nil
}

// WatchStalled runs ResumeStalled now and then every interval until ctx ends.
func (s *Service) WatchStalled(ctx context.Context, every, olderThan time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		if _, err := s.ResumeStalled(ctx, olderThan); err != nil {
			log.Printf("[Claims] resume stalled err=%v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
