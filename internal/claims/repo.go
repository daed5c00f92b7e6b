package claims

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

type txKey struct{}

// conn returns the transaction carried by ctx, or the pool.
func (r *Repo) conn(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return tx.WithContext(ctx)
	}
	return r.db.WithContext(ctx)
}

// InTx runs fn in one transaction. Repo calls made with the ctx passed to
// fn join it; a nested InTx reuses the outer transaction.
func (r *Repo) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return fn(ctx)
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// EnsureUser returns the user for identity, creating it on first contact.
func (r *Repo) EnsureUser(ctx context.Context, identity string) (*User, error) {
	u, err := r.GetUserByIdentity(ctx, identity)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	u = &User{Identity: identity}
	if err := r.conn(ctx).Create(u).Error; err != nil {
		// lost a creation race on the unique index
		if existing, getErr := r.GetUserByIdentity(ctx, identity); getErr == nil {
			return existing, nil
		}
		return nil, err
	}
	return u, nil
}

func (r *Repo) GetUserByIdentity(ctx context.Context, identity string) (*User, error) {
	var u User
	if err := r.conn(ctx).Where("identity = ?", identity).First(&u).Error; err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

func (r *Repo) GetUserByID(ctx context.Context, id uint64) (*User, error) {
	var u User
	if err := r.conn(ctx).First(&u, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

func (r *Repo) CreateClaim(ctx context.Context, c *Claim) error {
	return r.conn(ctx).Create(c).Error
}

func (r *Repo) GetClaim(ctx context.Context, id uint64) (*Claim, error) {
	var c Claim
	if err := r.conn(ctx).First(&c, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (r *Repo) SaveClaim(ctx context.Context, c *Claim) error {
	return r.conn(ctx).Save(c).Error
}

func (r *Repo) ListClaimsByUser(ctx context.Context, userID uint64) ([]Claim, error) {
	var out []Claim
	if err := r.conn(ctx).
		Where("user_id = ?", userID).
		Order("id DESC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// ListStalledClaims returns claims last written at or before cutoff that are
// waiting on a background stage: submitted and not yet reviewed, or answered
// by the merchant and not yet adjudicated.
func (r *Repo) ListStalledClaims(ctx context.Context, cutoff time.Time) ([]Claim, error) {
	var out []Claim
	if err := r.conn(ctx).
		Where("updated_at <= ?", cutoff).
		Where("state = ? AND status IN ?", StateCompleted, []string{StatusPending, StatusMerchantReplied}).
		Order("id ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repo) InsertMessage(ctx context.Context, m *Message) error {
	return r.conn(ctx).Create(m).Error
}

// InsertMessageOrGetExisting inserts m unless a message with the same
// (claim_id, idempotency_key) exists, in which case the existing row is returned.
func (r *Repo) InsertMessageOrGetExisting(ctx context.Context, m *Message) (*Message, bool, error) {
	if m.IdempotencyKey == nil || *m.IdempotencyKey == "" {
		m.IdempotencyKey = nil
		if err := r.InsertMessage(ctx, m); err != nil {
			return nil, false, err
		}
		return m, true, nil
	}

	existing, err := r.MessageByIdempotencyKey(ctx, m.ClaimID, *m.IdempotencyKey)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}
	if err := r.InsertMessage(ctx, m); err != nil {
		return nil, false, fmt.Errorf("insert message: %w", err)
	}
	return m, true, nil
}

func (r *Repo) MessageByIdempotencyKey(ctx context.Context, claimID uint64, key string) (*Message, error) {
	var m Message
	if err := r.conn(ctx).
		Where("claim_id = ? AND idempotency_key = ?", claimID, key).
		First(&m).Error; err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

// ListMessages returns the full transcript in append order.
func (r *Repo) ListMessages(ctx context.Context, claimID uint64) ([]Message, error) {
	var msgs []Message
	if err := r.conn(ctx).
		Where("claim_id = ?", claimID).
		Order("created_at ASC, id ASC").
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

// ListRecentMessagesDesc returns the most recent messages (newest -> oldest).
func (r *Repo) ListRecentMessagesDesc(ctx context.Context, claimID uint64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	var msgs []Message
	if err := r.conn(ctx).
		Where("claim_id = ?", claimID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

// LastMessage returns nil when the transcript is empty.
func (r *Repo) LastMessage(ctx context.Context, claimID uint64) (*Message, error) {
	msgs, err := r.ListRecentMessagesDesc(ctx, claimID, 1)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return &msgs[0], nil
}

func (r *Repo) CountMessages(ctx context.Context, claimID uint64) (int64, error) {
	var n int64
	err := r.conn(ctx).Model(&Message{}).Where("claim_id = ?", claimID).Count(&n).Error
	return n, err
}

func (r *Repo) CreateFile(ctx context.Context, f *File) error {
	return r.conn(ctx).Create(f).Error
}

func (r *Repo) ListFiles(ctx context.Context, claimID uint64) ([]File, error) {
	var files []File
	if err := r.conn(ctx).
		Where("claim_id = ?", claimID).
		Order("id ASC").
		Find(&files).Error; err != nil {
		return nil, err
	}
	return files, nil
}

// Store adds per-claim exclusivity on top of Repo.
type Store struct {
	*Repo
	locker Locker
}

func NewStore(repo *Repo, locker Locker) *Store {
	if locker == nil {
		locker = NewLocalLocker()
	}
	return &Store{Repo: repo, locker: locker}
}

var errUnchanged = errors.New("claims: unchanged")

// WithClaim loads the claim under its lock, runs fn and saves the result,
// all in one transaction: an error from fn rolls back every write made with
// the ctx it was given. fn may return errUnchanged to commit its own writes
// without saving the claim.
func (s *Store) WithClaim(ctx context.Context, claimID uint64, fn func(ctx context.Context, c *Claim) error) error {
	unlock, err := s.locker.Lock(ctx, claimLockKey(claimID))
	if err != nil {
		return fmt.Errorf("lock claim %d: %w", claimID, err)
	}
	defer unlock()

	return s.InTx(ctx, func(ctx context.Context) error {
		c, err := s.GetClaim(ctx, claimID)
		if err != nil {
			return err
		}
		if err := fn(ctx, c); err != nil {
			if errors.Is(err, errUnchanged) {
				return nil
			}
			return err
		}
		return s.SaveClaim(ctx, c)
	})
}
