package claims

import (
	"time"

	"gorm.io/datatypes"
)

type State string

const (
	StateStart             State = "START"
	StateCollectingInfo    State = "COLLECTING_INFO"
	StateUploadingEvidence State = "UPLOADING_EVIDENCE"
	StateAdditionalInfo    State = "ADDITIONAL_INFO"
	StateFinalizing        State = "FINALIZING"
	StateCompleted         State = "COMPLETED"
	StateAdjudicated       State = "ADJUDICATED"
)

// Status labels shown to the claimant and the merchant.
const (
	StatusPending          = "Pending"
	StatusWaitingDelivery  = "Waiting for Delivery"
	StatusAwaitingMerchant = "Awaiting Merchant Response"
	StatusMerchantReplied  = "Merchant Responded"
	StatusAdjudicated      = "Adjudicated"
)

const (
	SenderUser      = "user"
	SenderAssistant = "assistant"
	SenderMerchant  = "merchant"
)

type User struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	Identity  string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"identity"`
	CreatedAt time.Time `json:"created_at"`
}

func (User) TableName() string { return "claim_users" }

// Transaction is the card transaction being disputed.
type Transaction struct {
	Name          string `json:"transaction_name"`
	Date          string `json:"date"`
	Amount        string `json:"amount,omitempty"`
	MerchantName  string `json:"merchant_name"`
	MerchantEmail string `json:"merchant_email"`
	TransactionID string `json:"transaction_id"`
}

type Claim struct {
	ID     uint64 `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID uint64 `gorm:"index;not null" json:"-"`

	State  State  `gorm:"type:varchar(32);index;not null" json:"state"`
	Status string `gorm:"type:varchar(64);not null" json:"status"`

	Transaction    datatypes.JSONType[Transaction]       `json:"transaction"`
	RawText        string                                `gorm:"type:text" json:"raw_text"`
	StructuredData datatypes.JSON                        `json:"structured_data"`
	Answers        datatypes.JSONType[map[string]string] `json:"answers"`
	AdditionalInfo string                                `gorm:"type:text" json:"additional_info"`

	// QuestionIndex is nil outside the question phase.
	QuestionIndex   *int    `json:"question_index"`
	CurrentQuestion *string `gorm:"type:varchar(64)" json:"current_question"`
	ChatLocked      bool    `gorm:"not null;default:false" json:"chat_locked"`

	ExpertFeedback     datatypes.JSON `json:"expert_feedback,omitempty"`
	MerchantResponse   *string        `gorm:"type:text" json:"merchant_response,omitempty"`
	AdjudicationResult datatypes.JSON `json:"adjudication_result,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Claim) TableName() string { return "claims" }

func (c *Claim) answers() map[string]string {
	m := c.Answers.Data()
	if m == nil {
		m = map[string]string{}
	}
	return m
}

func (c *Claim) setAnswers(m map[string]string) {
	c.Answers = datatypes.NewJSONType(m)
}

// Submitted reports whether the claim no longer accepts dialogue input.
func (c *Claim) Submitted() bool {
	switch c.State {
	case StateCompleted, StateAdjudicated:
		return true
	}
	return c.ChatLocked
}

type Message struct {
	ID             uint64         `gorm:"primaryKey;autoIncrement" json:"id"`
	ClaimID        uint64         `gorm:"not null;index:idx_claim_msg_order,priority:1;index:uniq_claim_msg_idempo,unique,priority:1" json:"claim_id"`
	Sender         string         `gorm:"type:varchar(16);not null" json:"sender"`
	Content        string         `gorm:"type:text;not null" json:"content"`
	Options        datatypes.JSON `json:"options,omitempty"`
	IdempotencyKey *string        `gorm:"type:varchar(128);index:uniq_claim_msg_idempo,unique,priority:2" json:"-"`
	CreatedAt      time.Time      `gorm:"index:idx_claim_msg_order,priority:2" json:"created_at"`
}

func (Message) TableName() string { return "claim_messages" }

type File struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	ClaimID   uint64    `gorm:"index;not null" json:"claim_id"`
	Filename  string    `gorm:"type:varchar(200);not null" json:"filename"`
	Location  string    `gorm:"type:varchar(500);not null" json:"-"`
	MediaType string    `gorm:"type:varchar(100)" json:"media_type"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

func (File) TableName() string { return "claim_files" }

// Models lists every table for AutoMigrate.
func Models() []any {
	return []any{&User{}, &Claim{}, &Message{}, &File{}}
}
