package claims

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
)

const (
	merchantSubject     = "New Chargeback Claim Notification"
	msgMerchantNotified = "Your claim has been sent to the merchant for a response. We will let you know here once it has been reviewed."
)

// MerchantNotifier hands a reviewed claim to the merchant and ingests the reply.
type MerchantNotifier struct {
	store      *Store
	mailer     Mailer
	dispatcher Dispatcher
	baseURL    string
	deliver    deliverer
}

func NewMerchantNotifier(store *Store, mailer Mailer, dispatcher Dispatcher, pusher Pusher, baseURL string) *MerchantNotifier {
	if mailer == nil {
		mailer = nopMailer{}
	}
	return &MerchantNotifier{
		store:      store,
		mailer:     mailer,
		dispatcher: dispatcher,
		baseURL:    strings.TrimRight(baseURL, "/"),
		deliver:    deliverer{repo: store.Repo, pusher: pusher},
	}
}

func (n *MerchantNotifier) ViewURL(claimID uint64) string {
	return fmt.Sprintf("%s/merchant/claims/%d", n.baseURL, claimID)
}

// Notify moves the claim to Awaiting Merchant Response and emails the
// merchant. Email delivery is best-effort.
func (n *MerchantNotifier) Notify(ctx context.Context, claimID uint64) error {
	var saved *Claim
	var note *Message
	err := n.store.WithClaim(ctx, claimID, func(ctx context.Context, c *Claim) error {
		if c.State != StateCompleted || c.Status != StatusPending {
			return errUnchanged
		}
		c.Status = StatusAwaitingMerchant
		m, err := appendMessage(ctx, n.store.Repo, c.ID, SenderAssistant, msgMerchantNotified, nil)
		if err != nil {
			return err
		}
		note = m
		saved = c
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark awaiting merchant: %w", err)
	}
	if saved == nil {
		return nil
	}

	to := merchantEmail(saved)
	if to == "" {
		log.Printf("[Merchant] no merchant email claim_id=%d", saved.ID)
	} else {
		body := fmt.Sprintf("You have received a new chargeback claim. Please review it here: %s", n.ViewURL(saved.ID))
		if err := n.mailer.Send(ctx, to, merchantSubject, body); err != nil {
			log.Printf("[Merchant] email failed claim_id=%d to=%s err=%v", saved.ID, to, err)
		}
	}

	n.deliver.messages(ctx, saved.UserID, *note)
	n.deliver.status(ctx, saved)
	return nil
}

// HandleReply records the merchant's answer and launches adjudication.
func (n *MerchantNotifier) HandleReply(ctx context.Context, claimID uint64, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyInput
	}

	var saved *Claim
	err := n.store.WithClaim(ctx, claimID, func(ctx context.Context, c *Claim) error {
		if c.Status != StatusAwaitingMerchant || c.MerchantResponse != nil {
			return ErrNotAwaitingReply
		}
		if _, err := appendMessage(ctx, n.store.Repo, c.ID, SenderMerchant, text, nil); err != nil {
			return err
		}
		reply := text
		c.MerchantResponse = &reply
		c.Status = StatusMerchantReplied
		saved = c
		return nil
	})
	if err != nil {
		return err
	}

	n.deliver.status(ctx, saved)
	if err := n.dispatcher.Dispatch(ctx, NewTask(TaskKindAdjudicate, claimID)); err != nil {
		return fmt.Errorf("dispatch adjudication: %w", err)
	}
	return nil
}

func merchantEmail(c *Claim) string {
	if e := strings.TrimSpace(c.Transaction.Data().MerchantEmail); e != "" {
		return e
	}
	var rec struct {
		TransactionDetails struct {
			MerchantEmail string `json:"merchant_email"`
		} `json:"transaction_details"`
	}
	if len(c.StructuredData) == 0 || json.Unmarshal(c.StructuredData, &rec) != nil {
		return ""
	}
	return strings.TrimSpace(rec.TransactionDetails.MerchantEmail)
}
