package claims

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"

	"github.com/suPer8Hu/claim-desk/internal/ai"
	"github.com/suPer8Hu/claim-desk/internal/oracle"
)

// Record is the structured claim produced by summarization.
type Record map[string]any

// ErrEmptySummary means the oracle produced no usable record. Callers treat
// it as a failed summarization, never as an empty claim.
var ErrEmptySummary = errors.New("claims: empty summary")

const summarizeSystem = "You are an assistant that helps to create a detailed structured summary of credit card dispute claims."

type Summarizer struct {
	oracle    oracle.Oracle
	repo      *Repo
	blobs     BlobStore
	extractor TextExtractor
}

func NewSummarizer(o oracle.Oracle, repo *Repo, blobs BlobStore, extractor TextExtractor) *Summarizer {
	return &Summarizer{oracle: o, repo: repo, blobs: blobs, extractor: extractor}
}

// Summarize returns the structured record and the raw text it was built from.
func (s *Summarizer) Summarize(ctx context.Context, c *Claim) (Record, string, error) {
	raw := rawText(c)

	files, err := s.repo.ListFiles(ctx, c.ID)
	if err != nil {
		return nil, raw, fmt.Errorf("list files: %w", err)
	}

	turns := []ai.Message{{Role: "user", Content: summaryPrompt(c, raw, files)}}
	turns = append(turns, s.evidenceTurns(ctx, files)...)

	out, err := s.oracle.Reason(ctx, oracle.Request{
		Task:        TaskSummarize,
		System:      summarizeSystem,
		Turns:       turns,
		MaxTokens:   1000,
		Temperature: 0.5,
		JSON:        true,
	})
	if err != nil {
		return nil, raw, fmt.Errorf("%w: %v", ErrEmptySummary, err)
	}

	var rec Record
	if err := oracle.DecodeObject(out, &rec); err != nil {
		log.Printf("[Summarizer] unparsable output claim_id=%d err=%v", c.ID, err)
		return nil, raw, ErrEmptySummary
	}
	if len(rec) == 0 {
		return nil, raw, ErrEmptySummary
	}
	return rec, raw, nil
}

// evidenceTurns renders attachments: images inline, PDFs as extracted text,
// anything else as a note. A file that cannot be read becomes a placeholder.
func (s *Summarizer) evidenceTurns(ctx context.Context, files []File) []ai.Message {
	out := make([]ai.Message, 0, len(files))
	for _, f := range files {
		var data []byte
		var err error
		if s.blobs != nil {
			data, err = s.blobs.Get(ctx, f.Location)
		} else {
			err = errors.New("no blob store")
		}
		if err != nil {
			log.Printf("[Summarizer] read attachment failed file_id=%d err=%v", f.ID, err)
			out = append(out, ai.Message{Role: "user", Content: placeholder(f)})
			continue
		}

		switch {
		case strings.HasPrefix(f.MediaType, "image/"):
			out = append(out, ai.Message{
				Role:    "user",
				Content: fmt.Sprintf("Please analyze the following image (%s) and provide a brief description relevant to the claim.", f.Filename),
				Images:  []ai.Image{{MIMEType: f.MediaType, Base64: base64.StdEncoding.EncodeToString(data)}},
			})
		case f.MediaType == "application/pdf":
			text, err := s.extractPDF(ctx, f, data)
			if err != nil {
				log.Printf("[Summarizer] pdf extraction failed file_id=%d err=%v", f.ID, err)
				out = append(out, ai.Message{Role: "user", Content: placeholder(f)})
				continue
			}
			out = append(out, ai.Message{
				Role: "user",
				Content: fmt.Sprintf("Please analyze the following PDF content and provide a brief description relevant to the claim.\n\nPDF Name: %s\n\nPDF Content:\n\"\"\"\n%s\n\"\"\"",
					f.Filename, text),
			})
		default:
			out = append(out, ai.Message{
				Role:    "user",
				Content: fmt.Sprintf("The claimant also attached %s (%s). Its content was not analyzed.", f.Filename, f.MediaType),
			})
		}
	}
	return out
}

func (s *Summarizer) extractPDF(ctx context.Context, f File, data []byte) (string, error) {
	if s.extractor == nil {
		return "", errors.New("no text extractor")
	}
	text, err := s.extractor.ExtractText(ctx, "file:"+strconv.FormatUint(f.ID, 10), data, f.MediaType)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", errors.New("no text in document")
	}
	return text, nil
}

func placeholder(f File) string {
	return fmt.Sprintf("[Attachment %s (%s) could not be processed; treat it as provided but unreviewed.]", f.Filename, f.MediaType)
}

// rawText flattens the transaction, answers and supplementary text.
func rawText(c *Claim) string {
	tx := c.Transaction.Data()
	var b strings.Builder
	b.WriteString("Transaction Details:\n")
	fmt.Fprintf(&b, "transaction_name: %s\n", tx.Name)
	fmt.Fprintf(&b, "date: %s\n", tx.Date)
	if tx.Amount != "" {
		fmt.Fprintf(&b, "amount: %s\n", tx.Amount)
	}
	fmt.Fprintf(&b, "merchant_name: %s\n", tx.MerchantName)
	fmt.Fprintf(&b, "merchant_email: %s\n", tx.MerchantEmail)
	fmt.Fprintf(&b, "transaction_id: %s\n", tx.TransactionID)

	b.WriteString("\nUser Responses:\n")
	answers := c.answers()
	keys := make([]string, 0, len(answers))
	for k := range answers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\n", k, answers[k])
	}

	if c.AdditionalInfo != "" {
		b.WriteString("\nAdditional Information:\n")
		b.WriteString(c.AdditionalInfo)
		b.WriteString("\n")
	}
	return b.String()
}

func summaryPrompt(c *Claim, raw string, files []File) string {
	tx := c.Transaction.Data()
	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, f.Filename)
	}
	evidence := "(none)"
	if len(names) > 0 {
		evidence = strings.Join(names, ", ")
	}

	return fmt.Sprintf(`Please create a structured summary of the following claim details provided by the cardholder during an interactive session.

Ensure that all sensitive personal information is anonymized or omitted.

Include any relevant information from the attached files.

Provide the JSON output only, with the following structure:
{
  "transaction_details": {
    "transaction_name": %q,
    "date_of_transaction": %q,
    "amount": %q,
    "merchant_name": %q,
    "merchant_email": %q,
    "transaction_id": %q
  },
  "claimant_information": {"user_id": "%d"},
  "issue_description": "",
  "dispute_category": "",
  "tracking_information": "",
  "evidence_provided": [],
  "desired_resolution": "",
  "additional_notes": ""
}

Claim Details:
"""
%s
"""

Attached files: %s`, tx.Name, tx.Date, tx.Amount, tx.MerchantName, tx.MerchantEmail, tx.TransactionID, c.UserID, raw, evidence)
}
