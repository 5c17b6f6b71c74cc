package client

import (
	"context"
	"fmt"

	"github.com/pesio-ai/be-wm-workflow/internal/errors"
	"github.com/pesio-ai/be-wm-workflow/internal/repository"
)

// GeneralLedgerClient books posted impact lines into the general ledger
// service. The engine only stages lines; the GL is the system of record
// once a line is posted.
type GeneralLedgerClient struct {
	client *httpClient
}

// NewGeneralLedgerClient creates a GL client. An empty baseURL yields a
// client whose capability is not available; posting then fails rather than
// pretending a booking happened.
func NewGeneralLedgerClient(baseURL string) *GeneralLedgerClient {
	if baseURL == "" {
		return &GeneralLedgerClient{}
	}
	return &GeneralLedgerClient{client: newHTTPClient(baseURL)}
}

// Available reports whether the GL capability is configured.
func (c *GeneralLedgerClient) Available() bool {
	return c.client != nil
}

// JournalLineRequest is one leg of the booked journal.
type JournalLineRequest struct {
	LineNumber int    `json:"line_number"`
	AccountID  string `json:"account_id"`
	LineType   string `json:"line_type"` // "debit" or "credit"
	Amount     int64  `json:"amount"`
	Reference  string `json:"reference,omitempty"`
}

// CreateJournalRequest is the booking payload for one impact line.
type CreateJournalRequest struct {
	SourceEntityID string                `json:"source_entity_id"`
	JournalDate    string                `json:"journal_date"`
	JournalType    string                `json:"journal_type"`
	Currency       string                `json:"currency"`
	Reference      string                `json:"reference"`
	Lines          []*JournalLineRequest `json:"lines"`
}

// CreateJournalResponse is the GL's acknowledgement.
type CreateJournalResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// BookImpact books a balanced two-leg journal for an impact line and
// returns the GL journal ID.
func (c *GeneralLedgerClient) BookImpact(ctx context.Context, line *repository.ImpactLine) (string, error) {
	if c.client == nil {
		return "", errors.New(errors.ErrCodeNotAvailable, "general ledger is not configured")
	}

	req := &CreateJournalRequest{
		SourceEntityID: line.SourceEntityID,
		JournalDate:    line.AsOfDate,
		JournalType:    line.EventType,
		Currency:       line.Currency,
		Reference:      line.ID,
		Lines: []*JournalLineRequest{
			{LineNumber: 1, AccountID: line.DebitAccount, LineType: "debit", Amount: line.Amount, Reference: line.ID},
			{LineNumber: 2, AccountID: line.CreditAccount, LineType: "credit", Amount: line.Amount, Reference: line.ID},
		},
	}

	var resp CreateJournalResponse
	if err := c.client.Post(ctx, "/api/v1/journals", req, &resp); err != nil {
		return "", fmt.Errorf("failed to book impact line to GL: %w", err)
	}

	return resp.ID, nil
}
