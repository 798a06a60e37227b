package exports

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// AccountingClient talks to a Paheko instance over its HTTP API with basic
// auth. Requests are rate limited so duplicate-guard probes and transaction
// creation cannot hammer a small self-hosted server.
type AccountingClient struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewAccountingClient creates a client for one Paheko base URL
func NewAccountingClient(baseURL, username, password string) *AccountingClient {
	return &AccountingClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		username:   username,
		password:   password,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(5), 5),
	}
}

// AccountingYear is one exercise period defined in the accounting software
type AccountingYear struct {
	ID        int64  `json:"id"`
	Label     string `json:"label"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
	Closed    int    `json:"closed"`
}

// JournalEntry is one line of an account journal
type JournalEntry struct {
	ID     int64  `json:"id"`
	Date   string `json:"date"`
	Label  string `json:"label"`
	Debit  string `json:"debit"`
	Credit string `json:"credit"`
}

// Transaction is the created-transaction response
type Transaction struct {
	ID    int64  `json:"id"`
	Label string `json:"label"`
	Date  string `json:"date"`
}

// TransactionLine is one line of an ADVANCED multi-line entry
type TransactionLine struct {
	Account string  `json:"account"`
	Debit   float64 `json:"debit"`
	Credit  float64 `json:"credit"`
}

// TransactionRequest is the entry creation payload. Simplified types carry
// amount plus single debit/credit codes; ADVANCED carries explicit lines.
type TransactionRequest struct {
	IDYear    int64             `json:"id_year"`
	Label     string            `json:"label"`
	Date      string            `json:"date"` // YYYY-MM-DD
	Type      string            `json:"type"` // EXPENSE, REVENUE, TRANSFER, ADVANCED
	Amount    float64           `json:"amount,omitempty"`
	Credit    string            `json:"credit,omitempty"`
	Debit     string            `json:"debit,omitempty"`
	Lines     []TransactionLine `json:"lines,omitempty"`
	Reference string            `json:"reference,omitempty"`
	Notes     string            `json:"notes,omitempty"`
}

func (c *AccountingClient) do(ctx context.Context, method, endpoint string, body io.Reader, contentType string) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/api/"+endpoint, body)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.username, c.password)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return c.httpClient.Do(req)
}

func decodeResponse(resp *http.Response, out any) error {
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("accounting API returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GetAccountingYears lists the exercise periods
func (c *AccountingClient) GetAccountingYears(ctx context.Context) ([]AccountingYear, error) {
	resp, err := c.do(ctx, http.MethodGet, "accounting/years", nil, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list accounting years: %w", err)
	}
	var years []AccountingYear
	if err := decodeResponse(resp, &years); err != nil {
		return nil, err
	}
	return years, nil
}

// YearForDate returns the accounting year whose period contains an ISO date
func (c *AccountingClient) YearForDate(ctx context.Context, isoDate string) (*AccountingYear, error) {
	date, err := time.Parse("2006-01-02", isoDate)
	if err != nil {
		return nil, fmt.Errorf("invalid date %q: %w", isoDate, err)
	}
	years, err := c.GetAccountingYears(ctx)
	if err != nil {
		return nil, err
	}
	for i := range years {
		start, err1 := time.Parse("2006-01-02", years[i].StartDate)
		end, err2 := time.Parse("2006-01-02", years[i].EndDate)
		if err1 != nil || err2 != nil {
			continue
		}
		if !date.Before(start) && !date.After(end) {
			return &years[i], nil
		}
	}
	return nil, fmt.Errorf("no accounting year covers %s", isoDate)
}

// GetAccountJournal lists the journal of one account code within a year
func (c *AccountingClient) GetAccountJournal(ctx context.Context, idYear int64, accountCode string) ([]JournalEntry, error) {
	endpoint := fmt.Sprintf("accounting/years/%d/account/journal?code=%s", idYear, url.QueryEscape(accountCode))
	resp, err := c.do(ctx, http.MethodGet, endpoint, nil, "")
	if err != nil {
		return nil, fmt.Errorf("failed to read account journal: %w", err)
	}
	var entries []JournalEntry
	if err := decodeResponse(resp, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// CreateTransaction creates one simplified accounting entry
func (c *AccountingClient) CreateTransaction(ctx context.Context, req *TransactionRequest) (*Transaction, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, http.MethodPost, "accounting/transaction", bytes.NewReader(body), "application/json")
	if err != nil {
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}
	var tx Transaction
	if err := decodeResponse(resp, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}
