package exports

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/fakturenn/internal/models"
)

type fakeAccountingServer struct {
	*httptest.Server
	journal       []JournalEntry
	created       []TransactionRequest
	journalProbes int
}

func newFakeAccountingServer(t *testing.T) *fakeAccountingServer {
	t.Helper()
	f := &fakeAccountingServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/accounting/years", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "api" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode([]AccountingYear{
			{ID: 3, Label: "Exercice 2025", StartDate: "2025-01-01", EndDate: "2025-12-31"},
			{ID: 2, Label: "Exercice 2024", StartDate: "2024-01-01", EndDate: "2024-12-31", Closed: 1},
		})
	})
	mux.HandleFunc("GET /api/accounting/years/3/account/journal", func(w http.ResponseWriter, r *http.Request) {
		f.journalProbes++
		json.NewEncoder(w).Encode(f.journal)
	})
	mux.HandleFunc("POST /api/accounting/transaction", func(w http.ResponseWriter, r *http.Request) {
		var req TransactionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.created = append(f.created, req)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(Transaction{ID: 42, Label: req.Label, Date: req.Date})
	})
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Server.Close)
	return f
}

func newAccountingHandler(t *testing.T, baseURL string) *AccountingHandler {
	t.Helper()
	h, err := NewAccountingHandler(arbor.NewLogger(), &models.Export{
		Type: models.ExportTypePaheko,
		Configuration: map[string]any{
			"base_url":       baseURL,
			"username":       "api",
			"password":       "secret",
			"label_template": "Facture {source} {invoice_id}",
			"debit":          "606, 607",
			"credit":         "512",
		},
	})
	require.NoError(t, err)
	return h
}

func testInvoice() *models.Invoice {
	return &models.Invoice{
		Date:      "2025-03-15",
		InvoiceID: "INV-001",
		AmountEUR: 19.99,
		Source:    "Free",
	}
}

func TestAccountingHandler_BooksTransaction(t *testing.T) {
	server := newFakeAccountingServer(t)
	h := newAccountingHandler(t, server.URL)

	invoice := testInvoice()
	tmplContext, err := BuildContext(invoice)
	require.NoError(t, err)

	result := h.Export(context.Background(), invoice, tmplContext)
	require.Equal(t, models.ExportStatusSuccess, result.Status, result.ErrorMessage)
	assert.Equal(t, "42", result.ExternalReference)

	require.Len(t, server.created, 1)
	created := server.created[0]
	assert.Equal(t, int64(3), created.IDYear)
	assert.Equal(t, "Facture Free INV-001", created.Label)
	assert.Equal(t, "2025-03-15", created.Date)
	assert.Equal(t, "EXPENSE", created.Type)
	assert.Equal(t, 19.99, created.Amount)
	assert.Equal(t, "606", created.Debit)
	assert.Equal(t, "512", created.Credit)
}

func TestAccountingHandler_DuplicateGuard(t *testing.T) {
	server := newFakeAccountingServer(t)
	server.journal = []JournalEntry{
		{ID: 7, Date: "2025-03-15 00:00:00", Label: "Facture Free INV-001"},
	}
	h := newAccountingHandler(t, server.URL)

	invoice := testInvoice()
	tmplContext, err := BuildContext(invoice)
	require.NoError(t, err)

	result := h.Export(context.Background(), invoice, tmplContext)
	assert.Equal(t, models.ExportStatusDuplicateSkipped, result.Status)
	assert.Empty(t, result.ExternalReference)
	assert.Equal(t, "entry already booked for this date and label", result.ErrorMessage)
	assert.Empty(t, server.created)
}

func TestAccountingHandler_AdvancedTypeBooksLines(t *testing.T) {
	server := newFakeAccountingServer(t)
	h, err := NewAccountingHandler(arbor.NewLogger(), &models.Export{
		Type: models.ExportTypePaheko,
		Configuration: map[string]any{
			"base_url":         server.URL,
			"username":         "api",
			"password":         "secret",
			"label_template":   "Facture {source} {invoice_id}",
			"transaction_type": "ADVANCED",
			"debit":            "606\n607",
			"credit":           "512",
		},
	})
	require.NoError(t, err)

	invoice := testInvoice()
	invoice.AmountEUR = 30.01
	tmplContext, err := BuildContext(invoice)
	require.NoError(t, err)

	result := h.Export(context.Background(), invoice, tmplContext)
	require.Equal(t, models.ExportStatusSuccess, result.Status, result.ErrorMessage)

	require.Len(t, server.created, 1)
	created := server.created[0]
	assert.Equal(t, "ADVANCED", created.Type)
	assert.Zero(t, created.Amount)
	assert.Empty(t, created.Debit)
	assert.Empty(t, created.Credit)
	require.Len(t, created.Lines, 3)
	assert.Equal(t, TransactionLine{Account: "606", Debit: 15.01}, created.Lines[0])
	assert.Equal(t, TransactionLine{Account: "607", Debit: 15.00}, created.Lines[1])
	assert.Equal(t, TransactionLine{Account: "512", Credit: 30.01}, created.Lines[2])
}

func TestSplitCodes_CommaAndNewlineSeparators(t *testing.T) {
	assert.Equal(t, []string{"606", "607", "608"}, splitCodes("606, 607\n608"))
	assert.Equal(t, []string{"512"}, splitCodes("512\r\n"))
	assert.Empty(t, splitCodes(" , \n "))
}

func TestAccountingHandler_GuardProbeFailureFails(t *testing.T) {
	server := newFakeAccountingServer(t)
	h := newAccountingHandler(t, server.URL)
	server.Close()

	invoice := testInvoice()
	tmplContext, err := BuildContext(invoice)
	require.NoError(t, err)

	result := h.Export(context.Background(), invoice, tmplContext)
	assert.Equal(t, models.ExportStatusFailed, result.Status)
	assert.Empty(t, server.created)
}

func TestAccountingHandler_ClosedYearRejected(t *testing.T) {
	server := newFakeAccountingServer(t)
	h := newAccountingHandler(t, server.URL)

	invoice := testInvoice()
	invoice.Date = "2024-06-01"
	tmplContext, err := BuildContext(invoice)
	require.NoError(t, err)

	result := h.Export(context.Background(), invoice, tmplContext)
	assert.Equal(t, models.ExportStatusFailed, result.Status)
	assert.Contains(t, result.ErrorMessage, "closed")
}

func TestAccountingHandler_ZeroAmountRejected(t *testing.T) {
	server := newFakeAccountingServer(t)
	h := newAccountingHandler(t, server.URL)

	invoice := testInvoice()
	invoice.AmountEUR = 0
	tmplContext, err := BuildContext(invoice)
	require.NoError(t, err)

	result := h.Export(context.Background(), invoice, tmplContext)
	assert.Equal(t, models.ExportStatusFailed, result.Status)
}

func TestNewAccountingHandler_MissingCredentials(t *testing.T) {
	_, err := NewAccountingHandler(arbor.NewLogger(), &models.Export{
		Type:          models.ExportTypePaheko,
		Configuration: map[string]any{"base_url": "http://localhost"},
	})
	require.Error(t, err)
}
