package exports

import (
	"context"
	"fmt"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/fakturenn/internal/interfaces"
	"github.com/ternarybob/fakturenn/internal/models"
	"github.com/ternarybob/fakturenn/internal/pathtemplate"
)

// AccountingHandler books invoices as simplified accounting entries. The
// duplicate guard queries the debit account's journal for an entry with the
// same date and label; a guard probe failure fails the attempt rather than
// risking a double booking.
type AccountingHandler struct {
	logger          arbor.ILogger
	client          *AccountingClient
	labelTemplate   string
	transactionType string
	debitCodes      []string
	creditCodes     []string
}

// NewAccountingHandler builds a handler from a Paheko export definition
func NewAccountingHandler(logger arbor.ILogger, export *models.Export) (*AccountingHandler, error) {
	baseURL := configString(export.Configuration, "base_url", "")
	username := configString(export.Configuration, "username", "")
	password := configString(export.Configuration, "password", "")
	if baseURL == "" || username == "" || password == "" {
		return nil, fmt.Errorf("accounting export requires base_url, username and password")
	}

	labelTemplate := configString(export.Configuration, "label_template", "Facture {invoice_id}")
	if err := pathtemplate.Validate(labelTemplate); err != nil {
		return nil, fmt.Errorf("invalid label template: %w", err)
	}

	debitCodes := splitCodes(configString(export.Configuration, "debit", ""))
	creditCodes := splitCodes(configString(export.Configuration, "credit", ""))
	if len(debitCodes) == 0 || len(creditCodes) == 0 {
		return nil, fmt.Errorf("accounting export requires debit and credit account codes")
	}

	transactionType := configString(export.Configuration, "transaction_type", "EXPENSE")
	switch transactionType {
	case "EXPENSE", "REVENUE", "TRANSFER", "ADVANCED":
	default:
		return nil, fmt.Errorf("unsupported transaction type: %s", transactionType)
	}

	return &AccountingHandler{
		logger:          logger,
		client:          NewAccountingClient(baseURL, username, password),
		labelTemplate:   labelTemplate,
		transactionType: transactionType,
		debitCodes:      debitCodes,
		creditCodes:     creditCodes,
	}, nil
}

// splitCodes parses a comma-or-newline-separated account code list
func splitCodes(codes string) []string {
	fields := strings.FieldsFunc(codes, func(r rune) bool {
		return r == ',' || r == '\n' || r == '\r'
	})
	out := make([]string, 0, len(fields))
	for _, c := range fields {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}

// Export books one invoice as an accounting entry
func (h *AccountingHandler) Export(ctx context.Context, invoice *models.Invoice, tmplContext map[string]string) interfaces.ExportResult {
	if invoice.AmountEUR <= 0 {
		return failed("invoice has no positive amount to book")
	}

	label, err := pathtemplate.Render(h.labelTemplate, tmplContext)
	if err != nil {
		return failed("failed to render label template: %v", err)
	}
	isoDate := tmplContext["date"]
	if isoDate == "" {
		return failed("invoice has no date")
	}

	year, err := h.client.YearForDate(ctx, isoDate)
	if err != nil {
		return failed("failed to resolve accounting year: %v", err)
	}
	if year.Closed != 0 {
		return failed("accounting year %s is closed", year.Label)
	}

	// Duplicate guard: same (date, label) already booked on the first debit account
	journal, err := h.client.GetAccountJournal(ctx, year.ID, h.debitCodes[0])
	if err != nil {
		return failed("duplicate guard probe failed: %v", err)
	}
	for _, entry := range journal {
		if entryDate(entry.Date) == isoDate && entry.Label == label {
			h.logger.Info().
				Str("label", label).
				Str("date", isoDate).
				Msg("Entry already booked, skipping duplicate")
			return interfaces.ExportResult{
				Status:       models.ExportStatusDuplicateSkipped,
				ErrorMessage: "entry already booked for this date and label",
			}
		}
	}

	req := &TransactionRequest{
		IDYear:    year.ID,
		Label:     label,
		Date:      isoDate,
		Type:      h.transactionType,
		Reference: invoice.InvoiceID,
	}
	if h.transactionType == "ADVANCED" {
		req.Lines = advancedLines(invoice.AmountEUR, h.debitCodes, h.creditCodes)
	} else {
		req.Amount = invoice.AmountEUR
		req.Debit = h.debitCodes[0]
		req.Credit = h.creditCodes[0]
	}

	tx, err := h.client.CreateTransaction(ctx, req)
	if err != nil {
		return failed("failed to create transaction: %v", err)
	}

	h.logger.Info().
		Int64("transaction_id", tx.ID).
		Str("label", label).
		Msg("Invoice booked in accounting")
	return interfaces.ExportResult{
		Status:            models.ExportStatusSuccess,
		ExternalReference: fmt.Sprintf("%d", tx.ID),
	}
}

// advancedLines spreads the amount over the configured accounts, one line per
// code. Cents that do not divide evenly land on the first line of each side so
// debits and credits both sum to the invoice amount.
func advancedLines(amount float64, debitCodes, creditCodes []string) []TransactionLine {
	lines := make([]TransactionLine, 0, len(debitCodes)+len(creditCodes))
	for i, share := range splitCents(amount, len(debitCodes)) {
		lines = append(lines, TransactionLine{Account: debitCodes[i], Debit: share})
	}
	for i, share := range splitCents(amount, len(creditCodes)) {
		lines = append(lines, TransactionLine{Account: creditCodes[i], Credit: share})
	}
	return lines
}

// splitCents divides an EUR amount into n parts that sum exactly to the input
func splitCents(amount float64, n int) []float64 {
	total := int64(amount*100 + 0.5)
	base := total / int64(n)
	remainder := total % int64(n)
	shares := make([]float64, n)
	for i := range shares {
		cents := base
		if int64(i) < remainder {
			cents++
		}
		shares[i] = float64(cents) / 100
	}
	return shares
}

// entryDate trims journal dates to their YYYY-MM-DD prefix
func entryDate(d string) string {
	if len(d) > 10 {
		return d[:10]
	}
	return d
}
