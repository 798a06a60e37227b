package exports

import (
	"fmt"
	"path/filepath"

	"github.com/ternarybob/fakturenn/internal/dates"
	"github.com/ternarybob/fakturenn/internal/models"
)

// BuildContext derives the template context for one invoice. The date is
// normalized to ISO form first so calendar variables derive consistently.
func BuildContext(invoice *models.Invoice) (map[string]string, error) {
	isoDate, err := dates.NormalizeLabel(invoice.Date)
	if err != nil {
		return nil, fmt.Errorf("invoice has unusable date %q: %w", invoice.Date, err)
	}

	ctx := map[string]string{
		"date":   isoDate,
		"source": invoice.Source,
	}
	if invoice.InvoiceID != "" {
		ctx["invoice_id"] = invoice.InvoiceID
	}
	if invoice.AmountEUR != 0 {
		ctx["amount_eur"] = fmt.Sprintf("%.2f", invoice.AmountEUR)
	} else if invoice.AmountText != "" {
		ctx["amount_eur"] = invoice.AmountText
	}
	if invoice.FilePath != "" {
		ctx["filename"] = filepath.Base(invoice.FilePath)
	}
	return ctx, nil
}
