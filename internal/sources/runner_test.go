package sources

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/fakturenn/internal/common"
	"github.com/ternarybob/fakturenn/internal/models"
)

func newTestRunner(t *testing.T) *Runner {
	t.Helper()
	return NewRunner(arbor.NewLogger(), t.TempDir(), &common.SourcesConfig{
		Headless:       true,
		RequestTimeout: "5s",
	})
}

func TestCompilePatterns_ConvertsJSNamedGroups(t *testing.T) {
	patterns, err := compilePatterns(`Facture n°(?<invoice_id>\d+) du (?<date>\d{2}/\d{2}/\d{4})`)
	require.NoError(t, err)
	require.Len(t, patterns, 1)

	fields := extractFields("Facture n°12345 du 15/01/2025", patterns)
	assert.Equal(t, "12345", fields["invoice_id"])
	assert.Equal(t, "15/01/2025", fields["date"])
}

func TestCompilePatterns_ListMergesAcrossPatterns(t *testing.T) {
	patterns, err := compilePatterns([]any{
		`montant de (?<amount_text>[\d,]+\s?€)`,
		`référence (?<invoice_id>[A-Z0-9-]+)`,
	})
	require.NoError(t, err)
	require.Len(t, patterns, 2)

	body := "Votre facture, montant de 19,99€, référence INV-2025-01."
	fields := extractFields(body, patterns)
	assert.Equal(t, "19,99€", fields["amount_text"])
	assert.Equal(t, "INV-2025-01", fields["invoice_id"])
}

func TestCompilePatterns_InvalidPattern(t *testing.T) {
	_, err := compilePatterns(`(?<broken>[`)
	require.Error(t, err)
}

func TestCompilePatterns_MultilineBodies(t *testing.T) {
	// (?s) lets . span newlines, matching multi-line email bodies
	patterns, err := compilePatterns(`Facture.(?<invoice_id>\d+)`)
	require.NoError(t, err)
	fields := extractFields("Facture\n42", patterns)
	assert.Equal(t, "42", fields["invoice_id"])
}

func TestFilterFromDate(t *testing.T) {
	r := newTestRunner(t)
	fromDate := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	invoices := []*models.Invoice{
		{Date: "2025-03-15", InvoiceID: "keep-iso"},
		{Date: "Avril 2025", InvoiceID: "keep-french"},
		{Date: "2025-02-28", InvoiceID: "drop-before"},
		{Date: "pas une date", InvoiceID: "drop-unparseable"},
	}

	kept := r.filterFromDate(invoices, fromDate)
	require.Len(t, kept, 2)
	assert.Equal(t, "keep-iso", kept[0].InvoiceID)
	assert.Equal(t, "keep-french", kept[1].InvoiceID)
}

func TestNormalize(t *testing.T) {
	r := newTestRunner(t)
	inv := &models.Invoice{
		Date:       "Janvier 2025",
		AmountText: "19,99€",
	}
	r.normalize(inv, "freebox")
	assert.Equal(t, "2025-01-01", inv.Date)
	assert.Equal(t, 19.99, inv.AmountEUR)
	assert.Equal(t, "freebox", inv.Source)
}

func TestNormalize_KeepsExplicitValues(t *testing.T) {
	r := newTestRunner(t)
	inv := &models.Invoice{
		Date:      "2025-05-10",
		AmountEUR: 42.5,
		Source:    "Free",
	}
	r.normalize(inv, "other-name")
	assert.Equal(t, "Free", inv.Source)
	assert.Equal(t, 42.5, inv.AmountEUR)
}

func TestRun_UnknownSourceType(t *testing.T) {
	r := newTestRunner(t)
	_, err := r.Run(context.Background(), &models.Source{
		Name: "bogus",
		Type: models.SourceType("Telepathy"),
	}, time.Now(), 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown source type")
}

func TestParseFreeInvoiceList(t *testing.T) {
	html := `
	<html><body><table>
	<tr>
		<td>Janvier 2025</td>
		<td>39,99€</td>
		<td><a href="/liste-factures.pl?action=get&no_facture=12345&pdf=1">Télécharger</a></td>
	</tr>
	<tr>
		<td>Février 2025</td>
		<td>39,99€</td>
		<td><a href="/liste-factures.pl?action=get&no_facture=12346&pdf=1">Télécharger</a></td>
	</tr>
	<tr>
		<td>Autre lien</td>
		<td><a href="/aide.html">Aide</a></td>
	</tr>
	</table></body></html>`

	invoices, err := parseFreeInvoiceList(html, "https://adsl.free.fr/liste-factures.pl")
	require.NoError(t, err)
	require.Len(t, invoices, 2)

	assert.Equal(t, "Janvier 2025", invoices[0].Date)
	assert.Equal(t, "12345", invoices[0].InvoiceID)
	assert.Equal(t, "39,99€", invoices[0].AmountText)
	assert.Equal(t, "https://adsl.free.fr/liste-factures.pl?action=get&no_facture=12345&pdf=1", invoices[0].DownloadURL)
	assert.Equal(t, "12346", invoices[1].InvoiceID)
}
