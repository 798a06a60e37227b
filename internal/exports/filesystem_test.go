package exports

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/fakturenn/internal/models"
)

func writeTestPDF(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "facture.pdf")
	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.4 test"), 0644))
	return path
}

func newFilesystemHandler(t *testing.T, basePath, tmpl string) *FilesystemHandler {
	t.Helper()
	h, err := NewFilesystemHandler(arbor.NewLogger(), &models.Export{
		Type: models.ExportTypeLocalStorage,
		Configuration: map[string]any{
			"base_path":     basePath,
			"path_template": tmpl,
		},
	})
	require.NoError(t, err)
	return h
}

func TestFilesystemHandler_RejectsUnknownTemplateVariable(t *testing.T) {
	_, err := NewFilesystemHandler(arbor.NewLogger(), &models.Export{
		Type: models.ExportTypeLocalStorage,
		Configuration: map[string]any{
			"path_template": "{year}/{bogus}.pdf",
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown variable")
}

func TestFilesystemHandler_ExportCopiesFile(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	pdf := writeTestPDF(t, src)

	h := newFilesystemHandler(t, dst, "{year}/{month}/{source}_{invoice_id}.pdf")
	invoice := &models.Invoice{
		Date:      "2025-01-15",
		InvoiceID: "INV-001",
		Source:    "Free",
		FilePath:  pdf,
	}
	tmplContext, err := BuildContext(invoice)
	require.NoError(t, err)

	result := h.Export(context.Background(), invoice, tmplContext)
	require.Equal(t, models.ExportStatusSuccess, result.Status, result.ErrorMessage)

	want := filepath.Join(dst, "2025", "01", "Free_INV-001.pdf")
	assert.Equal(t, want, result.ExternalReference)
	data, err := os.ReadFile(want)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4 test", string(data))
}

func TestFilesystemHandler_DuplicateGuard(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	pdf := writeTestPDF(t, src)

	h := newFilesystemHandler(t, dst, "{year}/{source}_{invoice_id}.pdf")
	invoice := &models.Invoice{
		Date:      "2025-01-15",
		InvoiceID: "INV-001",
		Source:    "Free",
		FilePath:  pdf,
	}
	tmplContext, err := BuildContext(invoice)
	require.NoError(t, err)

	first := h.Export(context.Background(), invoice, tmplContext)
	require.Equal(t, models.ExportStatusSuccess, first.Status)

	second := h.Export(context.Background(), invoice, tmplContext)
	assert.Equal(t, models.ExportStatusDuplicateSkipped, second.Status)
	assert.Empty(t, second.ExternalReference)
	assert.Equal(t, "destination file already exists", second.ErrorMessage)
}

func TestFilesystemHandler_MissingSourceFileFails(t *testing.T) {
	h := newFilesystemHandler(t, t.TempDir(), "{year}/{filename}")
	invoice := &models.Invoice{
		Date:     "2025-01-15",
		Source:   "Free",
		FilePath: "/nonexistent/facture.pdf",
	}
	tmplContext, err := BuildContext(invoice)
	require.NoError(t, err)

	result := h.Export(context.Background(), invoice, tmplContext)
	assert.Equal(t, models.ExportStatusFailed, result.Status)
	assert.Contains(t, result.ErrorMessage, "not found")
}

func TestFilesystemHandler_NoPartialFileOnFailure(t *testing.T) {
	h := newFilesystemHandler(t, t.TempDir(), "{year}/{filename}")
	invoice := &models.Invoice{Date: "2025-01-15", Source: "Free"}
	tmplContext, err := BuildContext(invoice)
	require.NoError(t, err)

	result := h.Export(context.Background(), invoice, tmplContext)
	assert.Equal(t, models.ExportStatusFailed, result.Status)
}

func TestBuildContext_NormalizesFrenchDates(t *testing.T) {
	invoice := &models.Invoice{
		Date:      "Janvier 2025",
		InvoiceID: "INV-7",
		AmountEUR: 19.9,
		Source:    "FreeMobile",
		FilePath:  "/tmp/dl/facture_janvier.pdf",
	}
	ctx, err := BuildContext(invoice)
	require.NoError(t, err)
	assert.Equal(t, "2025-01-01", ctx["date"])
	assert.Equal(t, "FreeMobile", ctx["source"])
	assert.Equal(t, "19.90", ctx["amount_eur"])
	assert.Equal(t, "facture_janvier.pdf", ctx["filename"])
}

func TestBuildContext_UnusableDate(t *testing.T) {
	_, err := BuildContext(&models.Invoice{Date: "n'importe quoi"})
	require.Error(t, err)
}
