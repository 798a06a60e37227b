package sources

import (
	"fmt"

	"github.com/pdfcpu/pdfcpu/pkg/api"
)

// ValidatePDF checks that a downloaded file is a structurally valid PDF.
// Portals and mailboxes occasionally hand back HTML error pages with a .pdf
// name; those must never reach an export.
func ValidatePDF(path string) error {
	if err := api.ValidateFile(path, nil); err != nil {
		return fmt.Errorf("pdf validation failed: %w", err)
	}
	return nil
}
