package exports

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/fakturenn/internal/interfaces"
	"github.com/ternarybob/fakturenn/internal/models"
	"github.com/ternarybob/fakturenn/internal/pathtemplate"
)

// FilesystemHandler copies invoice PDFs into a template-organized directory
// tree. The duplicate guard is destination existence; the copy itself goes
// through a temp file and rename so a crash never leaves a partial PDF at the
// final path.
type FilesystemHandler struct {
	logger       arbor.ILogger
	basePath     string
	pathTemplate string
	createDirs   bool
}

// NewFilesystemHandler builds a handler from a LocalStorage export definition
func NewFilesystemHandler(logger arbor.ILogger, export *models.Export) (*FilesystemHandler, error) {
	tmpl := configString(export.Configuration, "path_template", "{year}/{month}/{source}_{invoice_id}.pdf")
	if err := pathtemplate.Validate(tmpl); err != nil {
		return nil, fmt.Errorf("invalid path template: %w", err)
	}

	basePath := configString(export.Configuration, "base_path", "factures")
	if !filepath.IsAbs(basePath) {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve base path: %w", err)
		}
		basePath = filepath.Join(cwd, basePath)
	}

	return &FilesystemHandler{
		logger:       logger,
		basePath:     basePath,
		pathTemplate: tmpl,
		createDirs:   configBool(export.Configuration, "create_directories", true),
	}, nil
}

// Export copies the invoice file to the rendered destination path
func (h *FilesystemHandler) Export(ctx context.Context, invoice *models.Invoice, tmplContext map[string]string) interfaces.ExportResult {
	if invoice.FilePath == "" {
		return failed("invoice has no local file to export")
	}

	relative, err := pathtemplate.Render(h.pathTemplate, tmplContext)
	if err != nil {
		return failed("failed to render path template: %v", err)
	}
	destination := filepath.Join(h.basePath, filepath.FromSlash(relative))

	// Duplicate guard: an existing destination means this invoice was already
	// exported on an earlier run
	if _, err := os.Stat(destination); err == nil {
		h.logger.Info().Str("path", destination).Msg("Destination exists, skipping duplicate")
		return interfaces.ExportResult{
			Status:       models.ExportStatusDuplicateSkipped,
			ErrorMessage: "destination file already exists",
		}
	} else if !os.IsNotExist(err) {
		return failed("failed to probe destination: %v", err)
	}

	if h.createDirs {
		if err := os.MkdirAll(filepath.Dir(destination), 0755); err != nil {
			return failed("failed to create directories: %v", err)
		}
	}

	if err := copyAtomic(invoice.FilePath, destination); err != nil {
		return failed("failed to copy invoice: %v", err)
	}

	h.logger.Info().Str("path", destination).Msg("Invoice exported to filesystem")
	return interfaces.ExportResult{
		Status:            models.ExportStatusSuccess,
		ExternalReference: destination,
	}
}

// copyAtomic copies src into dst's directory under a temp name, then renames
func copyAtomic(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("source file not found: %w", err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".export-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, dst)
}
