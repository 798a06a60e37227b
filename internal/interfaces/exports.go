package interfaces

import (
	"context"

	"github.com/ternarybob/fakturenn/internal/models"
)

// ExportResult is the tri-valued outcome of one export attempt. Handlers
// never fail across the boundary; every failure is reported here.
type ExportResult struct {
	Status            models.ExportStatus
	ExternalReference string
	ErrorMessage      string
}

// ExportHandler delivers one invoice to an external sink.
//
// Handlers validate their inputs, run their duplicate guard before producing
// any external side effect, and return duplicate_skipped without writing when
// the guard matches. A guard probe failure is a failed result, never treated
// as "not a duplicate".
type ExportHandler interface {
	Export(ctx context.Context, invoice *models.Invoice, context map[string]string) ExportResult
}

// ExportHandlerFactory builds a handler for an export definition. The
// coordinator dispatches by models.Export.Type through a registry of
// factories.
type ExportHandlerFactory func(export *models.Export) (ExportHandler, error)
