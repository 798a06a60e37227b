package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/fakturenn/internal/models"
)

// SourceRunner executes one source definition and returns the invoices it
// fetched. The runner owns authentication, pagination, from-date filtering
// and normalization; file_path on every returned invoice points to a locally
// readable download. An error discards any partial results for that source.
type SourceRunner interface {
	Run(ctx context.Context, source *models.Source, fromDate time.Time, maxResults int) ([]*models.Invoice, error)
}
