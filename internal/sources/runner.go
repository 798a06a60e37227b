// Package sources implements the acquisition adapters that fetch invoices
// from provider portals and mailboxes.
package sources

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/fakturenn/internal/common"
	"github.com/ternarybob/fakturenn/internal/dates"
	"github.com/ternarybob/fakturenn/internal/models"
)

// Runner dispatches source definitions to the adapter for their type and
// applies the shared post-processing: from-date filtering, date and amount
// normalization, and dropping invoices whose download failed.
type Runner struct {
	logger  arbor.ILogger
	workDir string
	config  *common.SourcesConfig
}

// NewRunner creates a source runner writing downloads under workDir
func NewRunner(logger arbor.ILogger, workDir string, config *common.SourcesConfig) *Runner {
	return &Runner{logger: logger, workDir: workDir, config: config}
}

// Run executes one source definition and returns its normalized invoices
func (r *Runner) Run(ctx context.Context, source *models.Source, fromDate time.Time, maxResults int) ([]*models.Invoice, error) {
	if maxResults <= 0 {
		maxResults = source.MaxResults
	}
	if maxResults <= 0 {
		maxResults = 30
	}

	var invoices []*models.Invoice
	var err error
	switch source.Type {
	case models.SourceTypeFreeInvoice:
		invoices, err = r.runFreePortal(ctx, source, fromDate)
	case models.SourceTypeFreeMobileInvoice:
		invoices, err = r.runFreeMobilePortal(ctx, source, fromDate)
	case models.SourceTypeMailbox:
		invoices, err = r.runMailbox(ctx, source, fromDate, maxResults)
	default:
		return nil, fmt.Errorf("unknown source type: %s", source.Type)
	}
	if err != nil {
		return nil, err
	}

	filtered := r.filterFromDate(invoices, fromDate)
	if len(filtered) > maxResults {
		filtered = filtered[:maxResults]
	}
	for _, inv := range filtered {
		r.normalize(inv, source.Name)
	}

	r.logger.Info().
		Str("source", source.Name).
		Str("type", string(source.Type)).
		Int("fetched", len(invoices)).
		Int("kept", len(filtered)).
		Msg("Source run finished")
	return filtered, nil
}

// filterFromDate keeps invoices whose date label parses to fromDate or later.
// Unparseable labels are dropped; a silent pass-through would defeat the
// incremental-run contract.
func (r *Runner) filterFromDate(invoices []*models.Invoice, fromDate time.Time) []*models.Invoice {
	var kept []*models.Invoice
	for _, inv := range invoices {
		d, err := dates.ParseLabel(inv.Date)
		if err != nil {
			r.logger.Warn().Str("date", inv.Date).Msg("Dropping invoice with unparseable date")
			continue
		}
		if !d.Before(fromDate) {
			kept = append(kept, inv)
		}
	}
	return kept
}

// normalize fills derived fields on a fetched invoice in place
func (r *Runner) normalize(inv *models.Invoice, sourceName string) {
	if inv.Source == "" {
		inv.Source = sourceName
	}
	if iso, err := dates.NormalizeLabel(inv.Date); err == nil {
		inv.Date = iso
	}
	if inv.AmountEUR == 0 && inv.AmountText != "" {
		if amount, err := dates.ParseAmountEUR(inv.AmountText); err == nil {
			inv.AmountEUR = amount
		}
	}
}

// credential resolves a secret from extraction params with an environment
// variable fallback
func credential(params map[string]any, key, envVar string) string {
	if v, ok := params[key]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return os.Getenv(envVar)
}

// paramString reads a plain string extraction parameter
func paramString(params map[string]any, key string) string {
	if v, ok := params[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

var jsNamedGroupRe = regexp.MustCompile(`\(\?<([a-zA-Z_][a-zA-Z0-9_]*)>`)

// compilePatterns builds the regexes of one extraction parameter. The value
// is a pattern string or a list of them; JavaScript-style (?<name>...) groups
// are accepted and rewritten to Go syntax.
func compilePatterns(value any) ([]*regexp.Regexp, error) {
	var raw []string
	switch v := value.(type) {
	case string:
		raw = []string{v}
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				raw = append(raw, s)
			}
		}
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("pattern must be a string or list of strings")
	}

	patterns := make([]*regexp.Regexp, 0, len(raw))
	for _, p := range raw {
		converted := jsNamedGroupRe.ReplaceAllString(p, `(?P<$1>`)
		re, err := regexp.Compile(`(?s)` + converted)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", p, err)
		}
		patterns = append(patterns, re)
	}
	return patterns, nil
}

// extractFields applies patterns to a body and merges named captures; later
// patterns override earlier ones.
func extractFields(body string, patterns []*regexp.Regexp) map[string]string {
	fields := make(map[string]string)
	for _, re := range patterns {
		names := re.SubexpNames()
		for _, match := range re.FindAllStringSubmatch(body, -1) {
			for i, value := range match {
				if i == 0 || names[i] == "" || value == "" {
					continue
				}
				fields[names[i]] = strings.TrimSpace(value)
			}
		}
	}
	return fields
}

func (r *Runner) requestTimeout() time.Duration {
	if r.config != nil && r.config.RequestTimeout != "" {
		if d, err := time.ParseDuration(r.config.RequestTimeout); err == nil && d > 0 {
			return d
		}
	}
	return 30 * time.Second
}

func (r *Runner) headless() bool {
	if r.config == nil {
		return true
	}
	return r.config.Headless
}
