// Package pathtemplate renders the destination-path and label templates used
// by export handlers. The variable set is closed: templates referencing
// anything outside it are rejected before any side effect happens.
package pathtemplate

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/ternarybob/fakturenn/internal/dates"
)

// TemplateVariables is the closed set of placeholders a template may use
var TemplateVariables = map[string]string{
	"year":       "Invoice year (e.g. 2025)",
	"month":      "Invoice month (01-12)",
	"month_name": "Month name in French (Janvier, Février, ...)",
	"quarter":    "Quarter (Q1, Q2, Q3, Q4)",
	"date":       "Full date (YYYY-MM-DD)",
	"invoice_id": "Invoice identifier",
	"source":     "Source name",
	"amount":     "Invoice amount formatted to two decimals",
	"amount_eur": "Raw invoice amount",
	"filename":   "Original downloaded filename",
}

var placeholderRe = regexp.MustCompile(`\{(\w+)\}`)

// Validate checks a template against the closed variable set
func Validate(template string) error {
	if template == "" {
		return fmt.Errorf("template cannot be empty")
	}

	matches := placeholderRe.FindAllStringSubmatch(template, -1)
	if len(matches) == 0 {
		return fmt.Errorf("template must contain at least one variable")
	}

	for _, m := range matches {
		if _, ok := TemplateVariables[m[1]]; !ok {
			return fmt.Errorf("unknown variable: %s", m[1])
		}
	}

	return nil
}

// Render substitutes {variable} placeholders with context values.
//
// When the context carries an ISO "date", the derived year, month, month_name
// and quarter variables are filled in unless already present; amount is
// derived from amount_eur. A placeholder with no value is an error, never a
// silent pass-through.
func Render(template string, context map[string]string) (string, error) {
	if template == "" {
		return "", fmt.Errorf("template cannot be empty")
	}

	vars := make(map[string]string, len(context)+5)
	for k, v := range context {
		vars[k] = v
	}
	deriveCalendar(vars)

	var missing []string
	rendered := placeholderRe.ReplaceAllStringFunc(template, func(ph string) string {
		name := ph[1 : len(ph)-1]
		if v, ok := vars[name]; ok {
			return v
		}
		missing = append(missing, name)
		return ph
	})

	if len(missing) > 0 {
		available := make([]string, 0, len(TemplateVariables))
		for k := range TemplateVariables {
			available = append(available, k)
		}
		sort.Strings(available)
		return "", fmt.Errorf("missing template variable %q (available: %s)",
			missing[0], strings.Join(available, ", "))
	}

	return rendered, nil
}

// deriveCalendar fills year/month/month_name/quarter from an ISO date and
// amount from amount_eur, without overriding caller-provided values.
func deriveCalendar(vars map[string]string) {
	if date, ok := vars["date"]; ok && len(date) >= 7 {
		year, month := date[:4], date[5:7]
		setDefault(vars, "year", year)
		setDefault(vars, "month", month)
		setDefault(vars, "month_name", dates.MonthName(month))
		setDefault(vars, "quarter", dates.Quarter(month))
	}
	if raw, ok := vars["amount_eur"]; ok && raw != "" {
		setDefault(vars, "amount", formatAmount(raw))
	}
}

func setDefault(m map[string]string, key, value string) {
	if _, ok := m[key]; !ok {
		m[key] = value
	}
}

func formatAmount(raw string) string {
	var v float64
	if _, err := fmt.Sscanf(strings.ReplaceAll(raw, ",", "."), "%f", &v); err != nil {
		return raw
	}
	return fmt.Sprintf("%.2f", v)
}

// Examples returns named example templates for the admin UI
func Examples() map[string]string {
	return map[string]string{
		"By Year":            "{year}/{filename}",
		"By Year and Month":  "{year}/{month}/{filename}",
		"By Year and Quarter": "{year}/{quarter}/{filename}",
		"With Source":        "{year}/{month}/{source}_{invoice_id}.pdf",
		"With Date":          "{year}/{month_name}/{date}_{invoice_id}.pdf",
	}
}
