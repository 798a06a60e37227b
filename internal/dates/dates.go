// Package dates parses the human date labels found on provider invoices and
// derives the calendar fields used by path and label templates.
package dates

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// FrenchMonths maps month number ("01".."12") to its French name
var FrenchMonths = map[string]string{
	"01": "Janvier",
	"02": "Février",
	"03": "Mars",
	"04": "Avril",
	"05": "Mai",
	"06": "Juin",
	"07": "Juillet",
	"08": "Août",
	"09": "Septembre",
	"10": "Octobre",
	"11": "Novembre",
	"12": "Décembre",
}

var frenchMonthToNum = func() map[string]string {
	m := make(map[string]string, len(FrenchMonths))
	for num, name := range FrenchMonths {
		m[strings.ToLower(name)] = num
	}
	return m
}()

var (
	fullDateRe  = regexp.MustCompile(`(\d{4})[-/](\d{2})[-/](\d{2})`)
	yearMonthRe = regexp.MustCompile(`(\d{4})[-/](\d{2})`)
	monthYearRe = regexp.MustCompile(`(\d{2})[-/](\d{4})`)
	yearRe      = regexp.MustCompile(`(\d{4})`)
)

// ParseLabel parses an invoice date label to a concrete date.
//
// Supported forms:
//   - "YYYY-MM-DD" (also with slashes) -> that exact date
//   - "YYYY-MM" or "YYYY/MM"           -> first day of that month
//   - "MM/YYYY"                        -> first day of that month
//   - "<FrenchMonth> YYYY"             -> first day of that month
//   - bare "YYYY"                      -> January 1st of that year
func ParseLabel(label string) (time.Time, error) {
	txt := strings.TrimSpace(label)
	if txt == "" {
		return time.Time{}, fmt.Errorf("empty date label")
	}

	if m := fullDateRe.FindString(txt); m != "" {
		normalized := strings.ReplaceAll(m, "/", "-")
		if t, err := time.Parse("2006-01-02", normalized); err == nil {
			return t, nil
		}
	}

	if m := yearMonthRe.FindStringSubmatch(txt); m != nil {
		return monthStart(m[1], m[2])
	}

	if m := monthYearRe.FindStringSubmatch(txt); m != nil {
		return monthStart(m[2], m[1])
	}

	if ym := yearRe.FindStringSubmatch(txt); ym != nil {
		lower := strings.ToLower(txt)
		for name, num := range frenchMonthToNum {
			if strings.Contains(lower, name) {
				return monthStart(ym[1], num)
			}
		}
		return monthStart(ym[1], "01")
	}

	return time.Time{}, fmt.Errorf("unrecognized date label: %q", label)
}

func monthStart(year, month string) (time.Time, error) {
	y, err := strconv.Atoi(year)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid year %q", year)
	}
	m, err := strconv.Atoi(month)
	if err != nil || m < 1 || m > 12 {
		return time.Time{}, fmt.Errorf("invalid month %q", month)
	}
	return time.Date(y, time.Month(m), 1, 0, 0, 0, 0, time.UTC), nil
}

// NormalizeLabel converts any supported date label to ISO "YYYY-MM-DD".
// It also accepts the "DD/MM/YYYY" form seen on some provider pages.
func NormalizeLabel(label string) (string, error) {
	s := strings.TrimSpace(label)

	// dd/mm/yyyy -> yyyy-mm-dd
	if m := regexp.MustCompile(`^(\d{2})/(\d{2})/(\d{4})$`).FindStringSubmatch(s); m != nil {
		candidate := m[3] + "-" + m[2] + "-" + m[1]
		if _, err := time.Parse("2006-01-02", candidate); err == nil {
			return candidate, nil
		}
	}

	t, err := ParseLabel(s)
	if err != nil {
		return "", err
	}
	return t.Format("2006-01-02"), nil
}

// MonthName returns the French month name for a month number ("01".."12").
// Unknown numbers return the input unchanged.
func MonthName(month string) string {
	if name, ok := FrenchMonths[month]; ok {
		return name
	}
	return month
}

// Quarter maps a month number ("01".."12") to "Q1".."Q4"
func Quarter(month string) string {
	m, err := strconv.Atoi(month)
	if err != nil {
		return ""
	}
	switch {
	case m <= 3:
		return "Q1"
	case m <= 6:
		return "Q2"
	case m <= 9:
		return "Q3"
	default:
		return "Q4"
	}
}

// ParseAmountEUR parses a textual euro amount such as "19,99€" or "42.00 €"
func ParseAmountEUR(text string) (float64, error) {
	txt := strings.TrimSpace(text)
	txt = strings.ReplaceAll(txt, "€", "")
	txt = strings.ReplaceAll(txt, " ", "")
	txt = strings.ReplaceAll(txt, " ", "")
	txt = strings.ReplaceAll(txt, ",", ".")
	if txt == "" {
		return 0, fmt.Errorf("empty amount")
	}
	v, err := strconv.ParseFloat(txt, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse amount %q: %w", text, err)
	}
	return v, nil
}

// FromDateRule resolves an automation's from_date_rule to a concrete date
// relative to now. Supported rules: "current_month", "previous_month",
// "beginning_of_year", "last_N_days" (e.g. "last_30_days"), or an absolute
// date label.
func FromDateRule(rule string, now time.Time) (time.Time, error) {
	switch r := strings.TrimSpace(strings.ToLower(rule)); {
	case r == "" || r == "current_month":
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC), nil
	case r == "previous_month":
		first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		return first.AddDate(0, -1, 0), nil
	case r == "beginning_of_year":
		return time.Date(now.Year(), 1, 1, 0, 0, 0, 0, time.UTC), nil
	case strings.HasPrefix(r, "last_") && strings.HasSuffix(r, "_days"):
		numStr := strings.TrimSuffix(strings.TrimPrefix(r, "last_"), "_days")
		n, err := strconv.Atoi(numStr)
		if err != nil || n <= 0 {
			return time.Time{}, fmt.Errorf("invalid from_date_rule: %q", rule)
		}
		return now.AddDate(0, 0, -n), nil
	default:
		return ParseLabel(rule)
	}
}
