package pathtemplate

import (
	"strings"
	"testing"
)

func TestValidate(t *testing.T) {
	valid := []string{
		"{year}/{month}/{invoice_id}.pdf",
		"{year}/{quarter}/{filename}",
		"{year}/{month_name}/[{source}] {invoice_id}.pdf",
	}
	for _, tmpl := range valid {
		if err := Validate(tmpl); err != nil {
			t.Errorf("Validate(%q) unexpected error: %v", tmpl, err)
		}
	}

	if err := Validate("{year}/{invalid_var}.pdf"); err == nil {
		t.Error("Validate with unknown variable expected error")
	} else if !strings.Contains(err.Error(), "invalid_var") {
		t.Errorf("error should name the variable, got: %v", err)
	}

	if err := Validate(""); err == nil {
		t.Error("Validate(\"\") expected error")
	}

	if err := Validate("no-variables.pdf"); err == nil {
		t.Error("Validate without variables expected error")
	}
}

func TestRender(t *testing.T) {
	context := map[string]string{
		"date":       "2025-01-15",
		"invoice_id": "INV-001",
		"source":     "Free",
		"amount_eur": "99.99",
	}

	got, err := Render("{year}/{month}/{source}_{invoice_id}.pdf", context)
	if err != nil {
		t.Fatalf("Render error: %v", err)
	}
	if got != "2025/01/Free_INV-001.pdf" {
		t.Errorf("Render = %q, want %q", got, "2025/01/Free_INV-001.pdf")
	}
}

func TestRender_DerivedVariables(t *testing.T) {
	context := map[string]string{
		"date":       "2025-08-02",
		"invoice_id": "X",
		"amount_eur": "19.9",
	}

	got, err := Render("{year}|{month}|{month_name}|{quarter}|{amount}", context)
	if err != nil {
		t.Fatalf("Render error: %v", err)
	}
	if got != "2025|08|Août|Q3|19.90" {
		t.Errorf("Render = %q", got)
	}
}

func TestRender_MissingVariable(t *testing.T) {
	_, err := Render("{year}/{filename}", map[string]string{"date": "2025-01-15"})
	if err == nil {
		t.Fatal("expected error for missing filename")
	}
	if !strings.Contains(err.Error(), "filename") {
		t.Errorf("error should name the missing variable, got: %v", err)
	}
}

func TestRender_ExplicitOverridesDerived(t *testing.T) {
	context := map[string]string{
		"date":  "2025-01-15",
		"month": "XX",
	}
	got, err := Render("{month}", context)
	if err != nil {
		t.Fatalf("Render error: %v", err)
	}
	if got != "XX" {
		t.Errorf("caller-provided month should win, got %q", got)
	}
}
