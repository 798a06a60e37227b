package models

import "strings"

// Invoice is the in-memory record a source runner produces for one fetched
// document. It is never persisted as a row; exports consume it and the
// export_history context is derived from it.
type Invoice struct {
	Date        string  `json:"date"` // label as found: "2025-01-15", "Janvier 2025", ...
	InvoiceID   string  `json:"invoice_id,omitempty"`
	AmountText  string  `json:"amount_text,omitempty"` // raw textual amount, e.g. "19,99€"
	AmountEUR   float64 `json:"amount_eur,omitempty"`
	FilePath    string  `json:"file_path,omitempty"` // locally readable downloaded file
	DownloadURL string  `json:"download_url,omitempty"`
	Source      string  `json:"source,omitempty"` // logical source name
}

// SuggestedFilename builds a stable filename for the downloaded document
func (inv *Invoice) SuggestedFilename(prefix string) string {
	dateStr := strings.ReplaceAll(inv.Date, " ", "_")
	idPart := inv.InvoiceID
	if idPart == "" {
		idPart = "unknown"
	}
	return prefix + "_" + dateStr + "_" + idPart + ".pdf"
}
