package sources

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"
	"github.com/ternarybob/fakturenn/internal/models"
)

// runMailbox searches an IMAP mailbox for invoice emails, saves their PDF
// attachments, and extracts the invoice fields from the message body with the
// source's configured patterns. The email HTML is converted to markdown
// before matching so patterns don't fight markup noise.
func (r *Runner) runMailbox(ctx context.Context, source *models.Source, fromDate time.Time, maxResults int) ([]*models.Invoice, error) {
	params := source.ExtractionParams
	host := paramString(params, "imap_host")
	if host == "" {
		return nil, fmt.Errorf("mailbox source %s has no imap_host", source.Name)
	}
	port := paramString(params, "imap_port")
	if port == "" {
		port = "993"
	}
	username := credential(params, "imap_username", "IMAP_USERNAME")
	password := credential(params, "imap_password", "IMAP_PASSWORD")
	if username == "" || password == "" {
		return nil, fmt.Errorf("mailbox source %s has no credentials", source.Name)
	}

	patterns, err := compilePatterns(params["email_text"])
	if err != nil {
		return nil, err
	}
	if len(patterns) == 0 {
		patterns, err = compilePatterns(params["email_html"])
		if err != nil {
			return nil, err
		}
	}
	if len(patterns) == 0 {
		return nil, fmt.Errorf("mailbox source %s has no extraction patterns", source.Name)
	}

	c, err := client.DialTLS(host+":"+port, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", host, err)
	}
	defer c.Logout()
	c.Timeout = r.requestTimeout()

	if err := c.Login(username, password); err != nil {
		return nil, fmt.Errorf("imap login failed: %w", err)
	}
	if _, err := c.Select("INBOX", true); err != nil {
		return nil, fmt.Errorf("failed to select inbox: %w", err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.Since = fromDate
	if source.EmailSenderFrom != "" {
		criteria.Header.Add("From", source.EmailSenderFrom)
	}
	if source.EmailSubjectContains != "" {
		criteria.Header.Add("Subject", source.EmailSubjectContains)
	}
	uids, err := c.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("imap search failed: %w", err)
	}
	if len(uids) == 0 {
		return nil, nil
	}
	// Newest first, bounded by maxResults
	if len(uids) > maxResults {
		uids = uids[len(uids)-maxResults:]
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)
	section := &imap.BodySectionName{}
	messages := make(chan *imap.Message, len(uids))
	fetchErr := make(chan error, 1)
	go func() {
		fetchErr <- c.UidFetch(seqset, []imap.FetchItem{section.FetchItem(), imap.FetchEnvelope}, messages)
	}()

	var invoices []*models.Invoice
	for msg := range messages {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		inv, err := r.extractFromMessage(msg, section, source, patterns)
		if err != nil {
			r.logger.Warn().Err(err).Str("source", source.Name).Msg("Failed to process email")
			continue
		}
		if inv != nil {
			invoices = append(invoices, inv)
		}
	}
	if err := <-fetchErr; err != nil {
		return nil, fmt.Errorf("imap fetch failed: %w", err)
	}
	return invoices, nil
}

// extractFromMessage parses one email, saves its first PDF attachment, and
// builds an invoice from the body fields. Returns (nil, nil) when no pattern
// matched.
func (r *Runner) extractFromMessage(msg *imap.Message, section *imap.BodySectionName, source *models.Source, patterns []*regexp.Regexp) (*models.Invoice, error) {
	body := msg.GetBody(section)
	if body == nil {
		return nil, fmt.Errorf("message has no body section")
	}
	mr, err := mail.CreateReader(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	var textBody, htmlBody, attachmentPath string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read message part: %w", err)
		}

		switch header := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := header.ContentType()
			data, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			if strings.HasPrefix(contentType, "text/html") {
				htmlBody = string(data)
			} else {
				textBody += string(data)
			}
		case *mail.AttachmentHeader:
			filename, _ := header.Filename()
			if attachmentPath != "" || !strings.HasSuffix(strings.ToLower(filename), ".pdf") {
				continue
			}
			saved, err := r.saveAttachment(part.Body, filename)
			if err != nil {
				r.logger.Warn().Err(err).Str("filename", filename).Msg("Failed to save attachment")
				continue
			}
			attachmentPath = saved
		}
	}

	matchBody := textBody
	if strings.TrimSpace(matchBody) == "" && htmlBody != "" {
		// Matching against markdown keeps patterns free of markup noise
		converter := htmltomarkdown.NewConverter("", true, nil)
		if md, err := converter.ConvertString(htmlBody); err == nil {
			matchBody = md
		} else {
			matchBody = htmlBody
		}
	}

	fields := extractFields(matchBody, patterns)
	if len(fields) == 0 {
		return nil, nil
	}

	date := fields["date"]
	if date == "" && msg.Envelope != nil && !msg.Envelope.Date.IsZero() {
		date = msg.Envelope.Date.Format("2006-01-02")
	}

	return &models.Invoice{
		Date:       date,
		InvoiceID:  fields["invoice_id"],
		AmountText: fields["amount_text"],
		FilePath:   attachmentPath,
		Source:     source.Name,
	}, nil
}

// saveAttachment writes an attachment into the work dir and validates that it
// really is a PDF
func (r *Runner) saveAttachment(body io.Reader, filename string) (string, error) {
	if err := os.MkdirAll(r.workDir, 0755); err != nil {
		return "", err
	}
	dest := filepath.Join(r.workDir, filepath.Base(filename))
	f, err := os.Create(dest)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		os.Remove(dest)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(dest)
		return "", err
	}
	if err := ValidatePDF(dest); err != nil {
		os.Remove(dest)
		return "", fmt.Errorf("attachment is not a valid PDF: %w", err)
	}
	return dest, nil
}
