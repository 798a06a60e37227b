package sources

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/fakturenn/internal/dates"
	"github.com/ternarybob/fakturenn/internal/models"
)

const portalUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/138.0.0.0 Safari/537.36"

// Subscriber portal endpoints. Overridable through extraction params so tests
// and self-hosted mirrors can point elsewhere.
const (
	freeLoginURL       = "https://subscribe.free.fr/login/"
	freeInvoicesURL    = "https://adsl.free.fr/liste-factures.pl"
	freeMobileLoginURL = "https://mobile.free.fr/account/"
)

// portalSession wraps one headless browser plus an HTTP client that shares
// its cookies for direct PDF downloads.
type portalSession struct {
	browserCtx      context.Context
	browserCancel   context.CancelFunc
	allocatorCancel context.CancelFunc
}

func (r *Runner) newPortalSession(ctx context.Context) (*portalSession, error) {
	allocatorOpts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", r.headless()),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.UserAgent(portalUserAgent),
	)
	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(ctx, allocatorOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx)

	if err := chromedp.Run(browserCtx, chromedp.Navigate("about:blank")); err != nil {
		browserCancel()
		allocatorCancel()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}
	return &portalSession{
		browserCtx:      browserCtx,
		browserCancel:   browserCancel,
		allocatorCancel: allocatorCancel,
	}, nil
}

func (s *portalSession) close() {
	s.browserCancel()
	s.allocatorCancel()
}

// cookieHeader flattens the browser's cookies for a URL into a Cookie header
func (s *portalSession) cookieHeader(targetURL string) (string, error) {
	var cookies []*network.Cookie
	err := chromedp.Run(s.browserCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		cookies, err = network.GetCookies().WithURLs([]string{targetURL}).Do(ctx)
		return err
	}))
	if err != nil {
		return "", err
	}
	pairs := make([]string, 0, len(cookies))
	for _, c := range cookies {
		pairs = append(pairs, c.Name+"="+c.Value)
	}
	return strings.Join(pairs, "; "), nil
}

// downloadPDF fetches a document over HTTP with the browser's session cookies
// and validates it before keeping it.
func (r *Runner) downloadPDF(ctx context.Context, session *portalSession, downloadURL, filename string) (string, error) {
	cookies, err := session.cookieHeader(downloadURL)
	if err != nil {
		return "", fmt.Errorf("failed to read session cookies: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", portalUserAgent)
	if cookies != "" {
		req.Header.Set("Cookie", cookies)
	}

	client := &http.Client{Timeout: r.requestTimeout()}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download returned %d", resp.StatusCode)
	}

	if err := os.MkdirAll(r.workDir, 0755); err != nil {
		return "", err
	}
	dest := filepath.Join(r.workDir, filepath.Base(filename))
	f, err := os.Create(dest)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
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
		return "", err
	}
	return dest, nil
}

// runFreePortal logs into the Free subscriber portal and downloads the
// invoices listed on the account page.
func (r *Runner) runFreePortal(ctx context.Context, source *models.Source, fromDate time.Time) ([]*models.Invoice, error) {
	login := credential(source.ExtractionParams, "login", "FREE_LOGIN")
	password := credential(source.ExtractionParams, "password", "FREE_PASSWORD")
	if login == "" || password == "" {
		return nil, fmt.Errorf("source %s has no portal credentials", source.Name)
	}
	loginURL := paramString(source.ExtractionParams, "login_url")
	if loginURL == "" {
		loginURL = freeLoginURL
	}
	invoicesURL := paramString(source.ExtractionParams, "invoices_url")
	if invoicesURL == "" {
		invoicesURL = freeInvoicesURL
	}

	session, err := r.newPortalSession(ctx)
	if err != nil {
		return nil, err
	}
	defer session.close()

	timeout := r.requestTimeout()
	loginCtx, cancel := context.WithTimeout(session.browserCtx, timeout)
	defer cancel()

	var listHTML string
	err = chromedp.Run(loginCtx,
		chromedp.Navigate(loginURL),
		chromedp.WaitVisible(`input[name="login"]`, chromedp.ByQuery),
		chromedp.SendKeys(`input[name="login"]`, login, chromedp.ByQuery),
		chromedp.SendKeys(`input[name="pass"]`, password, chromedp.ByQuery),
		chromedp.Click(`button[type="submit"], input[type="submit"]`, chromedp.ByQuery),
		chromedp.Sleep(2*time.Second),
		chromedp.Navigate(invoicesURL),
		chromedp.Sleep(time.Second),
		chromedp.OuterHTML("html", &listHTML, chromedp.ByQuery),
	)
	if err != nil {
		return nil, fmt.Errorf("portal login failed: %w", err)
	}

	invoices, err := parseFreeInvoiceList(listHTML, invoicesURL)
	if err != nil {
		return nil, err
	}

	return r.downloadPortalInvoices(ctx, session, invoices, "Free", fromDate)
}

// runFreeMobilePortal logs into the Free Mobile account space and downloads
// the invoices listed there. The page structure differs from the Freebox
// portal but the flow is the same.
func (r *Runner) runFreeMobilePortal(ctx context.Context, source *models.Source, fromDate time.Time) ([]*models.Invoice, error) {
	login := credential(source.ExtractionParams, "login", "FREE_MOBILE_LOGIN")
	password := credential(source.ExtractionParams, "password", "FREE_MOBILE_PASSWORD")
	if login == "" || password == "" {
		return nil, fmt.Errorf("source %s has no portal credentials", source.Name)
	}
	loginURL := paramString(source.ExtractionParams, "login_url")
	if loginURL == "" {
		loginURL = freeMobileLoginURL
	}

	session, err := r.newPortalSession(ctx)
	if err != nil {
		return nil, err
	}
	defer session.close()

	timeout := r.requestTimeout()
	loginCtx, cancel := context.WithTimeout(session.browserCtx, timeout)
	defer cancel()

	var listHTML string
	err = chromedp.Run(loginCtx,
		chromedp.Navigate(loginURL),
		chromedp.WaitVisible(`input[name="login-ident"], input[name="login"]`, chromedp.ByQuery),
		chromedp.SendKeys(`input[name="login-ident"], input[name="login"]`, login, chromedp.ByQuery),
		chromedp.SendKeys(`input[name="login-pwd"], input[name="pass"]`, password, chromedp.ByQuery),
		chromedp.Click(`button[type="submit"], input[type="submit"]`, chromedp.ByQuery),
		chromedp.Sleep(2*time.Second),
		chromedp.OuterHTML("html", &listHTML, chromedp.ByQuery),
	)
	if err != nil {
		return nil, fmt.Errorf("portal login failed: %w", err)
	}

	invoices, err := parseFreeInvoiceList(listHTML, loginURL)
	if err != nil {
		return nil, err
	}
	return r.downloadPortalInvoices(ctx, session, invoices, "FreeMobile", fromDate)
}

// downloadPortalInvoices fetches the PDF of every invoice at or after
// fromDate and keeps only those that downloaded and validated.
func (r *Runner) downloadPortalInvoices(ctx context.Context, session *portalSession, invoices []*models.Invoice, prefix string, fromDate time.Time) ([]*models.Invoice, error) {
	kept := r.filterFromDate(invoices, fromDate)
	var downloaded []*models.Invoice
	for _, inv := range kept {
		if inv.DownloadURL == "" {
			continue
		}
		path, err := r.downloadPDF(ctx, session, inv.DownloadURL, inv.SuggestedFilename(prefix))
		if err != nil {
			r.logger.Warn().
				Err(err).
				Str("invoice_id", inv.InvoiceID).
				Str("date", inv.Date).
				Msg("Failed to download invoice")
			continue
		}
		inv.FilePath = path
		downloaded = append(downloaded, inv)
	}
	return downloaded, nil
}

// parseFreeInvoiceList extracts invoice rows from a portal listing page.
// Rows are anchors pointing at facture PDFs; the surrounding text carries
// the period label and amount.
func parseFreeInvoiceList(html, baseURL string) ([]*models.Invoice, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse invoice list: %w", err)
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}

	var invoices []*models.Invoice
	doc.Find("a").Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok || !strings.Contains(href, "facture") {
			return
		}
		if !strings.Contains(href, ".pdf") && !strings.Contains(href, "pdf=") && !strings.Contains(href, "action=get") {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		absolute := base.ResolveReference(ref).String()

		row := sel.Closest("tr")
		if row.Length() == 0 {
			row = sel.Parent()
		}
		invoices = append(invoices, &models.Invoice{
			Date:        firstCellMatching(row, isDateLabel),
			InvoiceID:   ref.Query().Get("no_facture"),
			AmountText:  firstCellMatching(row, isAmountLabel),
			DownloadURL: absolute,
		})
	})
	return invoices, nil
}

// firstCellMatching returns the first cell text of a row that the predicate
// accepts
func firstCellMatching(row *goquery.Selection, accept func(string) bool) string {
	var found string
	row.Find("td, span, div").EachWithBreak(func(_ int, cell *goquery.Selection) bool {
		text := strings.TrimSpace(cell.Text())
		if accept(text) {
			found = text
			return false
		}
		return true
	})
	if found == "" {
		text := strings.TrimSpace(row.Text())
		if accept(text) {
			return text
		}
	}
	return found
}

func isAmountLabel(text string) bool {
	return strings.ContainsAny(text, "€") && len(text) < 20
}

func isDateLabel(text string) bool {
	if text == "" || len(text) > 40 {
		return false
	}
	_, err := dates.ParseLabel(text)
	return err == nil
}
