package registry

import (
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/publicsuffix"

	"express-audit/internal/models"
)

// Client queries the Roskomnadzor personal-data-operator registry. The
// registry is a server-rendered search form: a warm-up GET collects session
// cookies, then a POST with the search fields returns an HTML result table.
type Client struct {
	baseURL    string
	httpClient *http.Client
	userAgent  string
}

// TransientError marks a registry failure worth retrying: network trouble,
// 5xx, rate limiting, or the bot-protection interstitial.
type TransientError struct {
	Reason string
	Err    error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("registry transient: %s: %v", e.Reason, e.Err)
	}
	return "registry transient: " + e.Reason
}

func (e *TransientError) Unwrap() error { return e.Err }

// NewClient builds a registry client. Cookies must persist across the
// warm-up and search requests within one lookup.
func NewClient(baseURL, userAgent string, timeout time.Duration) *Client {
	jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
			Jar:     jar,
		},
		userAgent: userAgent,
	}
}

var (
	regNumberRe = regexp.MustCompile(`\d{2}-\d+-\d+`)
	regDateRe   = regexp.MustCompile(`\d{2}\.\d{2}\.\d{4}`)
)

// operator legal-form markers used to pick the name cell out of a result row.
var legalForms = []string{"ООО", "АО", "ПАО", "ЗАО", "ИП", "АНО", "ГУП", "МУП"}

// Lookup performs exactly one registry query. The INN path is tried first
// when an INN is available; otherwise the company name is searched. Callers
// own retry policy; a *TransientError return means the attempt may be
// repeated, any other error is definitive.
func (c *Client) Lookup(ctx context.Context, inn, companyName string) (models.RegistryCheck, error) {
	if inn != "" {
		check, err := c.search(ctx, url.Values{"inn": {inn}, "name": {""}, "action": {"search"}})
		if err != nil {
			return models.RegistryCheck{}, err
		}
		check.UsedKey = models.UsedKeyINN
		if check.Status == models.RegistryPassed {
			check.Confidence = models.ConfidenceHigh
		}
		return check, nil
	}

	if companyName != "" {
		check, err := c.search(ctx, url.Values{"inn": {""}, "name": {companyName}, "action": {"search"}})
		if err != nil {
			return models.RegistryCheck{}, err
		}
		check.UsedKey = models.UsedKeyName
		if check.Status == models.RegistryPassed {
			if nameMatches(check.OperatorName, companyName) {
				check.Confidence = models.ConfidenceMedium
			} else {
				check.Confidence = models.ConfidenceLow
			}
		}
		return check, nil
	}

	return models.RegistryCheck{
		Status:              models.RegistryNotChecked,
		Confidence:          models.ConfidenceNone,
		UsedKey:             models.UsedKeyNone,
		NeedsCompanyDetails: true,
		Details:             "no INN or company name extracted from the page",
	}, nil
}

func (c *Client) search(ctx context.Context, form url.Values) (models.RegistryCheck, error) {
	if err := c.warmUp(ctx); err != nil {
		return models.RegistryCheck{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, strings.NewReader(form.Encode()))
	if err != nil {
		return models.RegistryCheck{}, fmt.Errorf("build search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept-Language", "ru-RU,ru;q=0.9,en;q=0.8")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return models.RegistryCheck{}, &TransientError{Reason: "search request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return models.RegistryCheck{}, &TransientError{Reason: fmt.Sprintf("registry returned HTTP %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		return models.RegistryCheck{}, fmt.Errorf("registry returned HTTP %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return models.RegistryCheck{}, fmt.Errorf("parse registry response: %w", err)
	}

	return c.parseResults(doc)
}

// warmUp loads the search page so the session cookies the registry expects
// are present on the subsequent POST.
func (c *Client) warmUp(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL, http.NoBody)
	if err != nil {
		return fmt.Errorf("build warm-up request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept-Language", "ru-RU,ru;q=0.9,en;q=0.8")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransientError{Reason: "warm-up request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return &TransientError{Reason: fmt.Sprintf("warm-up returned HTTP %d", resp.StatusCode)}
	}
	return nil
}

func (c *Client) parseResults(doc *goquery.Document) (models.RegistryCheck, error) {
	text := doc.Text()
	lower := strings.ToLower(text)

	if strings.Contains(text, "Проверка безопасности") || strings.Contains(lower, "captcha") {
		return models.RegistryCheck{}, &TransientError{Reason: "bot protection interstitial"}
	}

	// Definitive miss: the registry renders an explicit zero-results marker.
	if strings.Contains(text, "Найдено: 0") || strings.Contains(lower, "не найдено") || strings.Contains(lower, "нет данных") {
		return models.RegistryCheck{
			Status:     models.RegistryFailed,
			Confidence: models.ConfidenceNone,
			SourceURL:  c.baseURL,
			Details:    "operator not found in the RKN registry",
		}, nil
	}

	check := models.RegistryCheck{
		Status:     models.RegistryFailed,
		Confidence: models.ConfidenceNone,
		SourceURL:  c.baseURL,
	}

	doc.Find("table tr").EachWithBreak(func(_ int, row *goquery.Selection) bool {
		rowText := row.Text()
		reg := regNumberRe.FindString(rowText)
		if reg == "" {
			return true
		}
		check.Status = models.RegistryPassed
		check.RegistrationNumber = reg
		check.RegistrationDate = regDateRe.FindString(rowText)
		check.OperatorName = extractOperatorName(rowText)
		return false
	})

	if check.Status != models.RegistryPassed {
		check.Details = "operator not found in the RKN registry"
	}
	return check, nil
}

func extractOperatorName(rowText string) string {
	for _, line := range strings.Split(rowText, "\n") {
		line = strings.TrimSpace(line)
		if len([]rune(line)) < 5 {
			continue
		}
		for _, form := range legalForms {
			if strings.Contains(line, form) {
				return line
			}
		}
	}
	return ""
}

// nameMatches compares the registry's operator name with the name extracted
// from the audited page, ignoring case, quotes and legal-form noise.
func nameMatches(operatorName, pageName string) bool {
	a := normalizeName(operatorName)
	b := normalizeName(pageName)
	if a == "" || b == "" {
		return false
	}
	return strings.Contains(a, b) || strings.Contains(b, a)
}

func normalizeName(s string) string {
	s = strings.ToLower(s)
	for _, form := range legalForms {
		s = strings.ReplaceAll(s, strings.ToLower(form), "")
	}
	for _, ch := range []string{"«", "»", `"`, "'", "„", "“", ",", "."} {
		s = strings.ReplaceAll(s, ch, "")
	}
	return strings.TrimSpace(strings.Join(strings.Fields(s), " "))
}
