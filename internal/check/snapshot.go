package check

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// Snapshot is everything the stage pipeline needs about the target site,
// captured by a single fetch. Stages after the fetch are pure computation
// over this value.
type Snapshot struct {
	RequestedURL string
	FinalURL     string
	StatusCode   int
	TLS          *tls.ConnectionState
	ServerHeader string
	Doc          *goquery.Document
	Text         string

	Addresses    []string
	ReverseNames []string
}

// FetchError is the fatal class of fetch failures: DNS, refused connection,
// or timeout on the initial request. It aborts the whole audit.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Fetcher downloads a site snapshot for auditing.
type Fetcher struct {
	client    *http.Client
	resolver  *net.Resolver
	userAgent string
}

// NewFetcher builds a fetcher with the given per-request timeout.
func NewFetcher(timeout time.Duration, userAgent string) *Fetcher {
	return &Fetcher{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				// Expired or self-signed certificates must still produce a
				// snapshot: the ssl stage grades them, the fetch must not die.
				TLSClientConfig:   &tls.Config{InsecureSkipVerify: true},
				DisableKeepAlives: true,
			},
		},
		resolver:  net.DefaultResolver,
		userAgent: userAgent,
	}
}

// Fetch retrieves the page and resolves hosting facts. A *FetchError return
// means the site is unreachable and the audit cannot proceed; HTTP error
// statuses still yield a snapshot for the stages to grade.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept-Language", "ru-RU,ru;q=0.9,en;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: fmt.Errorf("read body: %w", err)}
	}

	snap := &Snapshot{
		RequestedURL: rawURL,
		FinalURL:     resp.Request.URL.String(),
		StatusCode:   resp.StatusCode,
		TLS:          resp.TLS,
		ServerHeader: resp.Header.Get("Server"),
		Doc:          doc,
		Text:         doc.Text(),
	}

	f.resolveHosting(ctx, resp.Request.URL, snap)
	return snap, nil
}

// resolveHosting is best-effort: hosting facts are evidence, not a
// prerequisite, so resolution failures leave the fields empty.
func (f *Fetcher) resolveHosting(ctx context.Context, u *url.URL, snap *Snapshot) {
	host := u.Hostname()
	if host == "" {
		return
	}
	ips, err := f.resolver.LookupIP(ctx, "ip", host)
	if err != nil {
		return
	}
	for _, ip := range ips {
		snap.Addresses = append(snap.Addresses, ip.String())
	}
	for _, ip := range ips {
		names, err := f.resolver.LookupAddr(ctx, ip.String())
		if err != nil {
			continue
		}
		for _, n := range names {
			snap.ReverseNames = append(snap.ReverseNames, strings.TrimSuffix(n, "."))
		}
	}
}

// NormalizeURL validates and canonicalizes user input into a fetchable
// http(s) URL. Bare hosts get an https scheme.
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("websiteUrl is required")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("URL has no host")
	}
	if strings.ContainsAny(u.Hostname(), " \t") || !strings.Contains(u.Hostname(), ".") {
		return "", fmt.Errorf("invalid host %q", u.Hostname())
	}
	return u.String(), nil
}
