// Package extract turns rendered registry pages into records with goquery. It knows the
// markup; the fetch state machine does not.
package extract

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/registry-fetcher/internal/registry"
)

// Selectors the fetch orchestrator waits on before reading a page.
const (
	// SearchReadySelector matches once the search page has rendered either results, an
	// empty-result notice or the quota notice.
	SearchReadySelector = `[data-testid="search-results"], [data-testid="no-results"], [data-testid="rate-limit-notice"]`
	// DetailReadySelector matches the entity heading on a detail page.
	DetailReadySelector = `h1`
	// PersonReadySelector matches the heading on a person page.
	PersonReadySelector = `h1`
)

// quotaMarkers are lower-cased phrases the registry prints when it throttles a client.
var quotaMarkers = []string{
	"för många sökningar",
	"du har nått gränsen",
	"too many requests",
	"rate limit exceeded",
}

// SearchResult describes the search page for one key.
type SearchResult struct {
	// Rendered is false when neither a result list nor an empty-result notice was found.
	Rendered      bool
	QuotaExceeded bool
	Match         *Match
}

// Match is the search hit whose key equals the requested key.
type Match struct {
	Key       registry.EntityKey
	Name      string
	DetailURL string
	Flagged   bool
	Remark    string
}

// BoardLink is a person link listed on the detail page.
type BoardLink struct {
	Role registry.Role
	Name string
	URL  string
}

// Detail is the parsed detail page.
type Detail struct {
	Record registry.EntityRecord
	Board  []BoardLink
}

// Parser parses registry pages. Relative links are resolved against the page URL.
type Parser struct{}

// NewParser creates a Parser.
func NewParser() *Parser {
	return &Parser{}
}

func parseDocument(html string) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return doc, nil
}

// quotaExceeded reports whether the document carries the throttling notice.
func quotaExceeded(doc *goquery.Document) bool {
	if doc.Find(`[data-testid="rate-limit-notice"]`).Length() > 0 {
		return true
	}
	body := strings.ToLower(cleanText(doc.Find("body").Text()))
	for _, marker := range quotaMarkers {
		if strings.Contains(body, marker) {
			return true
		}
	}
	return false
}

// absoluteURL resolves href against pageURL. Unparseable input is returned unchanged.
func absoluteURL(pageURL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}
