package extract

import (
	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/registry-fetcher/internal/registry"
)

// Search parses a search result page and looks for the hit whose key equals key.
func (p *Parser) Search(html, pageURL string, key registry.EntityKey) (SearchResult, error) {
	doc, err := parseDocument(html)
	if err != nil {
		return SearchResult{}, err
	}

	res := SearchResult{
		QuotaExceeded: quotaExceeded(doc),
		Rendered: doc.Find(`[data-testid="search-results"]`).Length() > 0 ||
			doc.Find(`[data-testid="no-results"]`).Length() > 0,
	}
	if res.QuotaExceeded {
		return res, nil
	}

	doc.Find(`[data-testid="search-result"]`).EachWithBreak(func(_ int, item *goquery.Selection) bool {
		found, err := registry.ParseKey(item.Find(`[data-testid="org-number"]`).First().Text())
		if err != nil || found != key {
			return true
		}
		link := item.Find(`a[href]`).First()
		href, _ := link.Attr("href")
		m := &Match{
			Key:       found,
			Name:      cleanText(link.Text()),
			DetailURL: absoluteURL(pageURL, href),
		}
		if remark := item.Find(`[data-testid="remark"]`); remark.Length() > 0 {
			m.Flagged = true
			m.Remark = cleanText(remark.First().Text())
			if m.Remark == "" {
				m.Remark = "entity carries a registry remark"
			}
		}
		res.Match = m
		return false
	})
	return res, nil
}
