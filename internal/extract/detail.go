package extract

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/registry-fetcher/internal/registry"
)

const defaultCurrency = "SEK"

// Detail parses an entity detail page. Absent fields stay empty; only unparseable markup
// is an error.
func (p *Parser) Detail(html, pageURL string) (Detail, error) {
	doc, err := parseDocument(html)
	if err != nil {
		return Detail{}, err
	}

	fields := collectFields(doc.Selection)
	rec := registry.EntityRecord{
		Name:               cleanText(doc.Find("h1").First().Text()),
		LegalForm:          lookup(fields, "bolagsform", "företagsform").text,
		Status:             lookup(fields, "status").text,
		RegisteredOn:       lookup(fields, "registreringsdatum", "registrerad").text,
		Phone:              lookup(fields, "telefon", "telefonnummer").text,
		VisitingAddress:    lookup(fields, "besöksadress").text,
		PostalAddress:      lookup(fields, "postadress", "utdelningsadress").text,
		FTax:               parseYesNo(lookup(fields, "f-skatt", "f-skattsedel").text),
		VATRegistered:      parseYesNo(lookup(fields, "momsregistrerad", "moms").text),
		EmployerRegistered: parseYesNo(lookup(fields, "arbetsgivarregistrerad", "arbetsgivare").text),
		SourceURL:          pageURL,
	}
	if key, err := registry.ParseKey(lookup(fields, "organisationsnummer", "org.nr").text); err == nil {
		rec.Key = key
	}
	if email := lookup(fields, "e-post", "epost", "email"); email.text != "" {
		rec.Email = email.text
		if strings.HasPrefix(email.href, "mailto:") {
			rec.Email = strings.TrimPrefix(email.href, "mailto:")
		}
	}
	if site := lookup(fields, "webbplats", "hemsida", "webbadress"); site.text != "" {
		rec.Website = site.text
		if site.href != "" {
			rec.Website = absoluteURL(pageURL, site.href)
		}
	}

	rec.Industry = registry.Industry{
		Code:        lookup(fields, "sni-kod", "branschkod", "sni").text,
		Description: lookup(fields, "bransch", "branschbeskrivning").text,
		Activity:    lookup(fields, "verksamhet", "verksamhetsbeskrivning").text,
	}
	doc.Find(`[data-testid="categories"] li`).Each(func(_ int, li *goquery.Selection) {
		if c := cleanText(li.Text()); c != "" {
			rec.Industry.Categories = append(rec.Industry.Categories, c)
		}
	})

	if remark := doc.Find(`[data-testid="remark"]`); remark.Length() > 0 {
		rec.Flagged = true
		rec.Remark = cleanText(remark.First().Text())
	}

	rec.Financials = parseFinancials(doc.Find(`[data-testid="financials"]`).First())

	return Detail{Record: rec, Board: parseBoard(doc, pageURL)}, nil
}

// parseFinancials reads the latest-period column of the key figures table. Figures are
// printed in thousands.
func parseFinancials(table *goquery.Selection) *registry.FinancialSnapshot {
	if table.Length() == 0 {
		return nil
	}
	snap := &registry.FinancialSnapshot{Currency: defaultCurrency}
	if cur, ok := table.Attr("data-currency"); ok && strings.TrimSpace(cur) != "" {
		snap.Currency = strings.ToUpper(strings.TrimSpace(cur))
	}
	if period := table.Find(`[data-testid="financials-period"]`); period.Length() > 0 {
		snap.Period = cleanText(period.First().Text())
	} else {
		snap.Period = cleanText(table.Find("thead th").Eq(1).Text())
	}

	table.Find("tbody tr").Each(func(_ int, tr *goquery.Selection) {
		label := normalizeLabel(tr.Children().First().Text())
		value := parseThousands(tr.Children().Eq(1).Text())
		switch {
		case strings.HasPrefix(label, "omsättning"), strings.HasPrefix(label, "nettoomsättning"):
			snap.Revenue = value
		case strings.HasPrefix(label, "resultat efter finansnetto"):
			snap.ProfitAfterFinancials = value
		case strings.HasPrefix(label, "årets resultat"):
			snap.NetProfit = value
		case strings.HasPrefix(label, "summa tillgångar"), strings.HasPrefix(label, "totala tillgångar"):
			snap.TotalAssets = value
		}
	})
	if snap.Revenue == nil && snap.ProfitAfterFinancials == nil && snap.NetProfit == nil && snap.TotalAssets == nil {
		return nil
	}
	return snap
}

// parseBoard lists person links in the board section together with their printed role.
func parseBoard(doc *goquery.Document, pageURL string) []BoardLink {
	var links []BoardLink
	doc.Find(`[data-testid="board"] [data-testid="board-member"]`).Each(func(_ int, row *goquery.Selection) {
		role, ok := matchRole(row.Find(`[data-testid="role"]`).First().Text())
		if !ok {
			return
		}
		a := row.Find("a[href]").First()
		href, exists := a.Attr("href")
		if !exists {
			return
		}
		links = append(links, BoardLink{
			Role: role,
			Name: cleanText(a.Text()),
			URL:  absoluteURL(pageURL, href),
		})
	})
	return links
}

// matchRole maps printed role text onto the vocabulary. Exact matches win over prefixes
// so "Extern verkställande direktör" is not read as a managing director.
func matchRole(text string) (registry.Role, bool) {
	t := strings.ToLower(cleanText(text))
	for _, r := range registry.RoleVocabulary {
		if t == strings.ToLower(string(r)) {
			return r, true
		}
	}
	for _, r := range registry.RoleVocabulary {
		if strings.HasPrefix(t, strings.ToLower(string(r))) {
			return r, true
		}
	}
	return "", false
}
