package extract

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// cleanText collapses whitespace, including non-breaking spaces.
func cleanText(s string) string {
	s = strings.ReplaceAll(s, "\u00a0", " ")
	s = strings.ReplaceAll(s, "\u202f", " ")
	return strings.Join(strings.Fields(s), " ")
}

// normalizeLabel lower-cases a field label and strips trailing colons.
func normalizeLabel(s string) string {
	s = strings.ToLower(cleanText(s))
	return strings.TrimSpace(strings.TrimSuffix(s, ":"))
}

// field is a label/value pair read from a definition list or a two-column table.
type field struct {
	text string
	href string
}

// collectFields reads dt/dd and th/td pairs under sel. The first occurrence of a label wins.
func collectFields(sel *goquery.Selection) map[string]field {
	out := make(map[string]field)
	add := func(label string, value *goquery.Selection) {
		key := normalizeLabel(label)
		if key == "" {
			return
		}
		if _, ok := out[key]; ok {
			return
		}
		href, _ := value.Find("a[href]").First().Attr("href")
		out[key] = field{text: cleanText(value.Text()), href: strings.TrimSpace(href)}
	}
	sel.Find("dl dt").Each(func(_ int, dt *goquery.Selection) {
		add(dt.Text(), dt.NextFiltered("dd"))
	})
	sel.Find("tr").Each(func(_ int, tr *goquery.Selection) {
		th := tr.Find("th").First()
		td := tr.Find("td").First()
		if th.Length() == 0 || td.Length() == 0 {
			return
		}
		add(th.Text(), td)
	})
	return out
}

// lookup returns the first non-empty value among labels.
func lookup(fields map[string]field, labels ...string) field {
	for _, l := range labels {
		if f, ok := fields[l]; ok && f.text != "" {
			return f
		}
	}
	return field{}
}

// parseYesNo maps the registry's registration wording to a tri-state flag.
func parseYesNo(s string) *bool {
	v := strings.ToLower(cleanText(s))
	var b bool
	switch {
	case v == "":
		return nil
	case strings.HasPrefix(v, "ej"), strings.HasPrefix(v, "nej"), strings.HasPrefix(v, "inte"),
		strings.HasPrefix(v, "no"), strings.HasPrefix(v, "avregistrerad"):
		b = false
	case strings.HasPrefix(v, "ja"), strings.HasPrefix(v, "registrerad"), strings.HasPrefix(v, "yes"):
		b = true
	default:
		return nil
	}
	return &b
}

var amountJunk = strings.NewReplacer(
	" ", "", "\u00a0", "", "\u202f", "",
	"tkr", "", "TKR", "", "kr", "", "SEK", "",
	"\u2212", "-", "\u2013", "-",
)

// parseThousands parses a figure printed in thousands (Swedish notation: space grouping,
// comma decimals) and returns it in base units.
func parseThousands(s string) *int64 {
	v := amountJunk.Replace(strings.TrimSpace(s))
	if v == "" || v == "-" {
		return nil
	}
	v = strings.ReplaceAll(v, ",", ".")
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil
	}
	n := int64(math.Round(f * 1000))
	return &n
}

var digitsRe = regexp.MustCompile(`\d+`)

// parseAge extracts the first integer from text like "54 år".
func parseAge(s string) *int {
	m := digitsRe.FindString(s)
	if m == "" {
		return nil
	}
	n, err := strconv.Atoi(m)
	if err != nil {
		return nil
	}
	return &n
}

var postalRe = regexp.MustCompile(`^(.*?)[,\s]*(\d{3}\s?\d{2})\s+(.+)$`)

// splitAddress splits "Storgatan 1, 111 22 Stockholm" into street, postal code and city.
func splitAddress(s string) (street, postalCode, city string) {
	s = cleanText(s)
	m := postalRe.FindStringSubmatch(s)
	if m == nil {
		return s, "", ""
	}
	return strings.TrimSpace(m[1]), m[2], strings.TrimSpace(m[3])
}
