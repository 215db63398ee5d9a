package extract

import (
	"github.com/JakeFAU/registry-fetcher/internal/registry"
)

// Person parses a person page. Role and key come from the detail page link that led here.
func (p *Parser) Person(html, pageURL string, key registry.EntityKey, role registry.Role) (registry.PersonRecord, error) {
	doc, err := parseDocument(html)
	if err != nil {
		return registry.PersonRecord{}, err
	}
	fields := collectFields(doc.Selection)

	person := registry.PersonRecord{
		Key:            key,
		Role:           role,
		Name:           cleanText(doc.Find("h1").First().Text()),
		Age:            parseAge(lookup(fields, "ålder").text),
		Phone:          lookup(fields, "telefon", "telefonnummer").text,
		PersonalNumber: lookup(fields, "personnummer", "födelsedatum").text,
		SourceURL:      pageURL,
	}

	street := lookup(fields, "adress", "gatuadress", "folkbokföringsadress").text
	postal := lookup(fields, "postnummer").text
	city := lookup(fields, "ort", "postort").text
	if postal == "" && city == "" {
		street, postal, city = splitAddress(street)
	}
	person.Address = registry.Address{Street: street, PostalCode: postal, City: city}
	return person, nil
}
