package extract

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/registry-fetcher/internal/registry"
)

const pageBase = "https://registry.example/sok?q=5566313788"

func fixture(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", name))
	require.NoError(t, err)
	return string(data)
}

func TestSearchFindsExactKey(t *testing.T) {
	t.Parallel()

	res, err := NewParser().Search(fixture(t, "search.html"), pageBase, registry.MustParseKey("5566313788"))
	require.NoError(t, err)
	require.True(t, res.Rendered)
	require.False(t, res.QuotaExceeded)
	require.NotNil(t, res.Match)
	require.Equal(t, "Exempelbolaget AB", res.Match.Name)
	require.Equal(t, "https://registry.example/foretag/exempelbolaget-ab/5566313788", res.Match.DetailURL)
	require.False(t, res.Match.Flagged)
}

func TestSearchWithoutMatch(t *testing.T) {
	t.Parallel()

	res, err := NewParser().Search(fixture(t, "search.html"), pageBase, registry.MustParseKey("1111111111"))
	require.NoError(t, err)
	require.True(t, res.Rendered)
	require.Nil(t, res.Match)

	res, err = NewParser().Search(fixture(t, "search_empty.html"), pageBase, registry.MustParseKey("5566313788"))
	require.NoError(t, err)
	require.True(t, res.Rendered)
	require.Nil(t, res.Match)

	res, err = NewParser().Search("<html><body><p>Laddar…</p></body></html>", pageBase, registry.MustParseKey("5566313788"))
	require.NoError(t, err)
	require.False(t, res.Rendered)
}

func TestSearchFlaggedResult(t *testing.T) {
	t.Parallel()

	res, err := NewParser().Search(fixture(t, "search_flagged.html"), pageBase, registry.MustParseKey("559000-1234"))
	require.NoError(t, err)
	require.NotNil(t, res.Match)
	require.True(t, res.Match.Flagged)
	require.Equal(t, "Bolaget har en anmärkning: konkurs inledd", res.Match.Remark)
}

func TestSearchQuotaNotice(t *testing.T) {
	t.Parallel()

	res, err := NewParser().Search(fixture(t, "quota.html"), pageBase, registry.MustParseKey("5566313788"))
	require.NoError(t, err)
	require.True(t, res.QuotaExceeded)
	require.Nil(t, res.Match)

	res, err = NewParser().Search(`<html><body><div data-testid="rate-limit-notice"></div></body></html>`,
		pageBase, registry.MustParseKey("5566313788"))
	require.NoError(t, err)
	require.True(t, res.QuotaExceeded)
}

func TestDetailExtractsRecord(t *testing.T) {
	t.Parallel()

	const detailURL = "https://registry.example/foretag/exempelbolaget-ab/5566313788"
	d, err := NewParser().Detail(fixture(t, "detail.html"), detailURL)
	require.NoError(t, err)

	rec := d.Record
	require.Equal(t, registry.EntityKey("556631-3788"), rec.Key)
	require.Equal(t, "Exempelbolaget AB", rec.Name)
	require.Equal(t, "Aktiebolag", rec.LegalForm)
	require.Equal(t, "Aktiv", rec.Status)
	require.Equal(t, "2004-05-12", rec.RegisteredOn)
	require.Equal(t, "08-123 456 78", rec.Phone)
	require.Equal(t, "info@exempel.se", rec.Email)
	require.Equal(t, "https://www.exempel.se", rec.Website)
	require.Equal(t, "Storgatan 1, 111 22 Stockholm", rec.VisitingAddress)
	require.Equal(t, "Box 123, 111 23 Stockholm", rec.PostalAddress)
	require.NotNil(t, rec.FTax)
	require.True(t, *rec.FTax)
	require.True(t, *rec.VATRegistered)
	require.False(t, *rec.EmployerRegistered)
	require.Equal(t, detailURL, rec.SourceURL)
	require.False(t, rec.Flagged)

	require.Equal(t, "62010", rec.Industry.Code)
	require.Equal(t, "Dataprogrammering", rec.Industry.Description)
	require.Equal(t, []string{"IT-konsulter", "Programvara"}, rec.Industry.Categories)
	require.Contains(t, rec.Industry.Activity, "programvara")

	require.NotNil(t, rec.Financials)
	fin := rec.Financials
	require.Equal(t, "2023-12", fin.Period)
	require.Equal(t, "SEK", fin.Currency)
	require.Equal(t, int64(12_345_000), *fin.Revenue)
	require.Equal(t, int64(-1_234_000), *fin.ProfitAfterFinancials)
	require.Equal(t, int64(-987_000), *fin.NetProfit)
	require.Equal(t, int64(45_678_000), *fin.TotalAssets)
}

func TestDetailBoardLinksKeepVocabularyRoles(t *testing.T) {
	t.Parallel()

	d, err := NewParser().Detail(fixture(t, "detail.html"), "https://registry.example/foretag/x/5566313788")
	require.NoError(t, err)
	require.Len(t, d.Board, 2)
	require.Equal(t, registry.RoleBoardMember, d.Board[0].Role)
	require.Equal(t, "https://registry.example/person/anna-andersson/1", d.Board[0].URL)
	require.Equal(t, registry.RoleExternalManagingDirector, d.Board[1].Role)
	require.Equal(t, "Bertil Berg", d.Board[1].Name)
}

func TestDetailMissingFieldsAreEmpty(t *testing.T) {
	t.Parallel()

	d, err := NewParser().Detail(`<html><body><h1>Tomt AB</h1></body></html>`, "https://registry.example/x")
	require.NoError(t, err)
	require.Equal(t, "Tomt AB", d.Record.Name)
	require.Nil(t, d.Record.Financials)
	require.Nil(t, d.Record.FTax)
	require.Empty(t, d.Record.Phone)
	require.Empty(t, d.Board)
}

func TestPersonExtractsFields(t *testing.T) {
	t.Parallel()

	key := registry.MustParseKey("5566313788")
	p, err := NewParser().Person(fixture(t, "person.html"), "https://registry.example/person/bertil-berg/2",
		key, registry.RoleExternalManagingDirector)
	require.NoError(t, err)
	require.Equal(t, key, p.Key)
	require.Equal(t, registry.RoleExternalManagingDirector, p.Role)
	require.Equal(t, "Bertil Berg", p.Name)
	require.NotNil(t, p.Age)
	require.Equal(t, 54, *p.Age)
	require.Equal(t, "070-123 45 67", p.Phone)
	require.Equal(t, "19700101-XXXX", p.PersonalNumber)
	require.Equal(t, registry.Address{Street: "Lillgatan 5", PostalCode: "222 33", City: "Lund"}, p.Address)
}

func TestParseThousands(t *testing.T) {
	t.Parallel()

	cases := map[string]*int64{
		"1 234":      ptr(int64(1_234_000)),
		"1\u00a0234": ptr(int64(1_234_000)),
		"\u221212":   ptr(int64(-12_000)),
		"12,5 tkr":   ptr(int64(12_500)),
		"-":          nil,
		"":           nil,
		"n/a":        nil,
	}
	for in, want := range cases {
		require.Equal(t, want, parseThousands(in), in)
	}
}

func TestParseYesNo(t *testing.T) {
	t.Parallel()

	require.True(t, *parseYesNo("Ja"))
	require.True(t, *parseYesNo("Registrerad"))
	require.False(t, *parseYesNo("Ej registrerad"))
	require.False(t, *parseYesNo("Nej"))
	require.Nil(t, parseYesNo(""))
	require.Nil(t, parseYesNo("okänt"))
}

func TestMatchRolePrefersExact(t *testing.T) {
	t.Parallel()

	r, ok := matchRole("Extern verkställande direktör")
	require.True(t, ok)
	require.Equal(t, registry.RoleExternalManagingDirector, r)

	r, ok = matchRole("Styrelseledamot, arbetstagarrepresentant")
	require.True(t, ok)
	require.Equal(t, registry.RoleBoardMember, r)

	_, ok = matchRole("Revisor")
	require.False(t, ok)
}

func ptr[T any](v T) *T { return &v }
