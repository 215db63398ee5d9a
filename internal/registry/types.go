// Package registry defines the core business-registry types shared across subsystems.
package registry

import "time"

// Role is a board or management role title as printed by the registry.
type Role string

// Role titles in scan precedence order.
const (
	RoleManagingDirector         Role = "Verkställande direktör"
	RoleExternalManagingDirector Role = "Extern verkställande direktör"
	RoleChair                    Role = "Ordförande"
	RoleBoardMember              Role = "Styrelseledamot"
	RoleDeputyBoardMember        Role = "Styrelsesuppleant"
)

// RoleVocabulary is the fixed ordered role list. Order determines which person link is
// followed first during a board scrape.
var RoleVocabulary = []Role{
	RoleManagingDirector,
	RoleExternalManagingDirector,
	RoleChair,
	RoleBoardMember,
	RoleDeputyBoardMember,
}

// EntityRecord is the fetched or cached business record. It is only ever replaced as a whole.
type EntityRecord struct {
	Key          EntityKey `json:"key"`
	Name         string    `json:"name"`
	LegalForm    string    `json:"legal_form,omitempty"`
	Status       string    `json:"status,omitempty"`
	RegisteredOn string    `json:"registered_on,omitempty"`

	Phone           string `json:"phone,omitempty"`
	Email           string `json:"email,omitempty"`
	Website         string `json:"website,omitempty"`
	VisitingAddress string `json:"visiting_address,omitempty"`
	PostalAddress   string `json:"postal_address,omitempty"`

	FTax               *bool `json:"f_tax,omitempty"`
	VATRegistered      *bool `json:"vat_registered,omitempty"`
	EmployerRegistered *bool `json:"employer_registered,omitempty"`

	Financials *FinancialSnapshot `json:"financials,omitempty"`
	Industry   Industry           `json:"industry"`

	Flagged bool   `json:"flagged"`
	Remark  string `json:"remark,omitempty"`

	SourceURL string    `json:"source_url"`
	FetchedAt time.Time `json:"fetched_at"`
}

// FinancialSnapshot holds the latest reported figures, already scaled to base currency units.
type FinancialSnapshot struct {
	Period                string `json:"period"`
	Revenue               *int64 `json:"revenue,omitempty"`
	ProfitAfterFinancials *int64 `json:"profit_after_financials,omitempty"`
	NetProfit             *int64 `json:"net_profit,omitempty"`
	TotalAssets           *int64 `json:"total_assets,omitempty"`
	Currency              string `json:"currency"`
}

// Industry captures the classification block of a record.
type Industry struct {
	Code        string   `json:"code,omitempty"`
	Description string   `json:"description,omitempty"`
	Categories  []string `json:"categories,omitempty"`
	Activity    string   `json:"activity,omitempty"`
}

// Address is a structured postal address.
type Address struct {
	Street     string `json:"street,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	City       string `json:"city,omitempty"`
}

// PersonRecord is one person associated with an entity. The full set for an entity is
// replaced on every fetch that includes people.
type PersonRecord struct {
	Key            EntityKey `json:"key"`
	Role           Role      `json:"role"`
	Name           string    `json:"name"`
	Age            *int      `json:"age,omitempty"`
	Phone          string    `json:"phone,omitempty"`
	PersonalNumber string    `json:"personal_number,omitempty"`
	Address        Address   `json:"address"`
	SourceURL      string    `json:"source_url,omitempty"`
}
