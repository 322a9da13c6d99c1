// Package domain contains the core business types shared by all engines.
package domain

import "time"

// SecurityType enumerates the supported security variants.
type SecurityType string

const (
	SecurityEquity        SecurityType = "equity"
	SecurityCorporateBond SecurityType = "corporate-bond"
	SecuritySovereignBond SecurityType = "sovereign-bond"
	SecurityMunicipalBond SecurityType = "municipal-bond"
	SecurityConvertible   SecurityType = "convertible"
	SecurityETF           SecurityType = "ETF"
	SecurityIndex         SecurityType = "index"
)

// Temperature classifies borrow difficulty.
type Temperature string

const (
	TemperatureGeneralCollateral Temperature = "general-collateral"
	TemperatureHardToBorrow      Temperature = "hard-to-borrow"
)

// ExternalID is one externally-sourced identifier for a security.
// (Source, IDType, Value) resolves to at most one internal ID at any instant.
type ExternalID struct {
	Source string `json:"source"`
	IDType string `json:"id_type"`
	Value  string `json:"value"`
}

// Security is the internal representation of a tradable instrument.
// InternalID is opaque, stable and never rebound.
type Security struct {
	InternalID      string       `json:"internal_id"`
	ExternalIDs     []ExternalID `json:"external_ids,omitempty"`
	Type            SecurityType `json:"type"`
	Issuer          string       `json:"issuer,omitempty"`
	Market          string       `json:"market"`
	Currency        string       `json:"currency"`
	Status          string       `json:"status"`
	Temperature     Temperature  `json:"temperature"`
	ProviderVersion int64        `json:"provider_version"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// CounterpartyType enumerates counterparty variants.
type CounterpartyType string

const (
	CounterpartyInternal   CounterpartyType = "internal"
	CounterpartyClient     CounterpartyType = "client"
	CounterpartyBroker     CounterpartyType = "broker"
	CounterpartyCustodian  CounterpartyType = "custodian"
	CounterpartyAdvisor    CounterpartyType = "advisor"
	CounterpartyAgent      CounterpartyType = "agent"
	CounterpartyOperations CounterpartyType = "operations"
)

// Counterparty is a legal or operational entity the firm faces.
// Exactly one counterparty carries IsSelf=true.
type Counterparty struct {
	ID              string           `json:"id"`
	Type            CounterpartyType `json:"type"`
	KYCStatus       string           `json:"kyc_status"`
	LifecycleStatus string           `json:"lifecycle_status"`
	ParentID        string           `json:"parent_id,omitempty"`
	IsSelf          bool             `json:"is_self,omitempty"`
	ProviderVersion int64            `json:"provider_version"`
}

// AUType enumerates aggregation unit variants.
type AUType string

const (
	AULong  AUType = "long"
	AUShort AUType = "short"
	AUNet   AUType = "net"
)

// AggregationUnit is a reporting/segregation subdivision of a legal entity
// within a market. (Market, Name) is unique.
type AggregationUnit struct {
	ID              string `json:"id"`
	Market          string `json:"market"`
	Name            string `json:"name"`
	Type            AUType `json:"type"`
	ProviderVersion int64  `json:"provider_version"`
}
