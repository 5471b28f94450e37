package models

import (
	"time"
)

// AuditStatus enumerates audit lifecycle states persisted in Postgres.
// Transitions are forward-only: pending -> running -> completed|failed.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Stage outcomes. A failed outcome is an expected check result, not an error.
const (
	OutcomePassed  = "passed"
	OutcomeWarning = "warning"
	OutcomeFailed  = "failed"
)

// Severity buckets derived from the final score.
const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// Audit is one express compliance check of a website, keyed by an opaque
// bearer token. The token is the only external handle; anyone holding it may
// poll progress and fetch the report.
type Audit struct {
	Token               string     `json:"token"`
	WebsiteURL          string     `json:"websiteUrl"`
	Status              string     `json:"status"`
	StageIndex          int        `json:"stageIndex"`
	PassedCount         int        `json:"passedCount"`
	WarningCount        int        `json:"warningCount"`
	FailedCount         int        `json:"failedCount"`
	RegistryAttempt     int        `json:"registryAttempt"`
	RegistryMaxAttempts int        `json:"registryMaxAttempts"`
	ScorePercent        *int       `json:"scorePercent,omitempty"`
	Severity            *string    `json:"severity,omitempty"`
	LastError           *string    `json:"lastError,omitempty"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
	CompletedAt         *time.Time `json:"completedAt,omitempty"`
}

// Terminal reports whether the audit reached a final state.
func (a Audit) Terminal() bool {
	return a.Status == StatusCompleted || a.Status == StatusFailed
}

// StageResult is the outcome of a single compliance stage. Exactly one row
// exists per stage per audit, appended in stage-definition order.
type StageResult struct {
	StageName string    `json:"stageName"`
	Outcome   string    `json:"outcome"`
	Evidence  Evidence  `json:"evidence"`
	CreatedAt time.Time `json:"createdAt"`
}

// Evidence carries stage-specific findings. Only the fields relevant to the
// producing stage are set; the whole struct is stored as JSONB.
type Evidence struct {
	Details string `json:"details,omitempty"`

	// connection
	StatusCode int    `json:"statusCode,omitempty"`
	FinalURL   string `json:"finalUrl,omitempty"`

	// ssl
	CertIssuer  string     `json:"certIssuer,omitempty"`
	CertExpires *time.Time `json:"certExpires,omitempty"`

	// privacy_policy / cookie_banner
	MatchedURL  string `json:"matchedUrl,omitempty"`
	MatchedText string `json:"matchedText,omitempty"`

	// consent_forms
	FormsTotal       int `json:"formsTotal,omitempty"`
	FormsWithConsent int `json:"formsWithConsent,omitempty"`

	// company_details
	INN         string `json:"inn,omitempty"`
	OGRN        string `json:"ogrn,omitempty"`
	CompanyName string `json:"companyName,omitempty"`

	// hosting
	Hosting *HostingInfo `json:"hosting,omitempty"`

	// rkn_registry
	Registry *RegistryCheck `json:"registry,omitempty"`
}

// HostingInfo describes where the site is served from, used as
// data-localization evidence.
type HostingInfo struct {
	Addresses    []string `json:"addresses,omitempty"`
	ReverseNames []string `json:"reverseNames,omitempty"`
	ServerHeader string   `json:"serverHeader,omitempty"`
}

// Registry check statuses. pending means retries were exhausted without a
// definitive answer; not_checked means no INN or company name was available.
const (
	RegistryPassed     = "passed"
	RegistryWarning    = "warning"
	RegistryFailed     = "failed"
	RegistryPending    = "pending"
	RegistryNotChecked = "not_checked"
)

// Confidence of a registry match.
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
	ConfidenceNone   = "none"
)

// Identifier path that produced a registry result.
const (
	UsedKeyINN    = "inn"
	UsedKeyName   = "name"
	UsedKeyManual = "manual"
	UsedKeyNone   = "none"
)

// RegistryCheck is the result of the personal-data-operator registry lookup.
type RegistryCheck struct {
	Status              string `json:"status"`
	Confidence          string `json:"confidence"`
	UsedKey             string `json:"usedKey"`
	NeedsCompanyDetails bool   `json:"needsCompanyDetails"`
	RegistrationNumber  string `json:"registrationNumber,omitempty"`
	OperatorName        string `json:"companyName,omitempty"`
	RegistrationDate    string `json:"registrationDate,omitempty"`
	SourceURL           string `json:"sourceUrl,omitempty"`
	Details             string `json:"details,omitempty"`
}

// ValidINN reports whether s is a syntactically valid Russian taxpayer
// number: 10 digits for companies, 12 for sole proprietors.
func ValidINN(s string) bool {
	if len(s) != 10 && len(s) != 12 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
