// Package contracts loads the four declarative policy documents that govern
// delivery sessions: Destination Profile, Safe Envelope, Capability Spec and
// Trust-Audit Contract.
//
// Documents are validated once at load time into typed structs; a missing
// or malformed document fails the load, never a later transition.
package contracts

import (
	"time"

	"github.com/Mindburn-Labs/slrpd/pkg/session"
)

// DestinationProfile describes a class of delivery targets.
type DestinationProfile struct {
	ID              string     `yaml:"id" json:"id"`
	Version         string     `yaml:"version" json:"version"`
	DestinationType string     `yaml:"destination_type" json:"destination_type"`
	SafeEnvelopeRef string     `yaml:"safe_envelope_ref,omitempty" json:"safe_envelope_ref,omitempty"`
	SyncRequired    bool       `yaml:"sync_required" json:"sync_required"`
	Tolerances      Tolerances `yaml:"tolerances,omitempty" json:"tolerances,omitempty"`
}

// Tolerances are optional per-destination thresholds.
type Tolerances struct {
	MinRetrievalScore *float64 `yaml:"min_retrieval_score,omitempty" json:"min_retrieval_score,omitempty"`
}

// MinRetrievalScore returns the profile threshold or def when unset.
func (dp *DestinationProfile) MinRetrievalScore(def float64) float64 {
	if dp.Tolerances.MinRetrievalScore == nil {
		return def
	}
	return *dp.Tolerances.MinRetrievalScore
}

// SafeEnvelope bounds operating parameters and governs actions.
type SafeEnvelope struct {
	ID      string         `yaml:"id" json:"id"`
	Version string         `yaml:"version" json:"version"`
	Limits  EnvelopeLimits `yaml:"limits" json:"limits"`
	Policy  EnvelopePolicy `yaml:"policy" json:"policy"`

	guards []compiledGuard
}

// EnvelopeLimits are the numeric limits and action controls.
type EnvelopeLimits struct {
	MaxPowerNorm         float64  `yaml:"max_power_norm" json:"max_power_norm"`
	MaxJitterNorm        float64  `yaml:"max_jitter_norm" json:"max_jitter_norm"`
	MaxLatencyMs         float64  `yaml:"max_latency_ms" json:"max_latency_ms"`
	MaxActionsPerSession int      `yaml:"max_actions_per_session" json:"max_actions_per_session"`
	AllowedActions       []string `yaml:"allowed_actions" json:"allowed_actions"`
}

// EnvelopePolicy holds the compatibility policy.
type EnvelopePolicy struct {
	DenyByDefault bool    `yaml:"deny_by_default" json:"deny_by_default"`
	Guards        []Guard `yaml:"guards,omitempty" json:"guards,omitempty"`
}

// Allows reports whether action is on the allowlist.
func (se *SafeEnvelope) Allows(action string) bool {
	for _, a := range se.Limits.AllowedActions {
		if a == action {
			return true
		}
	}
	return false
}

// CapabilitySpec declares the protocol features a destination supports.
type CapabilitySpec struct {
	ID                 string `yaml:"id" json:"id"`
	Version            string `yaml:"version" json:"version"`
	SupportsClosedLoop bool   `yaml:"supports_closed_loop" json:"supports_closed_loop"`
	SupportsCooldown   bool   `yaml:"supports_cooldown" json:"supports_cooldown"`
	SupportsAudit      bool   `yaml:"supports_audit" json:"supports_audit"`
}

// TrustAuditContract lists, per stage, the mandatory audit event types and
// the fields every audit event must carry.
type TrustAuditContract struct {
	ID                 string              `yaml:"id" json:"id"`
	Version            string              `yaml:"version" json:"version"`
	MinContractVersion string              `yaml:"min_contract_version,omitempty" json:"min_contract_version,omitempty"`
	RequiredEventsRaw  map[string][]string `yaml:"required_events" json:"required_events"`
	RequiredFields     []string            `yaml:"required_fields" json:"required_fields"`

	requiredEvents map[session.Stage][]string
}

// NewTrustAuditContract builds a contract from already typed requirements.
func NewTrustAuditContract(id, version string, required map[session.Stage][]string, fields []string) *TrustAuditContract {
	t := &TrustAuditContract{
		ID:                id,
		Version:           version,
		RequiredEventsRaw: make(map[string][]string, len(required)),
		RequiredFields:    fields,
		requiredEvents:    make(map[session.Stage][]string, len(required)),
	}
	for st, events := range required {
		t.RequiredEventsRaw[st.String()] = events
		t.requiredEvents[st] = events
	}
	return t
}

// RequiredEvents returns the mandatory event types for st.
func (t *TrustAuditContract) RequiredEvents(st session.Stage) []string {
	return t.requiredEvents[st]
}

// Contracts is one complete, validated contract set. It is immutable once
// loaded.
type Contracts struct {
	DP  *DestinationProfile
	SE  *SafeEnvelope
	CS  *CapabilitySpec
	TAC *TrustAuditContract

	Dir      string
	LoadedAt time.Time
}

// Identifiers returns the document ids, keyed by kind.
func (c *Contracts) Identifiers() map[string]any {
	return map[string]any{
		string(KindDestinationProfile): c.DP.ID,
		string(KindSafeEnvelope):       c.SE.ID,
		string(KindCapabilitySpec):     c.CS.ID,
		string(KindTrustAudit):         c.TAC.ID,
	}
}
