package contracts

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/slrpd/pkg/session"
)

// copyValid copies testdata/valid into a temp dir and applies overrides.
// An empty override removes the file.
func copyValid(t *testing.T, overrides map[Kind]string) string {
	t.Helper()
	dir := t.TempDir()
	for _, k := range Kinds() {
		body, err := os.ReadFile(filepath.Join("testdata", "valid", FileName(k)))
		require.NoError(t, err)
		if o, ok := overrides[k]; ok {
			if o == "" {
				continue
			}
			body = []byte(o)
		}
		require.NoError(t, os.WriteFile(filepath.Join(dir, FileName(k)), body, 0o600))
	}
	return dir
}

func TestLoad_Valid(t *testing.T) {
	c, err := Load(filepath.Join("testdata", "valid"))
	require.NoError(t, err)

	assert.Equal(t, "DP-DC-01", c.DP.ID)
	assert.False(t, c.DP.SyncRequired)
	assert.InDelta(t, 0.15, c.DP.MinRetrievalScore(0.5), 1e-9)

	assert.True(t, c.SE.Policy.DenyByDefault)
	assert.Equal(t, 2, c.SE.Limits.MaxActionsPerSession)
	assert.True(t, c.SE.Allows("create_report"))
	assert.False(t, c.SE.Allows("open_breaker"))

	assert.True(t, c.CS.SupportsCooldown)

	assert.Equal(t, []string{"arm_authorization"}, c.TAC.RequiredEvents(session.StageArm))
	assert.Empty(t, c.TAC.RequiredEvents(session.StageSync))
	assert.Equal(t, []string{"session_id", "event_type", "state", "ts"}, c.TAC.RequiredFields)

	assert.Equal(t, map[string]any{"dp": "DP-DC-01", "se": "SE-DC-01", "cs": "CS-SLRPD-01", "tac": "TAC-SLRPD-01"}, c.Identifiers())
}

func TestLoad_Failures(t *testing.T) {
	tests := []struct {
		name      string
		overrides map[Kind]string
		kind      Kind
		wantErr   error
		contains  string
	}{
		{
			name:      "missing document",
			overrides: map[Kind]string{KindCapabilitySpec: ""},
			kind:      KindCapabilitySpec,
			wantErr:   os.ErrNotExist,
		},
		{
			name:      "root is a list",
			overrides: map[Kind]string{KindDestinationProfile: "- a\n- b\n"},
			kind:      KindDestinationProfile,
			wantErr:   ErrNotMapping,
		},
		{
			name:      "root is a scalar",
			overrides: map[Kind]string{KindTrustAudit: "just text\n"},
			kind:      KindTrustAudit,
			wantErr:   ErrNotMapping,
		},
		{
			name:      "missing required key",
			overrides: map[Kind]string{KindSafeEnvelope: "id: SE\nversion: \"1.0.0\"\npolicy:\n  deny_by_default: true\n"},
			kind:      KindSafeEnvelope,
			wantErr:   ErrSchemaMismatch,
		},
		{
			name:      "wrong field type",
			overrides: map[Kind]string{KindDestinationProfile: "id: DP\nversion: \"1.0.0\"\ndestination_type: dc\nsync_required: \"yes\"\n"},
			kind:      KindDestinationProfile,
			wantErr:   ErrSchemaMismatch,
		},
		{
			name:      "non-semver version",
			overrides: map[Kind]string{KindCapabilitySpec: "id: CS\nversion: \"banana\"\nsupports_closed_loop: true\nsupports_cooldown: true\nsupports_audit: true\n"},
			kind:      KindCapabilitySpec,
			contains:  "banana",
		},
		{
			name: "unknown stage key",
			overrides: map[Kind]string{KindTrustAudit: "id: TAC\nversion: \"0.1.0\"\nrequired_events:\n  Launch: [x]\nrequired_fields: []\n"},
			kind:     KindTrustAudit,
			contains: "Launch",
		},
		{
			name: "version below minimum",
			overrides: map[Kind]string{KindTrustAudit: "id: TAC\nversion: \"0.1.0\"\nmin_contract_version: \"0.2.0\"\nrequired_events: {}\nrequired_fields: []\n"},
			kind:     KindDestinationProfile,
			contains: "below required",
		},
		{
			name: "guard does not compile",
			overrides: map[Kind]string{KindSafeEnvelope: strings.Join([]string{
				"id: SE", "version: \"0.1.0\"",
				"limits: {max_power_norm: 1, max_jitter_norm: 1, max_latency_ms: 1, max_actions_per_session: 1, allowed_actions: []}",
				"policy:", "  deny_by_default: false", "  guards:", "    - name: broken", "      expression: unknown_var == 1", "",
			}, "\n")},
			kind:     KindSafeEnvelope,
			contains: "broken",
		},
		{
			name: "guard is not boolean",
			overrides: map[Kind]string{KindSafeEnvelope: strings.Join([]string{
				"id: SE", "version: \"0.1.0\"",
				"limits: {max_power_norm: 1, max_jitter_norm: 1, max_latency_ms: 1, max_actions_per_session: 1, allowed_actions: []}",
				"policy:", "  deny_by_default: false", "  guards:", "    - name: stringy", "      expression: destination_id", "",
			}, "\n")},
			kind:     KindSafeEnvelope,
			contains: "boolean",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := copyValid(t, tt.overrides)
			c, err := Load(dir)
			require.Error(t, err)
			assert.Nil(t, c)

			var loadErr *ContractLoadError
			require.True(t, errors.As(err, &loadErr), "expected ContractLoadError, got %T", err)
			assert.Equal(t, tt.kind, loadErr.Kind)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			if tt.contains != "" {
				assert.Contains(t, err.Error(), tt.contains)
			}
		})
	}
}

func TestEvaluateGuards(t *testing.T) {
	c, err := Load(filepath.Join("testdata", "valid"))
	require.NoError(t, err)

	res, err := c.SE.EvaluateGuards(GuardInput{DestinationID: "DC-7", HasDestination: true, DestinationType: "data_center"})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, GuardResult{Name: "known_destination_type", Passed: true}, res[0])

	res, err = c.SE.EvaluateGuards(GuardInput{DestinationType: "substation"})
	require.NoError(t, err)
	assert.False(t, res[0].Passed)
}
