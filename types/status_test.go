package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusMerge(t *testing.T) {
	tests := []struct {
		name     string
		current  Status
		observed Status
		want     Status
	}{
		{"passed stays passed", StatusPassed, StatusPassed, StatusPassed},
		{"passed upgrades to skipped", StatusPassed, StatusSkipped, StatusSkipped},
		{"passed upgrades to failed", StatusPassed, StatusFailed, StatusFailed},
		{"skipped upgrades to failed", StatusSkipped, StatusFailed, StatusFailed},
		{"skipped never downgrades", StatusSkipped, StatusPassed, StatusSkipped},
		{"failed never downgrades to skipped", StatusFailed, StatusSkipped, StatusFailed},
		{"failed never downgrades to passed", StatusFailed, StatusPassed, StatusFailed},
		{"unknown value never upgrades", StatusPassed, Status("bogus"), StatusPassed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.current.Merge(tt.observed))
		})
	}
}

func TestStatusMergeIsOrderIndependent(t *testing.T) {
	observed := []Status{StatusPassed, StatusSkipped, StatusPassed, StatusFailed, StatusSkipped}

	forward := StatusPassed
	for _, s := range observed {
		forward = forward.Merge(s)
	}

	backward := StatusPassed
	for i := len(observed) - 1; i >= 0; i-- {
		backward = backward.Merge(observed[i])
	}

	require.Equal(t, StatusFailed, forward)
	require.Equal(t, forward, backward)
}

func TestStatusValid(t *testing.T) {
	assert.True(t, StatusPassed.Valid())
	assert.True(t, StatusSkipped.Valid())
	assert.True(t, StatusFailed.Valid())
	assert.False(t, Status("").Valid())
	assert.False(t, Status("errored").Valid())
}

func TestOperationIdentifiers(t *testing.T) {
	assert.Equal(t, "auth.TestLogin.expired_token", TestKey("auth", "TestLogin", "expired_token"))
	assert.Equal(t, "auth.TestLogin", SuiteKey("auth", "TestLogin"))
	assert.Equal(t, "auth", RootSuiteKey("auth"))

	// Identifiers for different tests of the same class share the suite prefix
	a := TestKey("auth", "TestLogin", "valid_token")
	b := TestKey("auth", "TestLogin", "expired_token")
	require.NotEqual(t, a, b)
}

func TestBundleDisplayName(t *testing.T) {
	assert.Equal(t, "custom", Bundle{Name: "custom", Package: "./pkg/auth"}.DisplayName())
	assert.Equal(t, "auth", Bundle{Package: "./pkg/auth"}.DisplayName())
	assert.Equal(t, "auth", Bundle{Package: "github.com/acme/svc/auth/..."}.DisplayName())
}

func TestLaunchSummaryTotals(t *testing.T) {
	s := LaunchSummary{
		Bundles: []BundleResult{
			{Passed: 3, Failed: 1},
			{Passed: 2, Skipped: 4},
		},
	}
	passed, failed, skipped := s.Totals()
	assert.Equal(t, 5, passed)
	assert.Equal(t, 1, failed)
	assert.Equal(t, 4, skipped)
}
