package integrations

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/models"
)

func TestDefaultRegistry(t *testing.T) {
	r, err := Default()
	require.NoError(t, err)

	ebay, ok := r.Lookup("ebay")
	require.True(t, ok)
	assert.True(t, ebay.IsCritical())
	assert.Equal(t, CriticalTTL, ebay.CacheTTL())
	assert.Equal(t, "canPublishToEbay", ebay.Capability)
	require.NotNil(t, ebay.HTTP)
	assert.Contains(t, ebay.HTTP.URLs, models.EnvironmentSandbox)
	require.NotNil(t, ebay.Breaker)
	assert.Equal(t, time.Minute, ebay.Breaker.OpenTimeout)

	scraper, ok := r.Lookup("scraperapi")
	require.True(t, ok)
	assert.Equal(t, 30*time.Minute, scraper.CacheTTL())

	openai, _ := r.Lookup("openai")
	assert.Equal(t, AuxiliaryTTL, openai.CacheTTL())

	for _, in := range r.Critical() {
		assert.True(t, in.IsCritical(), in.Name)
	}
	for _, in := range r.Simple() {
		assert.False(t, in.IsCritical(), in.Name)
	}
	assert.Len(t, r.All(), len(r.Critical())+len(r.Simple()))
	assert.Contains(t, r.Capabilities(), "canUseAI")
	assert.NotEmpty(t, r.BreakerOptions())

	_, ok = r.Lookup("myspace")
	assert.False(t, ok)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{name: "missing name", doc: "integrations:\n  - required_fields: [a]\n"},
		{name: "duplicate", doc: "integrations:\n  - name: a\n    required_fields: [x]\n  - name: a\n    required_fields: [x]\n"},
		{name: "bad criticality", doc: "integrations:\n  - name: a\n    criticality: vital\n    required_fields: [x]\n"},
		{name: "bad probe policy", doc: "integrations:\n  - name: a\n    probe: sometimes\n    required_fields: [x]\n"},
		{name: "no required fields", doc: "integrations:\n  - name: a\n"},
		{name: "unknown key", doc: "integrations:\n  - name: a\n    required_fields: [x]\n    colour: red\n"},
		{name: "bad http probe", doc: "integrations:\n  - name: a\n    required_fields: [x]\n    http:\n      urls: {}\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestParse_Defaults(t *testing.T) {
	r, err := Parse([]byte("integrations:\n  - name: a\n    required_fields: [x]\n"))
	require.NoError(t, err)

	in, ok := r.Lookup("a")
	require.True(t, ok)
	assert.Equal(t, Auxiliary, in.Criticality)
	assert.Equal(t, ProbeActive, in.Probe)
	assert.Equal(t, "a", in.Label())
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "integrations.yaml")
	require.NoError(t, os.WriteFile(path, []byte("integrations:\n  - name: custom\n    criticality: critical\n    required_fields: [token]\n    ttl: 1m\n"), 0o600))

	r, err := Load(path)
	require.NoError(t, err)

	in, ok := r.Lookup("custom")
	require.True(t, ok)
	assert.Equal(t, time.Minute, in.CacheTTL())

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestIntegration_Canonicalize(t *testing.T) {
	in := Integration{
		Aliases: map[string][]string{
			"client_id":     {"app_id", "appId"},
			"client_secret": {"cert_id"},
		},
	}

	got := in.Canonicalize(map[string]string{
		"appId":     " legacy ",
		"cert_id":   "secret",
		"client_id": "current",
		"extra":     "kept",
		"blank":     "   ",
	})

	assert.Equal(t, map[string]string{
		"client_id":     "current",
		"client_secret": "secret",
		"extra":         "kept",
	}, got)

	assert.Equal(t, map[string]string{"client_id": "legacy"}, in.Canonicalize(map[string]string{"app_id": "legacy"}))

	// two aliases of one field: the first declared wins, every time
	for range 20 {
		got := in.Canonicalize(map[string]string{"app_id": "first", "appId": "second"})
		require.Equal(t, map[string]string{"client_id": "first"}, got)
	}
	assert.Equal(t, map[string]string{"client_id": "second"}, in.Canonicalize(map[string]string{"app_id": " ", "appId": "second"}))
}

func TestIntegration_MissingFields(t *testing.T) {
	in := Integration{RequiredFields: []string{"client_id", "client_secret"}}

	assert.Equal(t, []string{"client_id", "client_secret"}, in.MissingFields(nil))
	assert.Equal(t, []string{"client_secret"}, in.MissingFields(map[string]string{"client_id": "x"}))
	assert.Equal(t, []string{}, in.MissingFields(map[string]string{"client_id": "x", "client_secret": "y"}))
}

func TestIntegration_AuthorizationPending(t *testing.T) {
	in := Integration{OAuthFields: []string{"access_token", "refresh_token"}}

	assert.True(t, in.AuthorizationPending(map[string]string{"client_id": "x"}))
	assert.False(t, in.AuthorizationPending(map[string]string{"refresh_token": "r"}))
	assert.False(t, Integration{}.AuthorizationPending(nil))
}

func TestIntegration_Expired(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	in := Integration{ExpiresField: "expires_at"}

	assert.True(t, in.Expired(map[string]string{"expires_at": now.Add(-time.Hour).Format(time.RFC3339)}, now))
	assert.False(t, in.Expired(map[string]string{"expires_at": now.Add(time.Hour).Format(time.RFC3339)}, now))
	assert.True(t, in.Expired(map[string]string{"expires_at": "1700000000"}, now))
	assert.False(t, in.Expired(map[string]string{"expires_at": "next tuesday"}, now))
	assert.False(t, in.Expired(map[string]string{}, now))
	assert.False(t, Integration{}.Expired(map[string]string{"expires_at": "1"}, now))
}

func TestIntegration_Passive(t *testing.T) {
	assert.True(t, Integration{Probe: ProbePassive}.Passive(false))
	assert.True(t, Integration{Probe: ProbeActive}.Passive(true))
	assert.False(t, Integration{Probe: ProbeActive}.Passive(false))
}

func TestRegistry_Keys(t *testing.T) {
	r, err := Parse([]byte("integrations:\n  - name: a\n    required_fields: [x]\n  - name: b\n    required_fields: [y]\n"))
	require.NoError(t, err)

	keys := r.Keys("t1", models.EnvironmentSandbox)

	assert.Equal(t, []models.StatusKey{
		{TenantID: "t1", Integration: "a", Environment: models.EnvironmentSandbox},
		{TenantID: "t1", Integration: "b", Environment: models.EnvironmentSandbox},
	}, keys)
}
