package portal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claimbridge/backend/internal/config"
	"github.com/claimbridge/backend/internal/events"
	"github.com/claimbridge/backend/internal/resilience"
	"github.com/claimbridge/backend/internal/sessions"
)

func factoryFixture(t *testing.T) *Factory {
	t.Helper()

	cfg := &config.Config{
		NPHIES: config.NPHIESConfig{
			Environment:  "sandbox",
			BaseURL:      "http://nphies.local",
			AuthBaseURL:  "http://auth.local",
			Realm:        "sehati",
			ClientID:     "claimbridge",
			ClientSecret: "s3cr3t",
		},
		Portals: map[string]config.PortalConfig{
			"tawuniya": {
				BaseURL: "http://tawuniya.local",
				Branches: map[string]config.BranchCredentials{
					"riyadh": {Username: "u1", Password: "p1"},
					"jeddah": {Username: "u2", Password: "p2"},
				},
			},
			"medgulf": {
				BaseURL: "http://medgulf.local",
				Branches: map[string]config.BranchCredentials{
					"main": {Username: "u3", Password: "p3"},
				},
			},
		},
	}

	reg := sessions.NewRegistry(time.Minute)
	t.Cleanup(reg.Stop)

	return NewFactory(cfg, Deps{
		Sessions: reg,
		Bus:      events.NewBus(),
		Breakers: resilience.NewManager(resilience.DefaultBreakerConfig(), nil),
	})
}

func TestFactoryCachesByPair(t *testing.T) {
	f := factoryFixture(t)

	a, err := f.Get("tawuniya", "riyadh")
	require.NoError(t, err)
	b, err := f.Get("tawuniya", "riyadh")
	require.NoError(t, err)
	assert.Same(t, a, b)

	other, err := f.Get("tawuniya", "jeddah")
	require.NoError(t, err)
	assert.NotSame(t, a, other)
	assert.Equal(t, "jeddah", other.Branch())
}

func TestFactoryNPHIESIgnoresBranch(t *testing.T) {
	f := factoryFixture(t)

	a, err := f.Get(PortalNPHIES, "")
	require.NoError(t, err)
	b, err := f.Get(PortalNPHIES, "riyadh")
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Empty(t, a.Branch())
}

func TestFactoryResolvesSingleBranch(t *testing.T) {
	f := factoryFixture(t)

	c, err := f.Get("medgulf", "")
	require.NoError(t, err)
	assert.Equal(t, "main", c.Branch())
}

func TestFactoryAmbiguousBranchFails(t *testing.T) {
	f := factoryFixture(t)

	_, err := f.Get("tawuniya", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "branches")
}

func TestFactoryUnknownPortal(t *testing.T) {
	f := factoryFixture(t)

	_, err := f.Get("oasis", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown portal")
}

func TestFactoryKnownListsGatewayFirst(t *testing.T) {
	f := factoryFixture(t)
	assert.Equal(t, []string{PortalNPHIES, "medgulf", "tawuniya"}, f.Known())
}

func TestFactoryActiveAndCloseAll(t *testing.T) {
	f := factoryFixture(t)

	first, err := f.Get("tawuniya", "riyadh")
	require.NoError(t, err)
	_, err = f.Get("medgulf", "")
	require.NoError(t, err)
	assert.Len(t, f.Active(), 2)

	f.CloseAll()
	assert.Empty(t, f.Active())

	again, err := f.Get("tawuniya", "riyadh")
	require.NoError(t, err)
	assert.NotSame(t, first, again)
}
