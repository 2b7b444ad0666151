package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltehedderich/brand-gateway/internal/config"
)

func TestPolicy_Validate(t *testing.T) {
	assert.NoError(t, Policy{Limit: 1, Window: time.Second}.Validate())
	assert.Error(t, Policy{Limit: 0, Window: time.Second}.Validate())
	assert.Error(t, Policy{Limit: -1, Window: time.Second}.Validate())
	assert.Error(t, Policy{Limit: 1, Window: 0}.Validate())
}

func TestPolicy_KeyDistinguishesPolicies(t *testing.T) {
	a := Policy{Limit: 5, Window: 15 * time.Minute}.key("10.0.0.1")
	b := Policy{Limit: 5, Window: time.Minute}.key("10.0.0.1")
	c := Policy{Limit: 100, Window: 15 * time.Minute}.key("10.0.0.1")

	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Equal(t, a, Policy{Limit: 5, Window: 15 * time.Minute}.key("10.0.0.1"))
}

func TestNewCatalog(t *testing.T) {
	catalog, err := NewCatalog(map[string]config.PolicyConfig{
		config.PolicyAuth: {Limit: 5, Window: 15 * time.Minute},
		config.PolicyAPI:  {Limit: 100, Window: time.Minute},
	})
	require.NoError(t, err)

	auth, ok := catalog.Get(config.PolicyAuth)
	require.True(t, ok)
	assert.Equal(t, Policy{Limit: 5, Window: 15 * time.Minute}, auth)
	assert.Equal(t, []string{"api", "auth"}, catalog.Names())

	_, ok = catalog.Get("missing")
	assert.False(t, ok)
	assert.Panics(t, func() { catalog.MustGet("missing") })
}

func TestNewCatalog_RejectsInvalidPolicy(t *testing.T) {
	_, err := NewCatalog(map[string]config.PolicyConfig{
		"broken": {Limit: 0, Window: time.Minute},
	})
	assert.Error(t, err)
}
