// SPDX-License-Identifier: Apache-2.0

package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgsync/pgsync/internal/config"
)

func TestResolveDefaultsToConfiguredDefault(t *testing.T) {
	cfg := &config.Config{
		Default: "prod",
		Connections: map[string]config.Connection{
			"prod": {Source: config.Endpoint{Database: "app"}},
		},
	}

	conn, name, err := cfg.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, "prod", name)
	assert.Equal(t, "app", conn.Source.Database)
}

func TestResolveUnknownConnection(t *testing.T) {
	cfg := &config.Config{Connections: map[string]config.Connection{}}
	_, _, err := cfg.Resolve("missing")
	assert.Error(t, err)
}

func TestResolveNoNameNoDefault(t *testing.T) {
	cfg := &config.Config{}
	_, _, err := cfg.Resolve("")
	assert.Error(t, err)
}

func TestEffectiveBatchSizeFallsBackToDefault(t *testing.T) {
	var cfg *config.Config
	assert.Equal(t, 10000, cfg.EffectiveBatchSize(10000))

	cfg = &config.Config{BatchSize: 500}
	assert.Equal(t, 500, cfg.EffectiveBatchSize(10000))
}
