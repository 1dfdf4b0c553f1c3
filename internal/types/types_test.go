//go:build unit

// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package types_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexandremahdhaoui/vmsession/internal/types"
)

func TestConnectionConfigValidate(t *testing.T) {
	newConfig := func(t *testing.T) types.ConnectionConfig {
		t.Helper()

		return types.ConnectionConfig{
			Username: "admin",
			Hostname: "vmhost",
			Mode:     types.ModeSystem,
			DataDir:  t.TempDir(),
		}
	}

	t.Run("Defaults", func(t *testing.T) {
		cfg := newConfig(t)

		require.NoError(t, cfg.Validate())
		assert.Equal(t, "22", cfg.SSHPort)
		assert.Equal(t, filepath.Join(cfg.DataDir, "id_rsa"), cfg.PrivateKeyPath)
	})

	t.Run("HostnameCarriesPort", func(t *testing.T) {
		cfg := newConfig(t)
		cfg.Hostname = "vmhost:2222"

		require.NoError(t, cfg.Validate())
		assert.Equal(t, "vmhost", cfg.Hostname)
		assert.Equal(t, "2222", cfg.SSHPort)
	})

	t.Run("CreatesDataDir", func(t *testing.T) {
		cfg := newConfig(t)
		cfg.DataDir = filepath.Join(t.TempDir(), "nested", "data")

		require.NoError(t, cfg.Validate())
		assert.DirExists(t, cfg.DataDir)
	})

	t.Run("InvalidMode", func(t *testing.T) {
		cfg := newConfig(t)
		cfg.Mode = "cluster"

		require.ErrorIs(t, cfg.Validate(), types.ErrConfiguration)
	})

	t.Run("MissingHostname", func(t *testing.T) {
		cfg := newConfig(t)
		cfg.Hostname = ""

		require.ErrorIs(t, cfg.Validate(), types.ErrConfiguration)
	})

	t.Run("MissingDataDir", func(t *testing.T) {
		cfg := newConfig(t)
		cfg.DataDir = ""

		require.ErrorIs(t, cfg.Validate(), types.ErrConfiguration)
	})
}

func TestEphemeralDomainName(t *testing.T) {
	name := types.EphemeralDomainName("a1b2c3d4-0000-4000-8000-000000000042")
	assert.Equal(t, "fc-a1b2c3d4", name)
	assert.True(t, types.IsEphemeralDomainName(name))
}

func TestIsEphemeralDomainName(t *testing.T) {
	tests := []struct {
		name     string
		expected bool
	}{
		{name: "fc-a1b2c3d4", expected: true},
		{name: "fc-", expected: true},
		{name: "gnome-template", expected: false},
		{name: "Fc-a1b2c3d4", expected: false},
		{name: "", expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, types.IsEphemeralDomainName(tt.name))
		})
	}
}
