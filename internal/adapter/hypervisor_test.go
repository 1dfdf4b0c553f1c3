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

package adapter_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/alexandremahdhaoui/vmsession/internal/adapter"
	"github.com/alexandremahdhaoui/vmsession/internal/types"
)

func TestConnectionURI(t *testing.T) {
	t.Run("SystemMode", func(t *testing.T) {
		cfg := types.ConnectionConfig{
			Username:       "admin",
			Hostname:       "vmhost.example.com",
			SSHPort:        "22",
			Mode:           types.ModeSystem,
			PrivateKeyPath: "/data/id_rsa",
		}

		assert.Equal(t,
			"qemu+ssh://admin@vmhost.example.com/system"+
				"?keyfile=/data/id_rsa&no_tty=1&sshauth=privkey",
			adapter.ConnectionURI(cfg, ""),
		)
	})

	t.Run("SessionModeCarriesSocket", func(t *testing.T) {
		cfg := types.ConnectionConfig{
			Username:       "user",
			Hostname:       "vmhost",
			SSHPort:        "22",
			Mode:           types.ModeSession,
			PrivateKeyPath: "/data/id_rsa",
		}

		assert.Equal(t,
			"qemu+ssh://user@vmhost/session"+
				"?keyfile=/data/id_rsa&no_tty=1&sshauth=privkey"+
				"&socket=/run/user/1000/libvirt/libvirt-sock",
			adapter.ConnectionURI(cfg, "/run/user/1000/libvirt/libvirt-sock"),
		)
	})

	t.Run("NonDefaultSSHPort", func(t *testing.T) {
		cfg := types.ConnectionConfig{
			Username:       "admin",
			Hostname:       "vmhost",
			SSHPort:        "2222",
			Mode:           types.ModeSystem,
			PrivateKeyPath: "/data/id_rsa",
		}

		assert.Equal(t,
			"qemu+ssh://admin@vmhost:2222/system"+
				"?keyfile=/data/id_rsa&no_tty=1&sshauth=privkey",
			adapter.ConnectionURI(cfg, ""),
		)
	})

	t.Run("Deterministic", func(t *testing.T) {
		// Options are serialized in sorted key order, so two identical
		// configurations always produce byte-identical URLs.
		cfg := types.ConnectionConfig{
			Username:       "admin",
			Hostname:       "vmhost",
			SSHPort:        "22",
			Mode:           types.ModeSession,
			PrivateKeyPath: "/k",
		}

		first := adapter.ConnectionURI(cfg, "/sock")
		for range 10 {
			assert.Equal(t, first, adapter.ConnectionURI(cfg, "/sock"))
		}
	})
}
