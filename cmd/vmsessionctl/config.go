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

package main

import (
	"fmt"
	"os"

	"sigs.k8s.io/yaml"

	"github.com/alexandremahdhaoui/vmsession/internal/types"
)

const (
	// ConfigPathEnvKey is the environment variable key for the config file path.
	ConfigPathEnvKey = "VMSESSION_CONFIG_PATH"
)

// loadConfig loads the configuration from the given path, falling back to the
// VMSESSION_CONFIG_PATH environment variable.
func loadConfig(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(ConfigPathEnvKey)
	}
	if path == "" {
		return nil, fmt.Errorf(
			"no config path given and environment variable %q is not set", ConfigPathEnvKey)
	}

	// Read file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Parse YAML (uses json tags)
	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return config, nil
}

// Config is used to configure the session controller.
type Config struct {
	// Username is the SSH user on the hypervisor host.
	Username string `json:"username"`
	// Hostname is the hypervisor host, optionally suffixed with ":port".
	Hostname string `json:"hostname"`
	// SSHPort is the SSH port. Defaults to 22.
	SSHPort string `json:"sshPort"`
	// Mode is the libvirt connection mode, "system" or "session".
	Mode string `json:"mode"`
	// PrivateKeyPath is the SSH private key path. Defaults to
	// "<dataDir>/id_rsa".
	PrivateKeyPath string `json:"privateKeyPath"`
	// KnownHostsPath is the known_hosts file used for host key verification.
	KnownHostsPath string `json:"knownHostsPath"`
	// DataDir is a writable directory for controller state.
	DataDir string `json:"dataDir"`
}

// connectionConfig converts and validates the raw configuration.
func (c *Config) connectionConfig() (types.ConnectionConfig, error) {
	cfg := types.ConnectionConfig{
		Username:       c.Username,
		Hostname:       c.Hostname,
		SSHPort:        c.SSHPort,
		Mode:           types.Mode(c.Mode),
		PrivateKeyPath: c.PrivateKeyPath,
		KnownHostsPath: c.KnownHostsPath,
		DataDir:        c.DataDir,
	}

	if err := cfg.Validate(); err != nil {
		return types.ConnectionConfig{}, err
	}

	return cfg, nil
}
