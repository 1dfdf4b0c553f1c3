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

package types

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var ErrConfiguration = errors.New("invalid session controller configuration")

// ----------------------------------------------------- MODE ------------------------------------------------------- //

// Mode selects which libvirt daemon instance the controller talks to on the
// remote host.
type Mode string

const (
	// ModeSystem connects to the privileged system daemon.
	ModeSystem Mode = "system"
	// ModeSession connects to the per-user session daemon. Session mode
	// requires discovering the user's control socket path first.
	ModeSession Mode = "session"
)

// ---------------------------------------------- CONNECTION CONFIG ------------------------------------------------- //

// ConnectionConfig holds everything needed to reach the remote hypervisor
// host. It is immutable after the controller is constructed.
type ConnectionConfig struct {
	// Username is the remote SSH user.
	Username string
	// Hostname is the remote host, optionally suffixed with ":port".
	Hostname string
	// SSHPort is the remote SSH port. Defaults to "22".
	SSHPort string
	// Mode is the libvirt connection mode, "system" or "session".
	Mode Mode
	// PrivateKeyPath is the path to the SSH private key. Defaults to
	// "<DataDir>/id_rsa".
	PrivateKeyPath string
	// KnownHostsPath is the known_hosts file used by SSH commands.
	KnownHostsPath string
	// DataDir is a writable directory for controller state.
	DataDir string
}

// Validate normalizes the configuration and checks it is usable. The data
// directory is created if it does not exist yet.
func (c *ConnectionConfig) Validate() error {
	if c.Mode != ModeSystem && c.Mode != ModeSession {
		return errors.Join(
			fmt.Errorf("mode must be %q or %q, got %q", ModeSystem, ModeSession, c.Mode),
			ErrConfiguration,
		)
	}

	if c.Hostname == "" {
		return errors.Join(errors.New("hostname is required"), ErrConfiguration)
	}

	// The hostname may carry the SSH port, e.g. "vmhost:2222".
	if host, port, ok := strings.Cut(c.Hostname, ":"); ok {
		c.Hostname = host
		c.SSHPort = port
	}
	if c.SSHPort == "" {
		c.SSHPort = "22"
	}

	if c.DataDir == "" {
		return errors.Join(errors.New("data directory is required"), ErrConfiguration)
	}

	dataDir, err := filepath.Abs(c.DataDir)
	if err != nil {
		return errors.Join(err, ErrConfiguration)
	}
	c.DataDir = dataDir

	if err := os.MkdirAll(c.DataDir, 0o700); err != nil {
		return errors.Join(err, ErrConfiguration)
	}

	if c.PrivateKeyPath == "" {
		c.PrivateKeyPath = filepath.Join(c.DataDir, "id_rsa")
	}

	return nil
}

// ------------------------------------------------ DOMAIN RECORD --------------------------------------------------- //

// DomainRecord is a read-only snapshot of one domain known to the remote
// hypervisor, rebuilt on every listing.
type DomainRecord struct {
	// UUID is the domain UUID.
	UUID string
	// DisplayName is the human title stored in the domain metadata, falling
	// back to the internal domain name.
	DisplayName string
	// Active reports whether the domain is currently running.
	Active bool
	// Temporary reports whether the domain is an ephemeral session clone,
	// derived purely from the internal name prefix.
	Temporary bool
}

// ------------------------------------------------ SESSION HANDLE -------------------------------------------------- //

// SessionHandle identifies a started session. The caller must persist it to
// stop the session later.
type SessionHandle struct {
	// DomainUUID is the UUID of the ephemeral domain.
	DomainUUID string
	// LocalPort is the locally bound end of the display tunnel.
	LocalPort int
	// TunnelPID is the pid of the tunnel forwarding process. The caller owns
	// this process.
	TunnelPID int
}

// ---------------------------------------------- EPHEMERAL NAMING -------------------------------------------------- //

// EphemeralNamePrefix marks domains created by this controller. A domain is
// considered temporary iff its internal name starts with this prefix.
const EphemeralNamePrefix = "fc-"

// EphemeralDomainName derives the internal name of an ephemeral domain from
// its freshly generated UUID.
func EphemeralDomainName(domainUUID string) string {
	return EphemeralNamePrefix + domainUUID[:8]
}

// IsEphemeralDomainName reports whether an internal domain name carries the
// ephemeral session prefix.
func IsEphemeralDomainName(name string) bool {
	return strings.HasPrefix(name, EphemeralNamePrefix)
}
