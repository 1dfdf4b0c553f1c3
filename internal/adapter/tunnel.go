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

package adapter

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"syscall"

	"github.com/alexandremahdhaoui/vmsession/internal/types"
)

var (
	ErrTunnel = errors.New("unable to open display tunnel")

	errAllocatingLocalPort = errors.New("allocating local port")
	errSpawningForwarder   = errors.New("spawning ssh forwarding process")
)

// ---------------------------------------------------- INTERFACES -------------------------------------------------- //

// TunnelManager opens local TCP forwards to remote display endpoints as
// supervised child processes. A tunnel's lifetime is independent of the VM it
// serves: the manager never terminates a tunnel on its own, the returned pid
// is owned by the caller.
type TunnelManager interface {
	// Open forwards a freshly allocated local port to the remote display
	// endpoint through the same host and credentials as the management
	// connection. Returns the local port and the forwarding process pid.
	Open(displayHost string, displayPort int) (localPort, pid int, err error)
	// Kill forcibly terminates a forwarding process by pid.
	Kill(pid int) error
}

// --------------------------------------------------- CONSTRUCTORS ------------------------------------------------- //

// NewSSHTunnelManager returns a TunnelManager spawning the system ssh binary.
func NewSSHTunnelManager(cfg types.ConnectionConfig) TunnelManager {
	return &sshTunnelManager{
		cfg:       cfg,
		sshBinary: "ssh",
	}
}

// --------------------------------------------- CONCRETE IMPLEMENTATION -------------------------------------------- //

type sshTunnelManager struct {
	cfg       types.ConnectionConfig
	sshBinary string
}

func (m *sshTunnelManager) Open(displayHost string, displayPort int) (int, int, error) {
	localPort, err := allocateLocalPort()
	if err != nil {
		return 0, 0, errors.Join(err, errAllocatingLocalPort, ErrTunnel)
	}

	args := []string{
		"-i", m.cfg.PrivateKeyPath,
		"-o", "BatchMode=yes",
		"-o", "PasswordAuthentication=no",
	}
	if m.cfg.KnownHostsPath != "" {
		args = append(args, "-o", "UserKnownHostsFile="+m.cfg.KnownHostsPath)
	}
	args = append(args,
		"-p", m.cfg.SSHPort,
		"-N",
		"-L", fmt.Sprintf("%d:%s:%d", localPort, displayHost, displayPort),
		fmt.Sprintf("%s@%s", m.cfg.Username, m.cfg.Hostname),
	)

	cmd := exec.Command(m.sshBinary, args...)
	if err := cmd.Start(); err != nil {
		return 0, 0, errors.Join(err, errSpawningForwarder, ErrTunnel)
	}

	pid := cmd.Process.Pid

	// Reap the child whenever the forward exits; the pid itself stays owned
	// by the caller.
	go func() { _ = cmd.Wait() }()

	slog.Debug("tunnel opened",
		"local_port", localPort,
		"display_host", displayHost,
		"display_port", displayPort,
		"pid", pid,
	)

	return localPort, pid, nil
}

func (m *sshTunnelManager) Kill(pid int) error {
	return syscall.Kill(pid, syscall.SIGKILL)
}

// allocateLocalPort binds to port 0 and immediately releases the port. The
// window between release and the forwarding process re-claiming the port is
// narrow enough to accept.
func allocateLocalPort() (int, error) {
	listener, err := net.Listen("tcp", ":0")
	if err != nil {
		return 0, err
	}

	port := listener.Addr().(*net.TCPAddr).Port

	if err := listener.Close(); err != nil {
		return 0, err
	}

	return port, nil
}
