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
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/alexandremahdhaoui/vmsession/internal/util/ssh"
)

var (
	errProbingSessionSocket = errors.New("probing session daemon socket")
	errProbingVideoDriver   = errors.New("probing video driver capability")
	errEmptyProbeOutput     = errors.New("probe returned no usable output")
)

const (
	// defaultLibvirtdSocket is expanded by the remote login shell, so the
	// probe command must reach the host unquoted.
	defaultLibvirtdSocket = "$XDG_RUNTIME_DIR/libvirt/libvirt-sock"

	// sessionSocketCommand starts the session daemon (fire and forget, an
	// already-running daemon exits quietly) and confirms the control socket
	// exists before echoing its path.
	sessionSocketCommand = "/usr/sbin/libvirtd -d > /dev/null 2>&1; " +
		"echo " + defaultLibvirtdSocket + " && [ -S " + defaultLibvirtdSocket + " ]"

	// videoDriverCommand inspects the QEMU binary's supported devices and
	// falls back to qxl when virtio-vga is unavailable.
	videoDriverCommand = `if [ -x /usr/libexec/qemu-kvm ]; ` +
		`then cmd="/usr/libexec/qemu-kvm"; ` +
		`else cmd="/usr/bin/qemu-kvm"; fi ; ` +
		`$cmd -device help 2>&1 | grep "virtio-vga" > /dev/null; ` +
		`if [ $? == 0 ]; then echo "virtio"; else echo "qxl"; fi`
)

// ---------------------------------------------------- INTERFACES -------------------------------------------------- //

// EnvironmentProbe discovers host-specific facts needed to build the
// management connection, by running short diagnostic commands over SSH.
type EnvironmentProbe interface {
	// SessionSocket ensures the session-mode daemon is running on the remote
	// host and returns the path of its control socket.
	SessionSocket(ctx context.Context) (string, error)
	// VideoDriver returns the preferred hardware-accelerated display driver
	// supported by the remote QEMU binary, "virtio" or "qxl".
	VideoDriver(ctx context.Context) (string, error)
}

// --------------------------------------------------- CONSTRUCTORS ------------------------------------------------- //

// NewEnvironmentProbe returns an EnvironmentProbe running its diagnostics
// through the given Runner.
func NewEnvironmentProbe(runner ssh.Runner) EnvironmentProbe {
	return &environmentProbe{runner: runner}
}

// --------------------------------------------- CONCRETE IMPLEMENTATION -------------------------------------------- //

type environmentProbe struct {
	runner ssh.Runner
}

func (p *environmentProbe) SessionSocket(ctx context.Context) (string, error) {
	stdout, _, err := p.runner.Run(ctx, sessionSocketCommand)
	if err != nil {
		return "", errors.Join(err, errProbingSessionSocket, ErrConnection)
	}

	socketPath := strings.TrimSpace(stdout)
	if socketPath == "" {
		return "", errors.Join(errEmptyProbeOutput, errProbingSessionSocket, ErrConnection)
	}

	slog.DebugContext(ctx, "discovered session daemon socket", "socket", socketPath)

	return socketPath, nil
}

func (p *environmentProbe) VideoDriver(ctx context.Context) (string, error) {
	stdout, _, err := p.runner.Run(ctx, videoDriverCommand)
	if err != nil {
		return "", errors.Join(err, errProbingVideoDriver, ErrConnection)
	}

	driver := strings.TrimSpace(stdout)
	if driver == "" {
		return "", errors.Join(errEmptyProbeOutput, errProbingVideoDriver, ErrConnection)
	}

	slog.DebugContext(ctx, "negotiated video driver", "driver", driver)

	return driver, nil
}
