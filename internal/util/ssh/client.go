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

package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const dialTimeout = 10 * time.Second

// Client implements the Runner interface for real SSH connections. Key-based
// authentication only; there is no interactive fallback.
type Client struct {
	Host       string
	User       string
	PrivateKey []byte
	Port       string

	// KnownHostsPath is an optional known_hosts file used to verify the
	// remote host key. When empty, host key verification is skipped.
	KnownHostsPath string
}

// NewClient creates a new SSH client.
func NewClient(host, user, privateKeyPath, port, knownHostsPath string) (*Client, error) {
	key, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("unable to read private key: %w", err)
	}

	return &Client{
			Host:           host,
			User:           user,
			PrivateKey:     key,
			Port:           port,
			KnownHostsPath: knownHostsPath,
		},
		nil
}

func (c *Client) Run(ctx context.Context, command string) (stdout, stderr string, err error) {
	config, err := c.clientConfig()
	if err != nil {
		return "", "", errors.Join(err, ErrRemoteCommand)
	}

	addr := net.JoinHostPort(c.Host, c.Port)

	netConn, err := (&net.Dialer{Timeout: dialTimeout}).DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", "", errors.Join(fmt.Errorf("unable to connect to %s: %w", addr, err), ErrRemoteCommand)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, config)
	if err != nil {
		_ = netConn.Close()
		return "", "", errors.Join(fmt.Errorf("ssh handshake with %s: %w", addr, err), ErrRemoteCommand)
	}

	conn := ssh.NewClient(sshConn, chans, reqs)
	defer runFuncAndLogErr(conn.Close)

	session, err := conn.NewSession()
	if err != nil {
		return "", "", errors.Join(fmt.Errorf("unable to create SSH session: %w", err), ErrRemoteCommand)
	}
	defer runFuncAndLogErr(session.Close)

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	if err := session.Run(command); err != nil {
		return stdoutBuf.String(), stderrBuf.String(), errors.Join(err, ErrRemoteCommand)
	}

	return stdoutBuf.String(), stderrBuf.String(), nil
}

func (c *Client) clientConfig() (*ssh.ClientConfig, error) {
	signer, err := ssh.ParsePrivateKey(c.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("unable to parse private key: %w", err)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey() //nolint:gosec // opt-in via empty KnownHostsPath
	if c.KnownHostsPath != "" {
		hostKeyCallback, err = knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("unable to load known hosts file %q: %w", c.KnownHostsPath, err)
		}
	}

	return &ssh.ClientConfig{
		User: c.User,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(signer),
		},
		HostKeyCallback: hostKeyCallback,
		Timeout:         dialTimeout,
	}, nil
}

func runFuncAndLogErr(f func() error) {
	if err := f(); err != nil {
		slog.Debug("error closing ssh session or connection", "err", err.Error())
	}
}
