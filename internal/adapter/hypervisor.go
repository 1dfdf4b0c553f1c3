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
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"
	"sync"

	"libvirt.org/go/libvirt"

	"github.com/alexandremahdhaoui/vmsession/internal/types"
)

var (
	ErrConnection     = errors.New("unable to connect to the hypervisor host")
	ErrDomainNotFound = errors.New("domain not found")
	ErrDomainCreate   = errors.New("unable to create domain")

	errNotConnected      = errors.New("hypervisor connection not established")
	errOpeningConnection = errors.New("opening libvirt connection")
	errListingAllDomains = errors.New("listing all domains")
	errLookingUpDomain   = errors.New("looking up domain by uuid")
)

const libvirtURIScheme = "qemu+ssh"

// ---------------------------------------------------- INTERFACES -------------------------------------------------- //

// Hypervisor owns the single live connection to the remote hypervisor
// management endpoint. The connection is established lazily on the first call
// to Connect and reused for the lifetime of the process.
type Hypervisor interface {
	// Connect establishes the connection if needed. Idempotent; concurrent
	// callers are serialized and the first one wins.
	Connect(ctx context.Context) error
	// VideoDriver returns the display driver negotiated while connecting.
	// Only meaningful after a successful Connect.
	VideoDriver() string
	// ListDomains enumerates all domains known to the endpoint.
	ListDomains(ctx context.Context) ([]Domain, error)
	// LookupDomainByUUID resolves a domain by UUID. Returns ErrDomainNotFound
	// if no such domain exists.
	LookupDomainByUUID(ctx context.Context, domainUUID string) (Domain, error)
	// CreateDomain instantiates and immediately starts a domain from its
	// description document, in one combined operation.
	CreateDomain(ctx context.Context, domainXML string) (Domain, error)
}

// Domain is a handle on one remote domain. Callers release it with Free once
// done.
type Domain interface {
	UUID() (string, error)
	Name() (string, error)
	// Title returns the human title stored in the domain metadata.
	Title() (string, error)
	Active() (bool, error)
	// XMLDesc returns the current description document of the domain.
	XMLDesc() (string, error)
	// Destroy hard-stops the running instance.
	Destroy() error
	// Persistent reports whether the domain still has a persistent definition.
	Persistent() (bool, error)
	// Undefine removes the persistent definition, leaving a running instance
	// transient.
	Undefine() error
	Free()
}

// --------------------------------------------------- CONSTRUCTORS ------------------------------------------------- //

// NewLibvirtHypervisor returns a Hypervisor backed by a qemu+ssh libvirt
// connection. The probe discovers host facts needed to build the connection
// URI on the first Connect.
func NewLibvirtHypervisor(cfg types.ConnectionConfig, probe EnvironmentProbe) Hypervisor {
	return &libvirtHypervisor{
		cfg:   cfg,
		probe: probe,
	}
}

// --------------------------------------------- CONCRETE IMPLEMENTATION -------------------------------------------- //

type libvirtHypervisor struct {
	cfg   types.ConnectionConfig
	probe EnvironmentProbe

	// mu serializes the lazy connection setup. Steady-state calls read the
	// handle through handle(), which only holds the lock briefly; individual
	// libvirt calls are safe for concurrent use.
	mu          sync.Mutex
	conn        *libvirt.Connect
	videoDriver string
}

// --------------------------------------------- Connect ------------------------------------------------------------ //

func (h *libvirtHypervisor) Connect(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.conn != nil {
		slog.DebugContext(ctx, "already connected, reusing libvirt connection")
		return nil
	}

	socketPath := ""
	if h.cfg.Mode == types.ModeSession {
		var err error
		if socketPath, err = h.probe.SessionSocket(ctx); err != nil {
			return err
		}
	}

	videoDriver, err := h.probe.VideoDriver(ctx)
	if err != nil {
		return err
	}

	uri := ConnectionURI(h.cfg, socketPath)

	conn, err := libvirt.NewConnect(uri)
	if err != nil {
		return errors.Join(err, errOpeningConnection, ErrConnection)
	}

	h.conn = conn
	h.videoDriver = videoDriver

	slog.DebugContext(ctx, "connected to libvirt host",
		"host", h.cfg.Hostname,
		"mode", string(h.cfg.Mode),
		"video_driver", videoDriver,
	)

	return nil
}

func (h *libvirtHypervisor) VideoDriver() string {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.videoDriver
}

func (h *libvirtHypervisor) handle() (*libvirt.Connect, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.conn == nil {
		return nil, errors.Join(errNotConnected, ErrConnection)
	}

	return h.conn, nil
}

// --------------------------------------------- ListDomains -------------------------------------------------------- //

func (h *libvirtHypervisor) ListDomains(_ context.Context) ([]Domain, error) {
	conn, err := h.handle()
	if err != nil {
		return nil, err
	}

	domains, err := conn.ListAllDomains(0)
	if err != nil {
		return nil, errors.Join(err, errListingAllDomains, ErrConnection)
	}

	out := make([]Domain, 0, len(domains))
	for i := range domains {
		out = append(out, &libvirtDomain{dom: &domains[i]})
	}

	return out, nil
}

// --------------------------------------------- LookupDomainByUUID ------------------------------------------------- //

func (h *libvirtHypervisor) LookupDomainByUUID(_ context.Context, domainUUID string) (Domain, error) {
	conn, err := h.handle()
	if err != nil {
		return nil, err
	}

	dom, err := conn.LookupDomainByUUIDString(domainUUID)
	if err != nil {
		var libvirtErr libvirt.Error
		if errors.As(err, &libvirtErr) && libvirtErr.Code == libvirt.ERR_NO_DOMAIN {
			return nil, errors.Join(err, ErrDomainNotFound)
		}

		return nil, errors.Join(err, errLookingUpDomain, ErrConnection)
	}

	return &libvirtDomain{dom: dom}, nil
}

// --------------------------------------------- CreateDomain ------------------------------------------------------- //

func (h *libvirtHypervisor) CreateDomain(_ context.Context, domainXML string) (Domain, error) {
	conn, err := h.handle()
	if err != nil {
		return nil, err
	}

	dom, err := conn.DomainCreateXML(domainXML, 0)
	if err != nil {
		return nil, errors.Join(err, ErrDomainCreate)
	}

	return &libvirtDomain{dom: dom}, nil
}

// --------------------------------------------- DOMAIN HANDLE ------------------------------------------------------ //

type libvirtDomain struct {
	dom *libvirt.Domain
}

func (d *libvirtDomain) UUID() (string, error) { return d.dom.GetUUIDString() }
func (d *libvirtDomain) Name() (string, error) { return d.dom.GetName() }
func (d *libvirtDomain) Active() (bool, error) { return d.dom.IsActive() }
func (d *libvirtDomain) Destroy() error { return d.dom.Destroy() }
func (d *libvirtDomain) Undefine() error { return d.dom.Undefine() }

func (d *libvirtDomain) Title() (string, error) {
	return d.dom.GetMetadata(libvirt.DOMAIN_METADATA_TITLE, "", 0)
}

func (d *libvirtDomain) XMLDesc() (string, error) {
	return d.dom.GetXMLDesc(0)
}

func (d *libvirtDomain) Persistent() (bool, error) {
	return d.dom.IsPersistent()
}

func (d *libvirtDomain) Free() {
	if err := d.dom.Free(); err != nil {
		slog.Debug("error freeing domain handle", "err", err.Error())
	}
}

// --------------------------------------------- CONNECTION URI ----------------------------------------------------- //

// ConnectionURI builds the libvirt management endpoint URL:
//
//	qemu+ssh://user@host/mode?keyfile=..&no_tty=1&sshauth=privkey[&socket=..]
//
// Options are serialized in sorted key order so the resulting URL is
// deterministic regardless of how they were gathered.
func ConnectionURI(cfg types.ConnectionConfig, socketPath string) string {
	options := map[string]string{
		"keyfile": cfg.PrivateKeyPath,
		"no_tty":  "1",
		"sshauth": "privkey",
	}

	if cfg.Mode == types.ModeSession {
		options["socket"] = socketPath
	}

	keys := make([]string, 0, len(options))
	for key := range options {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, key := range keys {
		pairs = append(pairs, fmt.Sprintf("%s=%s", key, options[key]))
	}

	host := cfg.Hostname
	if cfg.SSHPort != "" && cfg.SSHPort != "22" {
		host = net.JoinHostPort(cfg.Hostname, cfg.SSHPort)
	}

	return fmt.Sprintf("%s://%s@%s/%s?%s",
		libvirtURIScheme,
		cfg.Username,
		host,
		cfg.Mode,
		strings.Join(pairs, "&"),
	)
}
