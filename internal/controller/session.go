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

package controller

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"libvirt.org/go/libvirtxml"

	"github.com/alexandremahdhaoui/vmsession/internal/adapter"
	"github.com/alexandremahdhaoui/vmsession/internal/types"
	"github.com/alexandremahdhaoui/vmsession/internal/util/retry"
)

var (
	ErrDisplayEndpointTimeout = errors.New("timed out waiting for the display endpoint")

	errListingDomains  = errors.New("listing domains")
	errStartingSession = errors.New("starting session")
	errStoppingSession = errors.New("stopping session")
)

const (
	maxDisplayEndpointRetries = 3
	displayEndpointRetryDelay = 100 * time.Millisecond

	maxUndefineRetries = 3
	undefineRetryDelay = 100 * time.Millisecond
)

// SessionController orchestrates ephemeral VM display sessions on one remote
// hypervisor host. Operations are synchronous and safe for concurrent use;
// the shared hypervisor connection is established once, first-caller-wins.
type SessionController struct {
	hypervisor  adapter.Hypervisor
	transformer adapter.DomainTransformer
	tunnels     adapter.TunnelManager

	newUUID        func() string
	displayPolicy  retry.Policy
	undefinePolicy retry.Policy
}

// NewSessionController returns a new SessionController.
func NewSessionController(
	hypervisor adapter.Hypervisor,
	transformer adapter.DomainTransformer,
	tunnels adapter.TunnelManager,
) *SessionController {
	return &SessionController{
		hypervisor:  hypervisor,
		transformer: transformer,
		tunnels:     tunnels,
		newUUID:     uuid.NewString,
		displayPolicy: retry.Policy{
			MaxRetries: maxDisplayEndpointRetries,
			Delay:      displayEndpointRetryDelay,
		},
		undefinePolicy: retry.Policy{
			MaxRetries: maxUndefineRetries,
			Delay:      undefineRetryDelay,
		},
	}
}

// -------------------------------------------------- ListDomains --------------------------------------------------- //

// ListDomains enumerates all domains known to the endpoint as read-only
// records. A per-domain title lookup failure degrades to the internal name
// rather than aborting the whole listing.
func (c *SessionController) ListDomains(ctx context.Context) ([]types.DomainRecord, error) {
	if err := c.hypervisor.Connect(ctx); err != nil {
		return nil, errors.Join(err, errListingDomains)
	}

	domains, err := c.hypervisor.ListDomains(ctx)
	if err != nil {
		return nil, errors.Join(err, errListingDomains)
	}

	records := make([]types.DomainRecord, 0, len(domains))
	for _, dom := range domains {
		record, err := c.domainRecord(ctx, dom)
		dom.Free()
		if err != nil {
			return nil, errors.Join(err, errListingDomains)
		}

		records = append(records, record)
	}

	return records, nil
}

func (c *SessionController) domainRecord(ctx context.Context, dom adapter.Domain) (types.DomainRecord, error) {
	domainUUID, err := dom.UUID()
	if err != nil {
		return types.DomainRecord{}, err
	}

	name, err := dom.Name()
	if err != nil {
		return types.DomainRecord{}, err
	}

	active, err := dom.Active()
	if err != nil {
		return types.DomainRecord{}, err
	}

	// Best effort: prefer the metadata title, fall back to the internal name
	// on absence or any lookup failure.
	displayName := name
	if title, err := dom.Title(); err != nil {
		slog.DebugContext(ctx, "falling back to the internal domain name",
			"domain", name, "err", err.Error())
	} else if title != "" {
		displayName = title
	}

	return types.DomainRecord{
		UUID:        domainUUID,
		DisplayName: displayName,
		Active:      active,
		Temporary:   types.IsEphemeralDomainName(name),
	}, nil
}

// -------------------------------------------------- StartSession -------------------------------------------------- //

// StartSession clones the template domain into a transient snapshot-mode
// instance, exposes its display port locally through an SSH tunnel and
// returns the session handle. The caller must persist the handle to stop the
// session later.
func (c *SessionController) StartSession(
	ctx context.Context,
	templateUUID string,
) (types.SessionHandle, error) {
	handle, err := c.startSession(ctx, templateUUID)
	if err != nil {
		sessionStartFailures.Inc()
		return types.SessionHandle{}, errors.Join(err, errStartingSession)
	}

	sessionsStarted.Inc()

	return handle, nil
}

func (c *SessionController) startSession(
	ctx context.Context,
	templateUUID string,
) (types.SessionHandle, error) {
	slog.InfoContext(ctx, "starting session", "template_uuid", templateUUID)

	if err := c.hypervisor.Connect(ctx); err != nil {
		return types.SessionHandle{}, err
	}

	template, err := c.hypervisor.LookupDomainByUUID(ctx, templateUUID)
	if err != nil {
		return types.SessionHandle{}, err
	}
	defer template.Free()

	templateXML, err := template.XMLDesc()
	if err != nil {
		return types.SessionHandle{}, err
	}

	freshUUID := c.newUUID()

	ephemeralXML, err := c.transformer.Transform(templateXML, freshUUID, c.hypervisor.VideoDriver())
	if err != nil {
		return types.SessionHandle{}, err
	}

	dom, err := c.hypervisor.CreateDomain(ctx, ephemeralXML)
	if err != nil {
		return types.SessionHandle{}, err
	}
	defer dom.Free()

	listen, port, err := c.awaitDisplayEndpoint(ctx, dom)
	if err != nil {
		// The instance keeps running as an operational leftover, but never
		// with a persistent definition left behind.
		c.demoteToTransient(ctx, dom)
		return types.SessionHandle{}, err
	}

	localPort, tunnelPID, err := c.tunnels.Open(listen, port)
	if err != nil {
		c.demoteToTransient(ctx, dom)
		return types.SessionHandle{}, err
	}

	c.demoteToTransient(ctx, dom)

	slog.InfoContext(ctx, "session started",
		"domain_uuid", freshUUID,
		"local_port", localPort,
		"tunnel_pid", tunnelPID,
	)

	return types.SessionHandle{
		DomainUUID: freshUUID,
		LocalPort:  localPort,
		TunnelPID:  tunnelPID,
	}, nil
}

// awaitDisplayEndpoint polls the live domain document until the SPICE adapter
// reports its listen address and port. The display subsystem may not have
// opened its socket by the time the create call returns, so a bounded number
// of not-ready attempts is expected.
func (c *SessionController) awaitDisplayEndpoint(
	ctx context.Context,
	dom adapter.Domain,
) (string, int, error) {
	var listen string
	var port int

	err := retry.Do(ctx, c.displayPolicy, func() (bool, error) {
		displayEndpointPolls.Inc()

		doc, err := dom.XMLDesc()
		if err != nil {
			return false, err
		}

		l, p, ok := displayEndpointFromXML(doc)
		if !ok {
			return false, nil
		}

		listen, port = l, p

		return true, nil
	})
	if err != nil {
		return "", 0, errors.Join(err, ErrDisplayEndpointTimeout)
	}

	return listen, port, nil
}

// displayEndpointFromXML extracts the SPICE listen address and port from a
// live domain document. An entry lacking either attribute means not ready.
func displayEndpointFromXML(doc string) (string, int, bool) {
	dom := &libvirtxml.Domain{}
	if err := dom.Unmarshal(doc); err != nil {
		return "", 0, false
	}

	if dom.Devices == nil {
		return "", 0, false
	}

	for _, graphics := range dom.Devices.Graphics {
		// Before the display socket opens, autoport reports port="-1".
		spice := graphics.Spice
		if spice == nil || spice.Port <= 0 || spice.Listen == "" {
			continue
		}

		return spice.Listen, spice.Port, true
	}

	return "", 0, false
}

// demoteToTransient removes the persistent definition of the domain so that
// no stale definition can survive a host-side crash or restart. Best effort:
// a domain that cannot be undefined is reported but never fails the calling
// operation.
func (c *SessionController) demoteToTransient(ctx context.Context, dom adapter.Domain) {
	persistent, err := dom.Persistent()
	if err != nil {
		slog.DebugContext(ctx, "unable to check domain persistence", "err", err.Error())
		return
	}

	if !persistent {
		return
	}

	if err := retry.Do(ctx, c.undefinePolicy, func() (bool, error) {
		if err := dom.Undefine(); err != nil {
			return false, err
		}

		return true, nil
	}); err != nil {
		slog.WarnContext(ctx, "giving up undefining domain", "err", err.Error())
	}
}

// -------------------------------------------------- StopSession --------------------------------------------------- //

// StopSession tears a session down: kills its tunnel process if a pid is
// supplied (best effort), hard-destroys the running instance and removes any
// remaining persistent definition. tunnelPID <= 0 means no tunnel to kill.
func (c *SessionController) StopSession(ctx context.Context, domainUUID string, tunnelPID int) error {
	slog.InfoContext(ctx, "stopping session", "domain_uuid", domainUUID, "tunnel_pid", tunnelPID)

	if tunnelPID > 0 {
		// A tunnel that already exited must never fail the stop.
		if err := c.tunnels.Kill(tunnelPID); err != nil {
			slog.DebugContext(ctx, "unable to kill tunnel process",
				"pid", tunnelPID, "err", err.Error())
		}
	}

	if err := c.hypervisor.Connect(ctx); err != nil {
		return errors.Join(err, errStoppingSession)
	}

	dom, err := c.hypervisor.LookupDomainByUUID(ctx, domainUUID)
	if err != nil {
		return errors.Join(err, errStoppingSession)
	}
	defer dom.Free()

	if err := dom.Destroy(); err != nil {
		return errors.Join(err, errStoppingSession)
	}

	c.demoteToTransient(ctx, dom)

	sessionsStopped.Inc()

	return nil
}
