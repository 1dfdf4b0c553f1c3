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

	"libvirt.org/go/libvirtxml"

	"github.com/alexandremahdhaoui/vmsession/internal/types"
)

var (
	ErrMalformedDomain = errors.New("malformed domain description")

	errParsingTemplate  = errors.New("parsing template document")
	errMissingVideo     = errors.New("template has no video device")
	errMissingIdentity  = errors.New("template has no uuid or name")
	errMarshalingDomain = errors.New("marshaling ephemeral domain document")
)

const (
	// agentChannelName is the spiceport channel the in-guest session agent
	// listens on.
	agentChannelName  = "org.freedesktop.SessionAgent.0"
	agentChannelAlias = "fc0"

	temporarySessionTitleSuffix = " - temporary session"
)

// ---------------------------------------------------- INTERFACES -------------------------------------------------- //

// DomainTransformer derives a single-use ephemeral domain document from a
// template document. Pure and deterministic given the injected fresh UUID and
// the negotiated video driver, so it is unit-testable on static strings.
type DomainTransformer interface {
	Transform(templateXML, freshUUID, videoDriver string) (string, error)
}

// --------------------------------------------------- CONSTRUCTORS ------------------------------------------------- //

// NewDomainTransformer returns a new DomainTransformer.
func NewDomainTransformer() DomainTransformer {
	return &domainTransformer{}
}

// --------------------------------------------- CONCRETE IMPLEMENTATION -------------------------------------------- //

type domainTransformer struct{}

// Transform builds a new domain document from the template:
//
//   - fresh UUID and derived "fc-" name, so no clone ever collides;
//   - interface MAC addresses stripped, forcing hypervisor assignment;
//   - exactly one video device using the negotiated driver;
//   - all graphics adapters replaced by one autoport SPICE adapter;
//   - a spiceport channel for the in-guest session agent;
//   - QEMU run in disk-snapshot mode with the blockdev capability removed, so
//     the clone never writes to the template's backing storage.
//
// The template string itself is never aliased: a fresh tree is decoded per
// call and only that tree is mutated.
func (t *domainTransformer) Transform(templateXML, freshUUID, videoDriver string) (string, error) {
	dom := &libvirtxml.Domain{}
	if err := dom.Unmarshal(templateXML); err != nil {
		return "", errors.Join(err, errParsingTemplate, ErrMalformedDomain)
	}

	if dom.UUID == "" || dom.Name == "" {
		return "", errors.Join(errMissingIdentity, ErrMalformedDomain)
	}

	if dom.Devices == nil || len(dom.Devices.Videos) == 0 {
		return "", errors.Join(errMissingVideo, ErrMalformedDomain)
	}

	dom.ID = nil
	dom.UUID = freshUUID
	dom.Name = types.EphemeralDomainName(freshUUID)

	// A template without a title is tolerated.
	if dom.Title != "" {
		dom.Title += temporarySessionTitleSuffix
	}

	// Drop MAC addresses so the hypervisor assigns fresh ones per clone. A
	// missing mac element is tolerated.
	for i := range dom.Devices.Interfaces {
		dom.Devices.Interfaces[i].MAC = nil
	}

	dom.Devices.Videos = dom.Devices.Videos[:1]
	dom.Devices.Videos[0].Model = libvirtxml.DomainVideoModel{
		Type:    videoDriver,
		Heads:   1,
		Primary: "yes",
	}

	// Replace any pre-existing graphics adapters with a single port-based
	// SPICE adapter; the port is assigned by the hypervisor at start.
	dom.Devices.Graphics = []libvirtxml.DomainGraphic{{
		Spice: &libvirtxml.DomainGraphicSpice{
			AutoPort: "yes",
		},
	}}

	dom.Devices.Channels = append(dom.Devices.Channels, libvirtxml.DomainChannel{
		Source: &libvirtxml.DomainChardevSource{
			SpicePort: &libvirtxml.DomainChardevSourceSpicePort{
				Channel: agentChannelName,
			},
		},
		Target: &libvirtxml.DomainChannelTarget{
			VirtIO: &libvirtxml.DomainChannelTargetVirtIO{
				Name:  agentChannelName,
				State: "connected",
			},
		},
		Alias: &libvirtxml.DomainAlias{Name: agentChannelAlias},
	})

	// Run the QEMU process with -snapshot so writes land in an overlay, and
	// drop the blockdev capability which bypasses -snapshot.
	dom.QEMUCommandline = &libvirtxml.DomainQEMUCommandline{
		Args: []libvirtxml.DomainQEMUCommandlineArg{{Value: "-snapshot"}},
	}
	dom.QEMUCapabilities = &libvirtxml.DomainQEMUCapabilities{
		Del: []libvirtxml.DomainQEMUCapabilitiesEntry{{Name: "blockdev"}},
	}

	out, err := dom.Marshal()
	if err != nil {
		return "", errors.Join(err, errMarshalingDomain, ErrMalformedDomain)
	}

	return out, nil
}
