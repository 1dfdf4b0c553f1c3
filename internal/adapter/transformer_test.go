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
	"github.com/stretchr/testify/require"
	"libvirt.org/go/libvirtxml"

	"github.com/alexandremahdhaoui/vmsession/internal/adapter"
)

const templateDomainXML = `<domain type='kvm'>
  <name>gnome-template</name>
  <uuid>6ba7b810-9dad-11d1-80b4-00c04fd430c8</uuid>
  <title>GNOME Workstation</title>
  <memory unit='KiB'>2097152</memory>
  <vcpu>2</vcpu>
  <os>
    <type arch='x86_64' machine='pc'>hvm</type>
  </os>
  <devices>
    <disk type='file' device='disk'>
      <driver name='qemu' type='qcow2'/>
      <source file='/var/lib/libvirt/images/gnome-template.qcow2'/>
      <target dev='vda' bus='virtio'/>
    </disk>
    <interface type='network'>
      <mac address='52:54:00:12:34:56'/>
      <source network='default'/>
      <model type='virtio'/>
    </interface>
    <interface type='network'>
      <source network='default'/>
      <model type='virtio'/>
    </interface>
    <graphics type='vnc' port='5901'/>
    <graphics type='spice' port='5902'/>
    <video>
      <model type='cirrus' vram='16384' heads='1'/>
    </video>
  </devices>
</domain>`

const freshUUID = "a1b2c3d4-0000-4000-8000-000000000042"

func TestDomainTransformer(t *testing.T) {
	transformer := adapter.NewDomainTransformer()

	transform := func(t *testing.T, templateXML, id, driver string) *libvirtxml.Domain {
		t.Helper()

		out, err := transformer.Transform(templateXML, id, driver)
		require.NoError(t, err)

		dom := &libvirtxml.Domain{}
		require.NoError(t, dom.Unmarshal(out))

		return dom
	}

	t.Run("FreshIdentity", func(t *testing.T) {
		dom := transform(t, templateDomainXML, freshUUID, "virtio")

		assert.Equal(t, freshUUID, dom.UUID)
		assert.NotEqual(t, "6ba7b810-9dad-11d1-80b4-00c04fd430c8", dom.UUID)
		assert.Equal(t, "fc-a1b2c3d4", dom.Name)
		assert.Equal(t, "GNOME Workstation - temporary session", dom.Title)
	})

	t.Run("TwoClonesNeverCollide", func(t *testing.T) {
		first := transform(t, templateDomainXML, "11111111-1111-4111-8111-111111111111", "virtio")
		second := transform(t, templateDomainXML, "22222222-2222-4222-8222-222222222222", "virtio")

		assert.NotEqual(t, first.UUID, second.UUID)
		assert.NotEqual(t, first.Name, second.Name)
		assert.Equal(t, "fc-11111111", first.Name)
		assert.Equal(t, "fc-22222222", second.Name)
	})

	t.Run("StripsMACAddresses", func(t *testing.T) {
		dom := transform(t, templateDomainXML, freshUUID, "virtio")

		require.Len(t, dom.Devices.Interfaces, 2)
		for _, iface := range dom.Devices.Interfaces {
			assert.Nil(t, iface.MAC)
		}
	})

	t.Run("SingleSpiceGraphics", func(t *testing.T) {
		dom := transform(t, templateDomainXML, freshUUID, "virtio")

		require.Len(t, dom.Devices.Graphics, 1)
		spice := dom.Devices.Graphics[0].Spice
		require.NotNil(t, spice)
		assert.Equal(t, "yes", spice.AutoPort)
	})

	t.Run("SingleVideoWithNegotiatedDriver", func(t *testing.T) {
		dom := transform(t, templateDomainXML, freshUUID, "qxl")

		require.Len(t, dom.Devices.Videos, 1)
		model := dom.Devices.Videos[0].Model
		assert.Equal(t, "qxl", model.Type)
		assert.Equal(t, uint(1), model.Heads)
		assert.Equal(t, "yes", model.Primary)
	})

	t.Run("AgentChannel", func(t *testing.T) {
		dom := transform(t, templateDomainXML, freshUUID, "virtio")

		require.Len(t, dom.Devices.Channels, 1)
		channel := dom.Devices.Channels[0]
		require.NotNil(t, channel.Source)
		require.NotNil(t, channel.Source.SpicePort)
		assert.Equal(t, "org.freedesktop.SessionAgent.0", channel.Source.SpicePort.Channel)
		require.NotNil(t, channel.Target)
		require.NotNil(t, channel.Target.VirtIO)
		assert.Equal(t, "org.freedesktop.SessionAgent.0", channel.Target.VirtIO.Name)
		assert.Equal(t, "connected", channel.Target.VirtIO.State)
	})

	t.Run("SnapshotMode", func(t *testing.T) {
		dom := transform(t, templateDomainXML, freshUUID, "virtio")

		require.NotNil(t, dom.QEMUCommandline)
		require.Len(t, dom.QEMUCommandline.Args, 1)
		assert.Equal(t, "-snapshot", dom.QEMUCommandline.Args[0].Value)

		require.NotNil(t, dom.QEMUCapabilities)
		require.Len(t, dom.QEMUCapabilities.Del, 1)
		assert.Equal(t, "blockdev", dom.QEMUCapabilities.Del[0].Name)
	})

	t.Run("MissingTitleTolerated", func(t *testing.T) {
		templateXML := `<domain type='kvm'>
  <name>bare</name>
  <uuid>6ba7b810-9dad-11d1-80b4-00c04fd430c8</uuid>
  <devices>
    <video><model type='cirrus'/></video>
  </devices>
</domain>`

		dom := transform(t, templateXML, freshUUID, "virtio")
		assert.Empty(t, dom.Title)
	})

	t.Run("MissingVideoFails", func(t *testing.T) {
		templateXML := `<domain type='kvm'>
  <name>no-video</name>
  <uuid>6ba7b810-9dad-11d1-80b4-00c04fd430c8</uuid>
  <devices>
    <interface type='network'><source network='default'/></interface>
  </devices>
</domain>`

		_, err := transformer.Transform(templateXML, freshUUID, "virtio")
		require.ErrorIs(t, err, adapter.ErrMalformedDomain)
	})

	t.Run("UnparseableInputFails", func(t *testing.T) {
		_, err := transformer.Transform("<domain><unclosed>", freshUUID, "virtio")
		require.ErrorIs(t, err, adapter.ErrMalformedDomain)
	})

	t.Run("MissingIdentityFails", func(t *testing.T) {
		_, err := transformer.Transform("<domain type='kvm'></domain>", freshUUID, "virtio")
		require.ErrorIs(t, err, adapter.ErrMalformedDomain)
	})
}
