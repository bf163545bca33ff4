// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package storage

import (
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/juju/zstorage/identity"
	"github.com/juju/zstorage/remote"
)

// channelEnableDelays paces attempts to enable a channel device; the
// common I/O layer can take a while to let a freed device through.
var channelEnableDelays = []time.Duration{
	0, time.Second, 5 * time.Second, 15 * time.Second, 30 * time.Second, 60 * time.Second,
}

// descriptorTemplate renders the guest placement fragment for an
// activated disk: source device, virtio target and ccw address.
var descriptorTemplate = template.Must(template.New("disk").Parse(
	`<disk type="block" device="disk">
  <driver name="qemu" type="raw" cache="none"/>
  <source dev="{{.Source}}"/>
  <target dev="{{.Name}}" bus="virtio"/>
{{- if .Boot}}
  <boot order="1"/>
{{- end}}
  <address type="ccw" cssid="0xfe" ssid="0x0" devno="{{.Number}}"/>
</disk>
`))

// baseDisk carries the state shared by all disk type state machines:
// the spec, the session capabilities, the claimed guest identity and
// the source device recorded on successful activation.
type baseDisk struct {
	spec    DiskSpec
	channel remote.Channel
	clock   clock.Clock

	name   string
	number string

	// supplied holds a pre-supplied placement descriptor, returned
	// verbatim by Descriptor.
	supplied string

	// sourceDev is set at most once, only on successful activation.
	sourceDev string
}

func newBaseDisk(spec DiskSpec, alloc *identity.Allocator, channel remote.Channel, clk clock.Clock) (baseDisk, error) {
	d := baseDisk{
		spec:    spec,
		channel: channel,
		clock:   clk,
	}
	var err error
	if spec.Descriptor != "" {
		if d.name, err = alloc.ReserveName(spec.Descriptor); err != nil {
			return baseDisk{}, errors.Annotatef(err, "disk %q", spec.VolumeID)
		}
		if d.number, err = alloc.ReserveNumber(spec.Descriptor); err != nil {
			return baseDisk{}, errors.Annotatef(err, "disk %q", spec.VolumeID)
		}
		d.supplied = spec.Descriptor
	} else {
		if d.name, err = alloc.Name(); err != nil {
			return baseDisk{}, errors.Annotatef(err, "disk %q", spec.VolumeID)
		}
		if d.number, err = alloc.Number(); err != nil {
			return baseDisk{}, errors.Annotatef(err, "disk %q", spec.VolumeID)
		}
	}
	logger.Debugf("disk %q claimed device identity %s/%s", spec.VolumeID, d.name, d.number)
	return d, nil
}

// VolumeID is part of the Disk interface.
func (d *baseDisk) VolumeID() string {
	return d.spec.VolumeID
}

// SourceDevice is part of the Disk interface.
func (d *baseDisk) SourceDevice() (string, error) {
	if d.sourceDev == "" {
		return "", errors.NotProvisionedf("disk %q", d.spec.VolumeID)
	}
	return d.sourceDev, nil
}

// Descriptor is part of the Disk interface.
func (d *baseDisk) Descriptor() (string, error) {
	if d.sourceDev == "" {
		return "", errors.NotProvisionedf("disk %q", d.spec.VolumeID)
	}
	if d.supplied != "" {
		return d.supplied, nil
	}
	var out strings.Builder
	err := descriptorTemplate.Execute(&out, struct {
		Source, Name, Number string
		Boot                 bool
	}{d.sourceDev, d.name, d.number, d.spec.BootDevice})
	if err != nil {
		return "", errors.Trace(err)
	}
	return out.String(), nil
}

// stepError wraps a step failure with the disk's identity.
func (d *baseDisk) stepError(step string, cause error) error {
	return &ActivationError{
		VolumeID:   d.spec.VolumeID,
		DeviceName: d.name,
		Step:       step,
		Cause:      cause,
	}
}

// run executes one remote command, failing on transport errors only.
// The exit code is left to the caller to interpret.
func (d *baseDisk) run(command string) (int, string, error) {
	code, output, err := d.channel.Run(command, remote.DefaultTimeout)
	if err != nil {
		return 0, "", errors.Annotatef(err, "running %q", command)
	}
	return code, output, nil
}

// enableChannel frees busID from the channel ignore list and polls
// the enable command until the kernel lets the device through.
func (d *baseDisk) enableChannel(busID string) error {
	// The free is best-effort: the ignore list may be empty or the
	// cio_ignore feature absent.
	if _, _, err := d.run(fmt.Sprintf("echo free %s > /proc/cio_ignore", busID)); err != nil {
		return errors.Trace(err)
	}
	err := remote.Poll(d.clock, d.channel,
		fmt.Sprintf("chccwdev -e %s", busID),
		channelEnableDelays,
		fmt.Sprintf("channel %s could not be enabled", busID))
	return errors.Trace(err)
}
