// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package storage activates channel-attached DASD and FCP/SCSI LUNs
// on a remote machine and exposes each as a collision-free guest
// device identity that a hypervisor can attach to a virtual machine.
//
// All remote interaction goes through the narrow remote.Channel
// capability; the package never assumes anything about the transport
// behind it.
package storage

import (
	"strings"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/juju/zstorage/identity"
	"github.com/juju/zstorage/remote"
)

var logger = loggo.GetLogger("zstorage.storage")

// ErrMultipathInconsistent reports that the paths of a multipath disk
// do not resolve to one healthy multipath map.
const ErrMultipathInconsistent = errors.ConstError("multipath configuration inconsistent")

// DiskType identifies the activation state machine used for a disk.
type DiskType string

const (
	DASD DiskType = "DASD"
	FCP  DiskType = "FCP"
	SCSI DiskType = "SCSI"
)

// AdapterPath names an FCP adapter channel and the remote ports
// reachable through it.
type AdapterPath struct {
	// DevNo is the adapter's channel device number, with or without
	// the css.ssid prefix (e.g. "1800" or "0.0.1800").
	DevNo string

	// WWPNs are the worldwide port names reachable via the adapter,
	// with or without the 0x prefix.
	WWPNs []string
}

// DiskSpec describes one disk to be activated. It is caller-owned and
// never mutated.
type DiskSpec struct {
	// VolumeID uniquely identifies the volume: the channel device
	// number for DASD, the LUN (without 0x) for FCP/SCSI.
	VolumeID string

	// Type selects the activation state machine.
	Type DiskType

	// BootDevice marks the disk as the guest boot device.
	BootDevice bool

	// Multipath requests that all paths be aggregated into one
	// verified multipath device (FCP/SCSI only).
	Multipath bool

	// Adapters lists the FCP paths to the LUN, in order. Required
	// for FCP/SCSI, ignored for DASD.
	Adapters []AdapterPath

	// Descriptor optionally pins the guest placement with a
	// pre-built device fragment; its name and number are reserved
	// with the session allocator instead of being generated.
	Descriptor string
}

// Disk is one disk's activation state machine. Activate is cheap to
// re-run (every step re-probes current state before acting) but must
// not be called concurrently on the same instance.
type Disk interface {
	// VolumeID returns the volume identifier from the spec.
	VolumeID() string

	// Activate brings the disk up on the remote machine and returns
	// the path of the resulting source block device.
	Activate() (string, error)

	// SourceDevice returns the source block device path recorded by
	// a successful Activate, or a not-provisioned error.
	SourceDevice() (string, error)

	// Descriptor renders the guest placement fragment for the disk.
	// It fails with a not-provisioned error before activation.
	Descriptor() (string, error)
}

// NewDisk builds the state machine for spec. The disk's guest device
// identity is claimed from alloc immediately: reserved from a
// pre-supplied descriptor when one is given, freshly allocated
// otherwise. The channel must be dedicated to this disk.
func NewDisk(spec DiskSpec, alloc *identity.Allocator, channel remote.Channel, clk clock.Clock) (Disk, error) {
	switch spec.Type {
	case DASD:
		return newDasdDisk(spec, alloc, channel, clk)
	case FCP, SCSI:
		return newFcpDisk(spec, alloc, channel, clk)
	}
	return nil, errors.NotValidf("disk %q: type %q", spec.VolumeID, spec.Type)
}

// ccwBusID canonicalises a channel device number to the full bus id
// used by sysfs and the channel tools (e.g. "1800" -> "0.0.1800").
func ccwBusID(devno string) string {
	devno = strings.ToLower(strings.TrimPrefix(devno, "0x"))
	if strings.Contains(devno, ".") {
		return devno
	}
	return "0.0." + devno
}
