// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package storage

import (
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/juju/zstorage/identity"
	"github.com/juju/zstorage/remote"
)

const dasdByPathPrefix = "/dev/disk/by-path/ccw-"

// dasdProbeDelays paces waiting for the by-path symlink after the
// channel has been enabled; DASD comes up quickly once the channel is
// free.
var dasdProbeDelays = []time.Duration{
	0, time.Second, 5 * time.Second, 15 * time.Second,
}

// dasdDisk activates a channel-attached DASD: free the channel from
// the ignore list, enable it, wait for the kernel device node.
type dasdDisk struct {
	baseDisk
	busID string
}

func newDasdDisk(spec DiskSpec, alloc *identity.Allocator, channel remote.Channel, clk clock.Clock) (*dasdDisk, error) {
	base, err := newBaseDisk(spec, alloc, channel, clk)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &dasdDisk{
		baseDisk: base,
		busID:    ccwBusID(spec.VolumeID),
	}, nil
}

// Activate is part of the Disk interface.
func (d *dasdDisk) Activate() (string, error) {
	devPath := dasdByPathPrefix + d.busID
	probe := fmt.Sprintf("readlink -e '%s'", devPath)

	// The device may already be online from a previous run; in that
	// case the channel is left untouched.
	code, _, err := d.run(probe)
	if err != nil {
		return "", d.stepError("probing device", err)
	}
	if code != 0 {
		logger.Debugf("DASD %s not online yet, enabling channel", d.busID)
		if err := d.enableChannel(d.busID); err != nil {
			return "", d.stepError("enabling channel", err)
		}
		err := remote.Poll(d.clock, d.channel, probe, dasdProbeDelays,
			fmt.Sprintf("device %s did not appear after enabling channel", d.busID))
		if err != nil {
			return "", d.stepError("waiting for device", err)
		}
	}

	logger.Debugf("DASD %s online at %s", d.busID, devPath)
	d.sourceDev = devPath
	return d.sourceDev, nil
}
