// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package storage

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"

	"github.com/juju/zstorage/identity"
	"github.com/juju/zstorage/remote"
)

const zfcpSysPath = "/sys/bus/ccw/drivers/zfcp"

var (
	// adapterDelays and portDelays pace the appearance of the
	// adapter and its remote ports in sysfs after enabling.
	adapterDelays = []time.Duration{
		0, time.Second, 3 * time.Second, 5 * time.Second, 30 * time.Second,
	}
	portDelays = []time.Duration{
		0, time.Second, 3 * time.Second, 5 * time.Second, 30 * time.Second,
	}

	// lunDelays paces the appearance of the block device after a
	// unit_add; the adapter can take a while to surface the LUN.
	lunDelays = []time.Duration{
		time.Second, 5 * time.Second, 15 * time.Second, 30 * time.Second, 60 * time.Second,
	}

	// multipathDelays paces operations mirrored by the multipath
	// daemon, which lags behind kernel state.
	multipathDelays = []time.Duration{
		0, time.Second, 5 * time.Second, 15 * time.Second, 30 * time.Second, 60 * time.Second,
	}

	// daemonRetryStrategy shapes the backoff for resolving daemon
	// state that needs command output, not just an exit code.
	daemonRetryStrategy = retry.CallArgs{
		Attempts:    6,
		Delay:       time.Second,
		MaxDelay:    30 * time.Second,
		BackoffFunc: retry.DoubleDelay,
	}
)

// fcpDisk activates an FCP-attached SCSI LUN over one or more
// adapter/WWPN paths, optionally verifying that all paths aggregate
// into a single multipath device.
type fcpDisk struct {
	baseDisk

	// lun is the 0x-prefixed LUN identifier.
	lun string

	// adapters holds the spec's adapter paths with canonical bus
	// ids and 0x-prefixed lower-case WWPNs.
	adapters []AdapterPath
}

func newFcpDisk(spec DiskSpec, alloc *identity.Allocator, channel remote.Channel, clk clock.Clock) (*fcpDisk, error) {
	var adapters []AdapterPath
	hasPath := false
	for _, adapter := range spec.Adapters {
		wwpns := make([]string, len(adapter.WWPNs))
		for i, wwpn := range adapter.WWPNs {
			wwpns[i] = hexID(wwpn)
			hasPath = true
		}
		adapters = append(adapters, AdapterPath{
			DevNo: ccwBusID(adapter.DevNo),
			WWPNs: wwpns,
		})
	}
	if !hasPath {
		return nil, errors.NotValidf("disk %q: no FCP path defined", spec.VolumeID)
	}

	base, err := newBaseDisk(spec, alloc, channel, clk)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &fcpDisk{
		baseDisk: base,
		lun:      hexID(spec.VolumeID),
		adapters: adapters,
	}, nil
}

// hexID normalises a WWPN or LUN to 0x-prefixed lower case.
func hexID(id string) string {
	id = strings.ToLower(id)
	if strings.HasPrefix(id, "0x") {
		return id
	}
	return "0x" + id
}

// Activate is part of the Disk interface.
func (d *fcpDisk) Activate() (string, error) {
	if err := d.loadDriver(); err != nil {
		return "", d.stepError("loading zfcp driver", err)
	}
	for _, adapter := range d.adapters {
		if err := d.bringUpPaths(adapter); err != nil {
			return "", errors.Trace(err)
		}
	}
	if d.spec.Multipath {
		if err := d.verifyMultipath(); err != nil {
			return "", errors.Trace(err)
		}
	} else {
		kernelDevs, err := d.untrackPaths()
		if err != nil {
			return "", errors.Trace(err)
		}
		d.sourceDev = kernelDevs[0]
	}
	logger.Debugf("FCP LUN %s activated as %s", d.lun, d.sourceDev)
	return d.sourceDev, nil
}

// loadDriver loads the zfcp module. Failure here means the machine
// cannot do FCP at all, so it is fatal and never retried.
func (d *fcpDisk) loadDriver() error {
	code, output, err := d.run("modprobe zfcp")
	if err != nil {
		return errors.Trace(err)
	}
	if code != 0 {
		return errors.Errorf("cannot load zfcp driver: %s", strings.TrimSpace(output))
	}
	return nil
}

func adapterSysPath(busID string) string {
	return zfcpSysPath + "/" + busID
}

// pathDevice returns the by-path device file for one path to the LUN.
func (d *fcpDisk) pathDevice(busID, wwpn string) string {
	return fmt.Sprintf("/dev/disk/by-path/ccw-%s-zfcp-%s:%s", busID, wwpn, d.lun)
}

// pathDevices returns the by-path device files for every configured
// path, in spec order.
func (d *fcpDisk) pathDevices() []string {
	var devs []string
	for _, adapter := range d.adapters {
		for _, wwpn := range adapter.WWPNs {
			devs = append(devs, d.pathDevice(adapter.DevNo, wwpn))
		}
	}
	return devs
}

// bringUpPaths enables the adapter channel and walks every WWPN under
// it through port and LUN attachment, skipping whatever the kernel
// already has in place.
func (d *fcpDisk) bringUpPaths(adapter AdapterPath) error {
	logger.Debugf("bringing up LUN %s paths via adapter %s", d.lun, adapter.DevNo)
	if err := d.enableChannel(adapter.DevNo); err != nil {
		return d.stepError(fmt.Sprintf("enabling adapter %s", adapter.DevNo), err)
	}
	err := remote.Poll(d.clock, d.channel,
		fmt.Sprintf("[ -e '%s' ]", adapterSysPath(adapter.DevNo)),
		adapterDelays,
		fmt.Sprintf("adapter %s could not be activated", adapter.DevNo))
	if err != nil {
		return d.stepError(fmt.Sprintf("waiting for adapter %s", adapter.DevNo), err)
	}

	for _, wwpn := range adapter.WWPNs {
		active, err := d.wwpnActive(adapter.DevNo, wwpn)
		if err != nil {
			return d.stepError(fmt.Sprintf("probing port %s on adapter %s", wwpn, adapter.DevNo), err)
		}
		if !active {
			if err := d.activatePort(adapter.DevNo, wwpn); err != nil {
				return d.stepError(fmt.Sprintf("adding port %s to adapter %s", wwpn, adapter.DevNo), err)
			}
		}

		attached, err := d.lunAttached(adapter.DevNo, wwpn)
		if err != nil {
			return d.stepError(fmt.Sprintf("probing LUN %s under %s/%s", d.lun, adapter.DevNo, wwpn), err)
		}
		if !attached {
			if err := d.attachLUN(adapter.DevNo, wwpn); err != nil {
				return d.stepError(fmt.Sprintf("attaching LUN %s under %s/%s", d.lun, adapter.DevNo, wwpn), err)
			}
		}
	}
	return nil
}

// wwpnActive reports whether the WWPN is already present under the
// adapter in sysfs.
func (d *fcpDisk) wwpnActive(busID, wwpn string) (bool, error) {
	code, _, err := d.run(fmt.Sprintf("[ -e '%s/%s' ]", adapterSysPath(busID), wwpn))
	if err != nil {
		return false, errors.Trace(err)
	}
	return code == 0, nil
}

// activatePort makes the WWPN visible under the adapter. Old zfcp
// versions expose a port_add attribute taking the WWPN; newer ones
// dropped it in favour of automatic discovery, where a port_rescan
// covers the case of a manually removed port.
func (d *fcpDisk) activatePort(busID, wwpn string) error {
	sysPath := adapterSysPath(busID)
	code, _, err := d.run(fmt.Sprintf("[ -e '%s/port_add' ]", sysPath))
	if err != nil {
		return errors.Trace(err)
	}
	if code == 0 {
		if _, _, err := d.run(fmt.Sprintf("echo '%s' > %s/port_add", wwpn, sysPath)); err != nil {
			return errors.Trace(err)
		}
	} else {
		if _, _, err := d.run(fmt.Sprintf("[ -e '%s/port_rescan' ] && echo 1 > %s/port_rescan", sysPath, sysPath)); err != nil {
			return errors.Trace(err)
		}
	}
	err = remote.Poll(d.clock, d.channel,
		fmt.Sprintf("[ -e '%s/%s' ]", sysPath, wwpn),
		portDelays,
		fmt.Sprintf("port %s did not appear on adapter %s, check your storage configuration", wwpn, busID))
	return errors.Trace(err)
}

// lunAttached reports whether the LUN's block device already exists
// for the given path.
func (d *fcpDisk) lunAttached(busID, wwpn string) (bool, error) {
	code, _, err := d.run(fmt.Sprintf("readlink -e '%s'", d.pathDevice(busID, wwpn)))
	if err != nil {
		return false, errors.Trace(err)
	}
	return code == 0, nil
}

// attachLUN adds the LUN under one adapter/WWPN path and waits for
// its block device. An immediate rejection of the unit_add write is
// fatal; a device that never appears gets one diagnostic read of the
// path's failed flag to tell a storage misconfiguration from plain
// slowness.
func (d *fcpDisk) attachLUN(busID, wwpn string) error {
	sysPath := adapterSysPath(busID)
	code, output, err := d.run(fmt.Sprintf("echo '%s' > %s/%s/unit_add", d.lun, sysPath, wwpn))
	if err != nil {
		return errors.Trace(err)
	}
	if code != 0 {
		return errors.Errorf("unit_add rejected: %s", strings.TrimSpace(output))
	}

	devPath := d.pathDevice(busID, wwpn)
	pollErr := remote.Poll(d.clock, d.channel,
		fmt.Sprintf("readlink -e '%s'", devPath),
		lunDelays, "")
	if pollErr == nil {
		return nil
	}
	if !errors.Is(pollErr, errors.Timeout) {
		return errors.Trace(pollErr)
	}

	// Refine the timeout: a failed flag of 1 means the storage side
	// rejected the LUN, which no amount of waiting will fix.
	code, output, err = d.run(fmt.Sprintf("cat %s/%s/%s/failed", sysPath, wwpn, d.lun))
	if err == nil && code == 0 && strings.TrimSpace(output) == "1" {
		return errors.Errorf("storage refused LUN %s under %s/%s, check your storage configuration", d.lun, busID, wwpn)
	}
	return errors.Errorf("device %s did not come up after adding LUN", devPath)
}

// kernelDevice resolves a by-path device file to the real kernel
// device it points at.
func (d *fcpDisk) kernelDevice(devPath string) (string, error) {
	code, output, err := d.run(fmt.Sprintf("readlink -e '%s'", devPath))
	if err != nil {
		return "", errors.Trace(err)
	}
	if code != 0 {
		return "", errors.NotFoundf("kernel device for %s", devPath)
	}
	return strings.TrimSpace(output), nil
}

// multipathName resolves the multipath map name holding kernelDev,
// retrying while the multipath daemon catches up with kernel state.
// An empty name with a nil error means the device belongs to no map.
func (d *fcpDisk) multipathName(kernelDev string) (string, error) {
	var name string
	args := daemonRetryStrategy
	args.Clock = d.clock
	args.Func = func() error {
		code, output, err := d.run(fmt.Sprintf("multipath -v 1 -l %s", kernelDev))
		if err != nil {
			return errors.Trace(err)
		}
		output = strings.TrimSpace(output)
		if code != 0 || output == "" {
			return errors.NotFoundf("multipath map for %s", kernelDev)
		}
		name = output
		return nil
	}
	args.IsFatalError = func(err error) bool {
		return !errors.Is(err, errors.NotFound)
	}
	err := retry.Call(args)
	if err == nil {
		return name, nil
	}
	if retry.IsAttemptsExceeded(err) {
		err = retry.LastError(err)
	}
	if errors.Is(err, errors.NotFound) {
		return "", nil
	}
	return "", errors.Trace(err)
}

// mapperDevice resolves a multipath map name to its dm-N node,
// retrying while the daemon creates the mapper entry.
func (d *fcpDisk) mapperDevice(mapName string) (string, error) {
	var dmDev string
	args := daemonRetryStrategy
	args.Clock = d.clock
	args.Func = func() error {
		kernelDev, err := d.kernelDevice("/dev/mapper/" + mapName)
		if err != nil {
			return errors.Trace(err)
		}
		dmDev = path.Base(kernelDev)
		return nil
	}
	args.IsFatalError = func(err error) bool {
		return !errors.Is(err, errors.NotFound)
	}
	err := retry.Call(args)
	if err != nil {
		if retry.IsAttemptsExceeded(err) {
			err = retry.LastError(err)
		}
		return "", errors.Annotatef(ErrMultipathInconsistent,
			"no device mapper node for multipath map %s: %v", mapName, err)
	}
	return dmDev, nil
}

// verifyMultipath confirms that every configured path resolves to the
// same healthy multipath map and records the mapper device as the
// disk's source. The checks run per path so a misconfigured path is
// named in the failure.
func (d *fcpDisk) verifyMultipath() error {
	var mapName, dmDev string
	for _, devPath := range d.pathDevices() {
		kernelDev, err := d.kernelDevice(devPath)
		if err != nil {
			return d.stepError(fmt.Sprintf("resolving path %s", devPath), err)
		}
		checkedName, err := d.multipathName(kernelDev)
		if err != nil {
			return d.stepError(fmt.Sprintf("resolving multipath map of %s", devPath), err)
		}
		if checkedName == "" {
			return d.stepError(fmt.Sprintf("verifying multipath of %s", devPath),
				errors.Annotatef(ErrMultipathInconsistent,
					"no multipath map for device %s, make sure it is not blacklisted", devPath))
		}

		if mapName == "" {
			mapName = checkedName
			if dmDev, err = d.mapperDevice(mapName); err != nil {
				return d.stepError("resolving device mapper node", err)
			}
		} else if checkedName != mapName {
			return d.stepError("verifying multipath",
				errors.Annotatef(ErrMultipathInconsistent,
					"multipath map differs across paths of LUN %s: %s vs %s", d.lun, mapName, checkedName))
		}

		err = remote.Poll(d.clock, d.channel,
			fmt.Sprintf("[ -e '/sys/block/%s/slaves/%s' ]", dmDev, path.Base(kernelDev)),
			multipathDelays,
			fmt.Sprintf("device %s not monitored by multipath map %s", devPath, mapName))
		if err != nil {
			return d.stepError(fmt.Sprintf("verifying multipath membership of %s", devPath),
				errors.Annotatef(ErrMultipathInconsistent, "%v", err))
		}
	}

	d.sourceDev = "/dev/mapper/" + mapName
	return nil
}

// untrackPaths removes every configured path from the multipath
// daemon so the raw devices stay usable directly, returning the
// resolved kernel device of each path in spec order. The daemon is
// told unconditionally; untracking an untracked path is a no-op for
// it.
func (d *fcpDisk) untrackPaths() ([]string, error) {
	var kernelDevs []string
	for _, devPath := range d.pathDevices() {
		kernelDev, err := d.kernelDevice(devPath)
		if err != nil {
			return nil, d.stepError(fmt.Sprintf("resolving path %s", devPath), err)
		}
		err = remote.Poll(d.clock, d.channel,
			fmt.Sprintf("multipathd del path %s", kernelDev),
			multipathDelays,
			fmt.Sprintf("could not untrack device %s from multipath", devPath))
		if err != nil {
			return nil, d.stepError(fmt.Sprintf("untracking %s", devPath), err)
		}
		kernelDevs = append(kernelDevs, kernelDev)
	}
	return kernelDevs, nil
}
