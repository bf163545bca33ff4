// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package storage

import (
	"sync"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"gopkg.in/tomb.v2"

	"github.com/juju/zstorage/identity"
	"github.com/juju/zstorage/remote"
)

// DialFunc opens a fresh command session on the host. Every disk gets
// its own session so concurrent activations cannot trample each
// other's remote shell state.
type DialFunc func() (remote.Channel, error)

// Pool composes the disks of one guest and activates them in
// parallel.
type Pool struct {
	clock     clock.Clock
	dial      DialFunc
	disks     []Disk
	multipath bool
}

// NewPool builds a disk for every spec, claiming all guest device
// identities up front. Identity collisions and invalid specs surface
// here, before anything touches the host.
func NewPool(specs []DiskSpec, alloc *identity.Allocator, dial DialFunc, clk clock.Clock) (*Pool, error) {
	p := &Pool{
		clock: clk,
		dial:  dial,
	}
	for _, spec := range specs {
		channel, err := dial()
		if err != nil {
			return nil, errors.Annotatef(err, "opening session for disk %q", spec.VolumeID)
		}
		disk, err := NewDisk(spec, alloc, channel, clk)
		if err != nil {
			return nil, errors.Trace(err)
		}
		p.disks = append(p.disks, disk)
		if spec.Multipath {
			p.multipath = true
		}
	}
	return p, nil
}

// Activate brings all disks online and returns the source device path
// for each volume id. Disks are activated concurrently, one goroutine
// per disk over its own session. The first failure is returned, named
// after its disk; the remaining activations are awaited rather than
// abandoned, since an already-issued remote command cannot be aborted
// mid-flight.
func (p *Pool) Activate() (map[string]string, error) {
	if len(p.disks) == 0 {
		return map[string]string{}, nil
	}

	// The multipath daemon is a host-wide singleton: put its
	// configuration in place before any disk races against it.
	if p.multipath {
		channel, err := p.dial()
		if err != nil {
			return nil, errors.Annotate(err, "opening session for multipath setup")
		}
		if err := configureMultipath(p.clock, channel); err != nil {
			return nil, errors.Annotate(err, "configuring multipath daemon")
		}
	}

	var (
		mu      sync.Mutex
		results = make(map[string]string)
		t       tomb.Tomb
	)
	for _, disk := range p.disks {
		disk := disk
		t.Go(func() error {
			source, err := disk.Activate()
			if err != nil {
				return errors.Annotatef(err, "activating disk %q", disk.VolumeID())
			}
			mu.Lock()
			results[disk.VolumeID()] = source
			mu.Unlock()
			return nil
		})
	}
	if err := t.Wait(); err != nil {
		return nil, errors.Trace(err)
	}
	logger.Debugf("activated %d disks", len(results))
	return results, nil
}
