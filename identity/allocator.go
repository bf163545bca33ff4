// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package identity allocates the guest-visible device identities (a
// virtio device name and a ccw device number) under which activated
// disks are exposed to a virtual machine. One Allocator serves one
// guest-definition session; identities handed out or reserved within
// that session never collide.
package identity

import (
	"fmt"
	"regexp"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo"
)

var logger = loggo.GetLogger("zstorage.identity")

// ErrExhausted is returned when the name or number space for a
// session has been used up.
const ErrExhausted = errors.ConstError("device identities exhausted")

var (
	nameExp   = regexp.MustCompile(`^vd[a-z]{1,3}$`)
	numberExp = regexp.MustCompile(`^0x[0-9a-f]{4}$`)
)

// Device numbers are handed out from 0x0001; 0xffff is never used.
const maxNumber = 0xffff

// Total count of syntactically valid names: vd followed by one, two
// or three lower-case letters.
const maxNames = 26 + 26*26 + 26*26*26

// Allocator hands out device names and numbers for one guest
// definition. Names and numbers pinned through Reserve* share the
// same blacklists as dynamically allocated ones, so pre-supplied
// descriptors coexist with generated identities without collisions.
//
// An Allocator is not safe for concurrent use; all identities are
// claimed while the guest definition is assembled, before any
// concurrent activation starts.
type Allocator struct {
	names      set.Strings
	numbers    set.Strings
	nameIndex  int
	nextNumber int
}

// NewAllocator returns an empty allocator for a new session.
func NewAllocator() *Allocator {
	return &Allocator{
		names:      set.NewStrings(),
		numbers:    set.NewStrings(),
		nextNumber: 0x0001,
	}
}

// nameAt returns the i-th valid device name: vda..vdz, then vdaa..vdzz,
// then vdaaa..vdzzz.
func nameAt(i int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz"
	if i < 26 {
		return "vd" + string(letters[i])
	}
	i -= 26
	if i < 26*26 {
		return "vd" + string(letters[i/26]) + string(letters[i%26])
	}
	i -= 26 * 26
	return "vd" + string(letters[i/(26*26)]) + string(letters[(i/26)%26]) + string(letters[i%26])
}

// Name allocates the next unused device name.
func (a *Allocator) Name() (string, error) {
	for ; a.nameIndex < maxNames; a.nameIndex++ {
		name := nameAt(a.nameIndex)
		if a.names.Contains(name) {
			continue
		}
		a.nameIndex++
		a.names.Add(name)
		logger.Tracef("allocated device name %q", name)
		return name, nil
	}
	return "", errors.Annotate(ErrExhausted, "device names")
}

// Number allocates the next unused device number.
func (a *Allocator) Number() (string, error) {
	for ; a.nextNumber < maxNumber; a.nextNumber++ {
		number := fmt.Sprintf("0x%04x", a.nextNumber)
		if a.numbers.Contains(number) {
			continue
		}
		a.nextNumber++
		a.numbers.Add(number)
		logger.Tracef("allocated device number %s", number)
		return number, nil
	}
	return "", errors.Annotate(ErrExhausted, "device numbers")
}

// ReserveName extracts the device name from a pre-supplied placement
// descriptor and blacklists it. A descriptor whose name was already
// handed out in this session is rejected and the blacklist is left
// unchanged.
func (a *Allocator) ReserveName(descriptor string) (string, error) {
	frag, err := parseDescriptor(descriptor)
	if err != nil {
		return "", errors.Trace(err)
	}
	if len(frag.Targets) != 1 {
		return "", errors.NotValidf("descriptor with %d target elements", len(frag.Targets))
	}
	name := frag.Targets[0].Dev
	if !nameExp.MatchString(name) {
		return "", errors.NotValidf("device name %q", name)
	}
	if a.names.Contains(name) {
		return "", errors.AlreadyExistsf("device name %q", name)
	}
	a.names.Add(name)
	return name, nil
}

// ReserveNumber extracts the device number from a pre-supplied
// placement descriptor and blacklists it, with the same duplicate
// handling as ReserveName.
func (a *Allocator) ReserveNumber(descriptor string) (string, error) {
	frag, err := parseDescriptor(descriptor)
	if err != nil {
		return "", errors.Trace(err)
	}
	if len(frag.Addresses) != 1 {
		return "", errors.NotValidf("descriptor with %d address elements", len(frag.Addresses))
	}
	number := frag.Addresses[0].DevNo
	if !numberExp.MatchString(number) {
		return "", errors.NotValidf("device number %q", number)
	}
	if a.numbers.Contains(number) {
		return "", errors.AlreadyExistsf("device number %s", number)
	}
	a.numbers.Add(number)
	return number, nil
}
