// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package identity

import (
	"encoding/xml"

	"github.com/juju/errors"
)

// descriptor is the subset of a libvirt disk device fragment holding
// the guest placement: the virtio target name and the ccw address.
// The root element name is not checked, matching what callers supply
// (a bare <disk> fragment, not a full domain document).
type descriptor struct {
	Targets []struct {
		Dev string `xml:"dev,attr"`
	} `xml:"target"`
	Addresses []struct {
		DevNo string `xml:"devno,attr"`
	} `xml:"address"`
}

func parseDescriptor(fragment string) (*descriptor, error) {
	var frag descriptor
	if err := xml.Unmarshal([]byte(fragment), &frag); err != nil {
		return nil, errors.NewNotValid(err, "malformed descriptor")
	}
	return &frag, nil
}
