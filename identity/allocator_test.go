// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package identity_test

import (
	"fmt"
	"regexp"

	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/zstorage/identity"
)

type allocatorSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&allocatorSuite{})

const totalNames = 26 + 26*26 + 26*26*26

var nameExp = regexp.MustCompile(`^vd[a-z]{1,3}$`)

func descriptorFor(name, number string) string {
	return fmt.Sprintf(`<disk type="block" device="disk">
  <driver name="qemu" type="raw" cache="none"/>
  <source dev="/dev/mapper/fake"/>
  <target dev="%s" bus="virtio"/>
  <address type="ccw" cssid="0xfe" ssid="0x0" devno="%s"/>
</disk>`, name, number)
}

func (s *allocatorSuite) TestNameSequence(c *gc.C) {
	alloc := identity.NewAllocator()
	name, err := alloc.Name()
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(name, gc.Equals, "vda")
	name, err = alloc.Name()
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(name, gc.Equals, "vdb")
}

func (s *allocatorSuite) TestNameRollsOverToTwoLetters(c *gc.C) {
	alloc := identity.NewAllocator()
	var last string
	for i := 0; i < 27; i++ {
		name, err := alloc.Name()
		c.Assert(err, jc.ErrorIsNil)
		last = name
	}
	c.Assert(last, gc.Equals, "vdaa")
}

func (s *allocatorSuite) TestNamesNeverCollide(c *gc.C) {
	alloc := identity.NewAllocator()
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		name, err := alloc.Name()
		c.Assert(err, jc.ErrorIsNil)
		c.Assert(name, gc.Matches, nameExp.String())
		c.Assert(seen[name], jc.IsFalse)
		seen[name] = true
	}
}

func (s *allocatorSuite) TestNameExhaustion(c *gc.C) {
	alloc := identity.NewAllocator()
	for i := 0; i < totalNames; i++ {
		name, err := alloc.Name()
		c.Assert(err, jc.ErrorIsNil)
		c.Assert(nameExp.MatchString(name), jc.IsTrue)
	}
	_, err := alloc.Name()
	c.Assert(err, jc.ErrorIs, identity.ErrExhausted)
}

func (s *allocatorSuite) TestNumberSequence(c *gc.C) {
	alloc := identity.NewAllocator()
	number, err := alloc.Number()
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(number, gc.Equals, "0x0001")
	number, err = alloc.Number()
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(number, gc.Equals, "0x0002")
}

func (s *allocatorSuite) TestNumberExhaustion(c *gc.C) {
	alloc := identity.NewAllocator()
	for i := 0x0001; i < 0xffff; i++ {
		_, err := alloc.Number()
		c.Assert(err, jc.ErrorIsNil)
	}
	_, err := alloc.Number()
	c.Assert(err, jc.ErrorIs, identity.ErrExhausted)
}

func (s *allocatorSuite) TestAllocationSkipsReserved(c *gc.C) {
	alloc := identity.NewAllocator()
	desc := descriptorFor("vda", "0x0001")
	name, err := alloc.ReserveName(desc)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(name, gc.Equals, "vda")
	number, err := alloc.ReserveNumber(desc)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(number, gc.Equals, "0x0001")

	name, err = alloc.Name()
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(name, gc.Equals, "vdb")
	number, err = alloc.Number()
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(number, gc.Equals, "0x0002")
}

func (s *allocatorSuite) TestReserveDuplicateName(c *gc.C) {
	alloc := identity.NewAllocator()
	desc := descriptorFor("vda", "0x0001")
	_, err := alloc.ReserveName(desc)
	c.Assert(err, jc.ErrorIsNil)
	_, err = alloc.ReserveName(desc)
	c.Assert(err, jc.Satisfies, errors.IsAlreadyExists)

	// The failed reservation must not disturb the blacklist: vda is
	// still taken exactly once, so allocation continues at vdb.
	name, err := alloc.Name()
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(name, gc.Equals, "vdb")
}

func (s *allocatorSuite) TestReserveDuplicateNumber(c *gc.C) {
	alloc := identity.NewAllocator()
	desc := descriptorFor("vda", "0x00ff")
	_, err := alloc.ReserveNumber(desc)
	c.Assert(err, jc.ErrorIsNil)
	_, err = alloc.ReserveNumber(desc)
	c.Assert(err, jc.Satisfies, errors.IsAlreadyExists)
}

func (s *allocatorSuite) TestReserveMalformedDescriptor(c *gc.C) {
	alloc := identity.NewAllocator()
	_, err := alloc.ReserveName("<disk><target dev='vda'")
	c.Assert(err, jc.Satisfies, errors.IsNotValid)
	_, err = alloc.ReserveNumber("not xml at all")
	c.Assert(err, jc.Satisfies, errors.IsNotValid)
}

func (s *allocatorSuite) TestReserveAmbiguousDescriptor(c *gc.C) {
	alloc := identity.NewAllocator()
	desc := `<disk><target dev="vda"/><target dev="vdb"/></disk>`
	_, err := alloc.ReserveName(desc)
	c.Assert(err, jc.Satisfies, errors.IsNotValid)

	desc = `<disk><target dev="vda"/></disk>`
	_, err = alloc.ReserveNumber(desc)
	c.Assert(err, jc.Satisfies, errors.IsNotValid)
}

func (s *allocatorSuite) TestReserveInvalidPatterns(c *gc.C) {
	alloc := identity.NewAllocator()
	_, err := alloc.ReserveName(descriptorFor("sda", "0x0001"))
	c.Assert(err, jc.Satisfies, errors.IsNotValid)
	_, err = alloc.ReserveName(descriptorFor("vdabcd", "0x0001"))
	c.Assert(err, jc.Satisfies, errors.IsNotValid)
	_, err = alloc.ReserveNumber(descriptorFor("vda", "0xffffff"))
	c.Assert(err, jc.Satisfies, errors.IsNotValid)
	_, err = alloc.ReserveNumber(descriptorFor("vda", "12ab"))
	c.Assert(err, jc.Satisfies, errors.IsNotValid)
}

func (s *allocatorSuite) TestMixedAllocationAndReservationUnique(c *gc.C) {
	alloc := identity.NewAllocator()
	seen := make(map[string]bool)
	claim := func(v string, err error) {
		c.Assert(err, jc.ErrorIsNil)
		c.Assert(seen[v], jc.IsFalse)
		seen[v] = true
	}
	claim(alloc.Name())
	claim(alloc.Number())
	claim(alloc.ReserveName(descriptorFor("vdx", "0x0100")))
	claim(alloc.ReserveNumber(descriptorFor("vdx", "0x0100")))
	for i := 0; i < 50; i++ {
		claim(alloc.Name())
		claim(alloc.Number())
	}
}
