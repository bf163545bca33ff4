// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package storage

import (
	"fmt"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/juju/zstorage/remote"
)

const multipathConfPath = "/etc/multipath.conf"

// multipathConf is the known-good daemon configuration written before
// any multipath disk is activated: one path group per LUN, everything
// blacklisted except the device names the activation machines produce.
const multipathConf = `defaults {
    path_grouping_policy multibus
}
blacklist {
    devnode "*"
}
blacklist_exceptions {
    devnode "^dasd[a-z]+[0-9]*"
    devnode "^sd[a-z]+[0-9]*"
}
`

// daemonRestartDelays paces waiting for multipathd to answer again
// after a restart.
var daemonRestartDelays = []time.Duration{
	time.Second, 3 * time.Second, 5 * time.Second, 15 * time.Second,
}

// configureMultipath puts the host-wide multipath daemon into a known
// state: back up whatever configuration is there, install ours and
// restart the daemon. The daemon and its configuration file are
// host-wide singletons, so this must complete before any per-disk
// activation starts.
func configureMultipath(clk clock.Clock, channel remote.Channel) error {
	logger.Debugf("installing multipath configuration on host")

	backup := fmt.Sprintf("if [ -e %[1]s ]; then cp %[1]s %[1]s.bak; fi", multipathConfPath)
	code, output, err := channel.Run(backup, remote.DefaultTimeout)
	if err != nil {
		return errors.Trace(err)
	}
	if code != 0 {
		return errors.Errorf("cannot back up %s: %s", multipathConfPath, strings.TrimSpace(output))
	}

	write := fmt.Sprintf("cat > %s << 'EOF'\n%sEOF", multipathConfPath, multipathConf)
	code, output, err = channel.Run(write, remote.DefaultTimeout)
	if err != nil {
		return errors.Trace(err)
	}
	if code != 0 {
		return errors.Errorf("cannot write %s: %s", multipathConfPath, strings.TrimSpace(output))
	}

	if err := restartMultipathd(clk, channel); err != nil {
		return errors.Trace(err)
	}
	return nil
}

// restartMultipathd restarts the daemon through systemd where
// available, falling back to the legacy service tool, and waits for
// it to answer again.
func restartMultipathd(clk clock.Clock, channel remote.Channel) error {
	code, _, err := channel.Run("command -v systemctl >/dev/null 2>&1", remote.DefaultTimeout)
	if err != nil {
		return errors.Trace(err)
	}
	restart := "systemctl restart multipathd.service"
	if code != 0 {
		restart = "service multipathd restart"
	}
	code, output, err := channel.Run(restart, remote.DefaultTimeout)
	if err != nil {
		return errors.Trace(err)
	}
	if code != 0 {
		return errors.Errorf("cannot restart multipath daemon: %s", strings.TrimSpace(output))
	}

	err = remote.Poll(clk, channel, "multipathd show config >/dev/null",
		daemonRestartDelays, "multipath daemon did not come back after restart")
	return errors.Trace(err)
}
