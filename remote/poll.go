// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package remote

import (
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
)

var logger = loggo.GetLogger("zstorage.remote")

// Poll runs probe over channel until it exits zero, sleeping for each
// delay in turn before the corresponding attempt. The first delay may
// be zero for an immediate first probe. Callers choose the delay
// sequence to match the known latency of the subsystem being waited
// on.
//
// A transport failure aborts polling immediately; exhausting the delay
// sequence returns a timeout error carrying failMsg.
func Poll(clk clock.Clock, channel Channel, probe string, delays []time.Duration, failMsg string) error {
	for i, delay := range delays {
		if delay > 0 {
			<-clk.After(delay)
		}
		code, output, err := channel.Run(probe, DefaultTimeout)
		if err != nil {
			return errors.Annotatef(err, "running probe %q", probe)
		}
		if code == 0 {
			return nil
		}
		logger.Debugf("probe %q not ready (attempt %d of %d): %s",
			probe, i+1, len(delays), output)
	}
	return errors.NewTimeout(nil, failMsg)
}
