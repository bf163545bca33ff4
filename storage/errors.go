// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package storage

import (
	"fmt"

	"github.com/juju/errors"
)

// ActivationError reports a fatal failure of one activation step,
// naming the disk and the step so pool-level failures stay
// actionable. The step's cause remains reachable through Unwrap.
type ActivationError struct {
	// VolumeID identifies the failing disk.
	VolumeID string

	// DeviceName is the guest device name claimed for the disk.
	DeviceName string

	// Step names the activation step that failed, including the
	// adapter/WWPN/LUN coordinates where applicable.
	Step string

	// Cause is the underlying failure.
	Cause error
}

// Error is part of the error interface.
func (e *ActivationError) Error() string {
	return fmt.Sprintf("disk %s (%s): %s: %v", e.VolumeID, e.DeviceName, e.Step, e.Cause)
}

// Unwrap exposes the underlying failure.
func (e *ActivationError) Unwrap() error {
	return e.Cause
}

// IsActivationError reports whether err is, or wraps, an
// ActivationError.
func IsActivationError(err error) bool {
	var actErr *ActivationError
	return errors.As(err, &actErr)
}
