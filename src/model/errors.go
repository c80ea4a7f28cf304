// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package model

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrAlreadyRunning = errors.New("task already running")
	ErrInputTimeout   = errors.New("timed out waiting for input")
	ErrRejected       = errors.New("rejected by portal")
	ErrNoSlot         = errors.New("no appointment slot available")
	ErrInvalidInput   = errors.New("invalid input")
)

// RejectionError is a content-level refusal from the portal that maps to a
// specific applicant status.
type RejectionError struct {
	Status ApplicantStatus
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("%s: %s", ErrRejected, e.Reason)
}

func (e *RejectionError) Unwrap() error { return ErrRejected }

// RejectionStatus returns the applicant status carried by a rejection in the chain.
func RejectionStatus(err error) (ApplicantStatus, bool) {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej.Status, true
	}
	return "", false
}
