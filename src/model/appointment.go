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
	"fmt"
	"strings"
	"time"
)

// AppointmentResult is read off the booking confirmation page.
type AppointmentResult struct {
	Reference string    `json:"reference"`
	Date      time.Time `json:"date"`
	Location  string    `json:"location"`
	RawDate   string    `json:"raw_date"`
	RawTime   string    `json:"raw_time"`
}

// Scheduled returns the parsed appointment time, or nil when the
// confirmation date could not be read.
func (r AppointmentResult) Scheduled() *time.Time {
	if r.Date.IsZero() {
		return nil
	}
	at := r.Date
	return &at
}

// Details renders the summary stored on the applicant.
func (r AppointmentResult) Details() string {
	return fmt.Sprintf("Ref: %s, Location: %s, Date: %s %s", r.Reference, r.Location, r.RawDate, r.RawTime)
}

var appointmentLayouts = []string{
	"02/01/2006 03:04 PM",
	"02/01/2006 15:04",
}

// ParseAppointmentDateTime parses a confirmation date and time, trying the
// 12-hour clock before the 24-hour one.
func ParseAppointmentDateTime(date, clock string) (time.Time, error) {
	value := strings.TrimSpace(date) + " " + strings.TrimSpace(clock)
	var lastErr error
	for _, layout := range appointmentLayouts {
		t, err := time.Parse(layout, value)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, fmt.Errorf("could not parse appointment date %q: %w", value, lastErr)
}
