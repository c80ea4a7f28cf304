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

package model_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visaworker/src/model"
)

func TestParseAppointmentDateTime(t *testing.T) {
	tests := map[string]struct {
		date   string
		clock  string
		exp    time.Time
		expErr bool
	}{
		"12-hour clock with PM should parse": {
			date:  "14/03/2026",
			clock: "02:30 PM",
			exp:   time.Date(2026, 3, 14, 14, 30, 0, 0, time.UTC),
		},
		"12-hour clock with AM should parse": {
			date:  "01/12/2026",
			clock: "09:05 AM",
			exp:   time.Date(2026, 12, 1, 9, 5, 0, 0, time.UTC),
		},
		"24-hour clock should fall back": {
			date:  "14/03/2026",
			clock: "16:45",
			exp:   time.Date(2026, 3, 14, 16, 45, 0, 0, time.UTC),
		},
		"Surrounding whitespace should be ignored": {
			date:  "  14/03/2026 ",
			clock: " 08:00 ",
			exp:   time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC),
		},
		"Unknown format should fail": {
			date:   "2026-03-14",
			clock:  "16:45",
			expErr: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			got, err := model.ParseAppointmentDateTime(test.date, test.clock)
			if test.expErr {
				assert.Error(err)
				return
			}
			assert.NoError(err)
			assert.Equal(test.exp, got)
		})
	}
}

func TestApplicantValidate(t *testing.T) {
	valid := func() model.Applicant {
		return model.Applicant{
			FirstName:      "Amina",
			LastName:       "Bennani",
			Email:          "amina@example.com",
			Phone:          "+212612345678",
			PassportNumber: "AB1234567",
		}
	}

	tests := map[string]struct {
		mutate func(a *model.Applicant)
		expErr bool
	}{
		"A complete applicant should be valid": {
			mutate: func(a *model.Applicant) {},
		},
		"Missing last name should fail": {
			mutate: func(a *model.Applicant) { a.LastName = "" },
			expErr: true,
		},
		"Phone without country prefix should fail": {
			mutate: func(a *model.Applicant) { a.Phone = "0612345678" },
			expErr: true,
		},
		"Phone with landline prefix should fail": {
			mutate: func(a *model.Applicant) { a.Phone = "+212412345678" },
			expErr: true,
		},
		"Lowercase passport should fail": {
			mutate: func(a *model.Applicant) { a.PassportNumber = "ab1234567" },
			expErr: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			a := valid()
			test.mutate(&a)

			err := a.Validate()
			if test.expErr {
				assert.ErrorIs(t, err, model.ErrInvalidInput)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRejectionStatus(t *testing.T) {
	require := require.New(t)

	err := fmt.Errorf("could not generate otp: %w", &model.RejectionError{
		Status: model.ApplicantPassportUsed,
		Reason: "passport number already exists",
	})

	status, ok := model.RejectionStatus(err)
	require.True(ok)
	require.Equal(model.ApplicantPassportUsed, status)
	require.True(errors.Is(err, model.ErrRejected))

	_, ok = model.RejectionStatus(errors.New("boom"))
	require.False(ok)
}

func TestInputFieldStatuses(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(model.TaskWaitingOTP, model.InputOTP.WaitingStatus())
	assert.Equal(model.TaskWaitingPassword, model.InputTempPassword.WaitingStatus())
	assert.Equal(model.TaskWaitingPassword, model.InputNewPassword.WaitingStatus())
	assert.Equal(model.TaskWaitingDataProtection, model.InputDataProtectionURL.WaitingStatus())
	assert.True(model.InputOTP.SingleUse())
	assert.False(model.InputNewPassword.SingleUse())

	otp := "123456"
	task := model.Task{OTP: &otp}
	assert.Equal("123456", task.Input(model.InputOTP))
	assert.Equal("", task.Input(model.InputTempPassword))
}
