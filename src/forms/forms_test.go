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

package forms_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visaworker/src/forms"
	"visaworker/src/model"
)

type call struct {
	kind  string
	id    string
	value string
}

type recorder struct {
	calls []call
	fail  map[string]bool
}

func (r *recorder) FillField(_ context.Context, id, value string) bool {
	r.calls = append(r.calls, call{"text", id, value})
	return !r.fail[id]
}

func (r *recorder) SelectDropdown(_ context.Context, id, label string) bool {
	r.calls = append(r.calls, call{"dropdown", id, label})
	return !r.fail[id]
}

func (r *recorder) FillDate(_ context.Context, id, value string) bool {
	r.calls = append(r.calls, call{"date", id, value})
	return !r.fail[id]
}

func date(s string) *time.Time {
	t, _ := time.Parse("2006-01-02", s)
	return &t
}

func applicant() *model.Applicant {
	return &model.Applicant{
		FirstName:          "Salma",
		LastName:           "Bennani",
		Email:              "salma@example.com",
		Phone:              "+212612345678",
		BirthDate:          date("1994-03-09"),
		PassportNumber:     "AB1234567",
		PassportType:       "refugee",
		PassportIssueDate:  date("2020-01-15"),
		PassportExpiryDate: date("2030-01-14"),
		PassportIssuePlace: "Rabat",
	}
}

func TestRegistrationFields(t *testing.T) {
	require := require.New(t)
	r := &recorder{}

	ok := forms.Fill(context.Background(), r, forms.Registration(applicant(), "Morocco"))
	require.True(ok)

	exp := []call{
		{"text", "SurName", "Bennani"},
		{"text", "FirstName", "Salma"},
		{"text", "LastName", "Salma"},
		{"date", "DateOfBirth", "1994-03-09"},
		{"text", "ppNo", "AB1234567"},
		{"date", "PassportIssueDate", "2020-01-15"},
		{"date", "PassportExpiryDate", "2030-01-14"},
		{"dropdown", "PassportType", "Refugee Travel Document (Geneva Convention)"},
		{"text", "IssuePlace", "Rabat"},
		{"dropdown", "CountryOfResidence", "Morocco"},
		{"text", "Mobile", "612345678"},
		{"text", "Email", "salma@example.com"},
	}
	require.Equal(exp, r.calls)
}

func TestFillReportsRequiredFailures(t *testing.T) {
	tests := map[string]struct {
		mutate func(a *model.Applicant)
		fail   map[string]bool
		exp    bool
	}{
		"Complete applicant fills": {
			exp: true,
		},
		"Missing birth date fails": {
			mutate: func(a *model.Applicant) { a.BirthDate = nil },
			exp:    false,
		},
		"Widget refusing a value fails": {
			fail: map[string]bool{"PassportType": true},
			exp:  false,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			a := applicant()
			if test.mutate != nil {
				test.mutate(a)
			}
			r := &recorder{fail: test.fail}
			assert.Equal(t, test.exp, forms.Fill(context.Background(), r, forms.Registration(a, "Morocco")))
		})
	}
}

func TestProfileSkipsEmptyOptionalFields(t *testing.T) {
	require := require.New(t)
	a := applicant()
	a.Gender = "Female"
	a.PurposeOfJourney = "Tourism"
	r := &recorder{fail: map[string]bool{"GenderId": true}}

	ok := forms.Fill(context.Background(), r, forms.Profile(a))
	require.True(ok)

	ids := []string{}
	for _, c := range r.calls {
		ids = append(ids, c.id)
	}
	require.Equal([]string{
		"GenderId", "PassportNo", "PassportType", "IssueDate", "ExpiryDate", "IssuePlace", "PurposeOfJourneyId",
	}, ids)
}

func TestPassportTypeLabel(t *testing.T) {
	tests := map[string]struct {
		code string
		exp  string
	}{
		"Ordinary":            {code: "ordinary", exp: "Ordinary Passport"},
		"Stateless":           {code: "apatridas", exp: "D. Viaje Apatridas C. New York"},
		"Government":          {code: "government", exp: "Government official on duty"},
		"UN":                  {code: "un", exp: "UN laissez-passer"},
		"Unknown defaults":    {code: "galactic", exp: "Ordinary Passport"},
		"Empty code defaults": {code: "", exp: "Ordinary Passport"},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, test.exp, forms.PassportTypeLabel(test.code))
		})
	}
}

func TestAppointmentLabels(t *testing.T) {
	assert := assert.New(t)

	l, ok := forms.LocationLabel("casa")
	assert.True(ok)
	assert.Equal("Casablanca", l)

	l, ok = forms.VisaTypeLabel("sch")
	assert.True(ok)
	assert.Equal("Schengen Visa", l)

	l, ok = forms.VisaSubTypeLabel("casa2")
	assert.True(ok)
	assert.Equal("Casa 2", l)

	l, ok = forms.CategoryLabel("prime_time")
	assert.True(ok)
	assert.Equal("Prime Time", l)

	_, ok = forms.LocationLabel("paris")
	assert.False(ok)
}

func TestLocalMobile(t *testing.T) {
	assert.Equal(t, "612345678", forms.LocalMobile("+212612345678"))
	assert.Equal(t, "0612345678", forms.LocalMobile("0612345678"))
}
