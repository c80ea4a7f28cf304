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

// Package forms maps an applicant onto the portal's registration and profile forms.
package forms

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"visaworker/src/logging"
	"visaworker/src/model"
)

const dateLayout = "2006-01-02"

const mobilePrefix = "+212"

type Kind int

const (
	Text Kind = iota
	Dropdown
	Date
)

func (k Kind) String() string {
	switch k {
	case Dropdown:
		return "dropdown"
	case Date:
		return "date"
	default:
		return "text"
	}
}

// Field is one form control and the value it should end up holding.
type Field struct {
	ID    string
	Value string
	Kind  Kind
	// Optional fields are skipped when empty and do not fail the form.
	Optional bool
}

// Filler is the part of a page the fillers write through.
type Filler interface {
	FillField(ctx context.Context, id, value string) bool
	SelectDropdown(ctx context.Context, id, label string) bool
	FillDate(ctx context.Context, id, value string) bool
}

// Registration lists the account registration form for an applicant.
func Registration(a *model.Applicant, countryOfResidence string) []Field {
	return []Field{
		{ID: "SurName", Value: a.LastName},
		{ID: "FirstName", Value: a.FirstName},
		{ID: "LastName", Value: a.FirstName},
		{ID: "DateOfBirth", Value: formatDate(a.BirthDate), Kind: Date},
		{ID: "ppNo", Value: a.PassportNumber},
		{ID: "PassportIssueDate", Value: formatDate(a.PassportIssueDate), Kind: Date},
		{ID: "PassportExpiryDate", Value: formatDate(a.PassportExpiryDate), Kind: Date},
		{ID: "PassportType", Value: PassportTypeLabel(a.PassportType), Kind: Dropdown},
		{ID: "IssuePlace", Value: a.PassportIssuePlace},
		{ID: "CountryOfResidence", Value: countryOfResidence, Kind: Dropdown},
		{ID: "Mobile", Value: LocalMobile(a.Phone)},
		{ID: "Email", Value: a.Email},
	}
}

// Profile lists the applicant details form opened from the appointments page.
func Profile(a *model.Applicant) []Field {
	return []Field{
		{ID: "PlaceOfBirth", Value: a.BirthPlace, Optional: true},
		{ID: "GenderId", Value: a.Gender, Kind: Dropdown, Optional: true},
		{ID: "MaritalStatusId", Value: a.MaritalStatus, Kind: Dropdown, Optional: true},
		{ID: "PassportNo", Value: a.PassportNumber, Optional: true},
		{ID: "PassportType", Value: PassportTypeLabel(a.PassportType), Kind: Dropdown, Optional: true},
		{ID: "IssueDate", Value: formatDate(a.PassportIssueDate), Kind: Date, Optional: true},
		{ID: "ExpiryDate", Value: formatDate(a.PassportExpiryDate), Kind: Date, Optional: true},
		{ID: "IssuePlace", Value: a.PassportIssuePlace, Optional: true},
		{ID: "TravelDate", Value: formatDate(a.TravelDate), Kind: Date, Optional: true},
		{ID: "PurposeOfJourneyId", Value: a.PurposeOfJourney, Kind: Dropdown, Optional: true},
		{ID: "MemberStateDestinationId", Value: a.MemberStateDestination, Kind: Dropdown, Optional: true},
		{ID: "MemberStateFirstEntryId", Value: a.MemberStateFirstEntry, Kind: Dropdown, Optional: true},
		{ID: "MemberStateSecondDestinationId", Value: a.MemberStateSecondDestination, Kind: Dropdown, Optional: true},
	}
}

// Fill writes every field in order. It reports false when a required field
// is empty or could not be set; optional failures are only logged.
func Fill(ctx context.Context, f Filler, fields []Field) bool {
	ok := true
	for _, field := range fields {
		if ctx.Err() != nil {
			return false
		}
		if field.Value == "" {
			if field.Optional {
				logging.Log(fmt.Sprintf("Field %s is empty, skipping", field.ID), slog.LevelDebug)
				continue
			}
			logging.Log(fmt.Sprintf("Required field %s has no value", field.ID), slog.LevelError)
			ok = false
			continue
		}

		var set bool
		switch field.Kind {
		case Dropdown:
			set = f.SelectDropdown(ctx, field.ID, field.Value)
		case Date:
			set = f.FillDate(ctx, field.ID, field.Value)
		default:
			set = f.FillField(ctx, field.ID, field.Value)
		}
		if set {
			continue
		}
		if field.Optional {
			logging.Log(fmt.Sprintf("Could not set %s field %s to %q", field.Kind, field.ID, field.Value), slog.LevelWarn)
			continue
		}
		logging.Log(fmt.Sprintf("Could not set required %s field %s", field.Kind, field.ID), slog.LevelError)
		ok = false
	}
	return ok
}

// LocalMobile strips the country dialling code the Mobile field does not take.
func LocalMobile(phone string) string {
	return strings.TrimPrefix(strings.TrimSpace(phone), mobilePrefix)
}

func formatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(dateLayout)
}
