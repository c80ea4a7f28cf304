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
	"regexp"
	"time"
)

type ApplicantStatus string

const (
	ApplicantPending               ApplicantStatus = "pending"
	ApplicantProcessing            ApplicantStatus = "processing"
	ApplicantWaitingOTP            ApplicantStatus = "waiting_otp"
	ApplicantWaitingPassword       ApplicantStatus = "waiting_password"
	ApplicantWaitingDataProtection ApplicantStatus = "waiting_data_protection"
	ApplicantInscriptionSet        ApplicantStatus = "inscription_set"
	ApplicantConnected             ApplicantStatus = "connected"
	ApplicantAppointmentBooked     ApplicantStatus = "appointment_booked"
	ApplicantFailed                ApplicantStatus = "failed"
	ApplicantPassportUsed          ApplicantStatus = "passport_already_used"
	ApplicantMobileUsed            ApplicantStatus = "mobile_number_already_used"
)

// Organisation owns applicants and supplies the proxy their sessions go out through.
type Organisation struct {
	ID    string `json:"id" yaml:"id"`
	Name  string `json:"name" yaml:"name"`
	Proxy string `json:"proxy,omitempty" yaml:"proxy"`
}

// Applicant is the profile the form fillers read.
type Applicant struct {
	ID             string `json:"id" yaml:"id"`
	OrganisationID string `json:"organisation_id,omitempty" yaml:"organisation_id"`
	Proxy          string `json:"-" yaml:"-"`

	FirstName     string     `json:"first_name" yaml:"first_name"`
	LastName      string     `json:"last_name" yaml:"last_name"`
	Email         string     `json:"email" yaml:"email"`
	Phone         string     `json:"phone" yaml:"phone"`
	BirthDate     *time.Time `json:"birth_date,omitempty" yaml:"birth_date"`
	BirthPlace    string     `json:"birth_place,omitempty" yaml:"birth_place"`
	Gender        string     `json:"gender,omitempty" yaml:"gender"`
	MaritalStatus string     `json:"marital_status,omitempty" yaml:"marital_status"`

	PassportNumber     string     `json:"passport_number" yaml:"passport_number"`
	PassportType       string     `json:"passport_type,omitempty" yaml:"passport_type"`
	PassportIssueDate  *time.Time `json:"passport_issue_date,omitempty" yaml:"passport_issue_date"`
	PassportExpiryDate *time.Time `json:"passport_expiry_date,omitempty" yaml:"passport_expiry_date"`
	PassportIssuePlace string     `json:"passport_issue_place,omitempty" yaml:"passport_issue_place"`

	TravelDate                   *time.Time `json:"travel_date,omitempty" yaml:"travel_date"`
	PurposeOfJourney             string     `json:"purpose_of_journey,omitempty" yaml:"purpose_of_journey"`
	MemberStateDestination       string     `json:"member_state_destination,omitempty" yaml:"member_state_destination"`
	MemberStateFirstEntry        string     `json:"member_state_first_entry,omitempty" yaml:"member_state_first_entry"`
	MemberStateSecondDestination string     `json:"member_state_second_destination,omitempty" yaml:"member_state_second_destination"`

	Location    string `json:"location,omitempty" yaml:"location"`
	VisaType    string `json:"visa_type,omitempty" yaml:"visa_type"`
	VisaSubType string `json:"visa_sub_type,omitempty" yaml:"visa_sub_type"`
	Category    string `json:"category,omitempty" yaml:"category"`

	Status             ApplicantStatus `json:"status" yaml:"-"`
	AppointmentDate    *time.Time      `json:"appointment_date,omitempty" yaml:"-"`
	AppointmentDetails string          `json:"appointment_details,omitempty" yaml:"-"`
}

var (
	phonePattern    = regexp.MustCompile(`^\+212[5-7][0-9]{8}$`)
	passportPattern = regexp.MustCompile(`^[A-Z]{2}\d{7}$`)
)

// Validate checks the fields the portal rejects outright.
func (a *Applicant) Validate() error {
	if a.FirstName == "" || a.LastName == "" {
		return fmt.Errorf("%w: first and last name are required", ErrInvalidInput)
	}
	if a.Email == "" {
		return fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	if !phonePattern.MatchString(a.Phone) {
		return fmt.Errorf("%w: phone %q must look like +212XXXXXXXXX", ErrInvalidInput, a.Phone)
	}
	if !passportPattern.MatchString(a.PassportNumber) {
		return fmt.Errorf("%w: passport number %q must be two letters followed by 7 digits", ErrInvalidInput, a.PassportNumber)
	}
	return nil
}
