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

package processor

import (
	"context"

	"visaworker/src/browser"
	"visaworker/src/flow"
	"visaworker/src/model"
)

// Phase is one named step of a flow.
type Phase struct {
	Name string
	Run  flow.Handler
	// Durable phases leave state on the portal. Once recorded as the task
	// checkpoint a later run does not repeat them.
	Durable bool
	// Session phases build browser state (a signed in page) and run on every
	// execution, even when the checkpoint is past them.
	Session bool
	// Consumes names the single use input the phase reads. Input carried into
	// a run is cleared once such a phase proceeds.
	Consumes []model.InputField
}

// Flow is the ordered phase list of one workflow and the applicant status it
// ends in.
type Flow struct {
	Kind    model.Flow
	Phases  []Phase
	Success model.ApplicantStatus
}

// Chain runs handlers in order and stops at the first that does not proceed.
func Chain(handlers ...flow.Handler) flow.Handler {
	return func(ctx context.Context, b browser.Browser, s *flow.State) flow.Result {
		for _, h := range handlers {
			if res := h(ctx, b, s); res.Outcome != flow.Proceed {
				return res
			}
		}
		return flow.Next()
	}
}

// DefaultFlows wires the portal handlers into the register and book flows.
func DefaultFlows(p *flow.Portal) map[model.Flow]Flow {
	return map[model.Flow]Flow{
		model.FlowRegister: {
			Kind:    model.FlowRegister,
			Success: model.ApplicantInscriptionSet,
			Phases: []Phase{
				{Name: "registration", Run: Chain(p.InitializeSession, p.StartRegistration, p.WaitForForm, p.FillRegistration, p.SubmitRegistration)},
				{Name: "request_otp", Run: p.GenerateOTP},
				{Name: "enter_otp", Run: p.EnterOTP, Durable: true, Consumes: []model.InputField{model.InputOTP}},
				{Name: "login_email", Run: p.Login, Session: true},
				{Name: "temp_password", Run: p.PasswordLogin, Session: true},
				{Name: "change_password", Run: p.ChangePassword, Durable: true},
			},
		},
		model.FlowBook: {
			Kind:    model.FlowBook,
			Success: model.ApplicantAppointmentBooked,
			Phases: []Phase{
				{Name: "login_email", Run: p.Login, Session: true},
				{Name: "password_login", Run: p.PasswordLogin, Session: true},
				{Name: "applicant_details", Run: Chain(p.OpenApplicantManagement, p.FillApplicantProfile), Durable: true},
				{Name: "data_protection", Run: p.ConfirmDataProtection, Consumes: []model.InputField{model.InputDataProtectionURL}},
				{Name: "visa_type", Run: p.SelectVisaType},
				{Name: "slot", Run: p.BookSlot},
			},
		},
	}
}

// resumeAt returns the index of the first phase after the checkpoint, or 0
// when the checkpoint does not belong to this flow.
func resumeAt(phases []Phase, checkpoint string) int {
	if checkpoint == "" {
		return 0
	}
	for i, ph := range phases {
		if ph.Durable && ph.Name == checkpoint {
			return i + 1
		}
	}
	return 0
}
