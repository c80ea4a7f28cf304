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

package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"visaworker/src/browser"
	"visaworker/src/captcha"
	"visaworker/src/forms"
	"visaworker/src/logging"
	"visaworker/src/model"
)

const shortWait = 5 * time.Second

// InitializeSession opens the appointment entry page once so the portal
// hands out its session cookies, then lingers like a reader would.
func (p *Portal) InitializeSession(ctx context.Context, b browser.Browser, s *State) Result {
	if res := p.openPage(ctx, b, s, p.profile.Paths.NewAppointment); res.Outcome != Proceed {
		return res
	}
	if err := p.humanPause(ctx); err != nil {
		return Fail(err)
	}
	logging.Log(fmt.Sprintf("Portal session initialised on %s", b.URL()), slog.LevelInfo)
	return Next()
}

func (p *Portal) StartRegistration(ctx context.Context, b browser.Browser, s *State) Result {
	if res := p.openPage(ctx, b, s, p.profile.Paths.Register); res.Outcome != Proceed {
		return res
	}
	logging.Log(fmt.Sprintf("Registration page opened: %s", b.URL()), slog.LevelInfo)
	return Next()
}

func (p *Portal) WaitForForm(ctx context.Context, b browser.Browser, s *State) Result {
	if !b.WaitPresent(ctx, selRegistrationForm, p.profile.PageTimeout) {
		return Fail(errors.New("registration form did not load"))
	}
	return Next()
}

func (p *Portal) FillRegistration(ctx context.Context, b browser.Browser, s *State) Result {
	if !forms.Fill(ctx, b, forms.Registration(s.Applicant, p.profile.CountryOfResidence)) {
		return Fail(errors.New("could not fill the registration form"))
	}
	logging.Log(fmt.Sprintf("Registration form filled for applicant %s", s.Applicant.ID), slog.LevelInfo)
	return Next()
}

// SubmitRegistration presses Verify and clears the image challenge that
// opens in a window frame. An alert after submitting means a wrong answer.
func (p *Portal) SubmitRegistration(ctx context.Context, b browser.Browser, s *State) Result {
	if !b.WaitVisible(ctx, selVerify, p.profile.Timing.ElementTimeout) || !b.Click(selVerify) {
		return Fail(errors.New("verify button not clickable"))
	}
	if !b.WaitPresent(ctx, selCaptchaFrame, p.profile.Timing.ElementTimeout) {
		logging.Log("No captcha frame after verify, assuming it was already solved", slog.LevelInfo)
		return Next()
	}
	frame, err := b.Frame(ctx, selCaptchaFrame)
	if err != nil {
		return Fail(fmt.Errorf("could not enter captcha frame: %w", err))
	}
	if !frame.WaitPresent(ctx, captcha.ChallengeSelector, p.profile.Timing.ElementTimeout) {
		return Fail(errors.New("captcha challenge did not load"))
	}
	if !frame.Visible(captcha.ChallengeSelector) {
		return Next()
	}

	attempt := p.captchaAttempt(frame, b, p.profile.Limits.RegistrationCaptchaAttempts)
	attempt.Submit = true
	// No incorrect-answer alert after submitting means the answer was taken.
	attempt.Solved = func() bool { return true }
	if err := p.solver.SolveWithRetry(ctx, attempt); err != nil {
		return Fail(err)
	}
	logging.Log("Registration captcha solved", slog.LevelInfo)
	return Next()
}

// GenerateOTP asks the portal to email the one time code. Validation errors
// shown at this point are the portal refusing the applicant's data.
func (p *Portal) GenerateOTP(ctx context.Context, b browser.Browser, s *State) Result {
	_, _ = b.Evaluate(scrollDownScript)
	if !b.WaitVisible(ctx, selGenerateOTP, p.profile.Timing.ElementTimeout) || !b.Click(selGenerateOTP) {
		return Fail(errors.New("generate OTP button not clickable"))
	}
	logging.Log("Generate OTP clicked", slog.LevelInfo)

	if b.WaitVisible(ctx, selValidation, shortWait) {
		var messages []string
		if err := browser.EvalJSON(b, &messages, validationErrorsScript, selValidation); err != nil {
			return Fail(fmt.Errorf("could not read validation errors: %w", err))
		}
		if len(messages) > 0 {
			return Fail(p.classifyValidation(messages))
		}
	}

	if p.waitUntil(ctx, shortWait, func() bool {
		v, err := b.Evaluate(closeOTPModalScript)
		closed, _ := v.(bool)
		return err == nil && closed
	}) {
		logging.Log("OTP confirmation modal closed", slog.LevelDebug)
	}
	return Next()
}

func (p *Portal) classifyValidation(messages []string) error {
	for _, msg := range messages {
		logging.Log(fmt.Sprintf("Portal validation error: %s", msg), slog.LevelError)
		lower := strings.ToLower(msg)
		switch {
		case p.profile.Texts.PassportUsed != "" && strings.Contains(lower, strings.ToLower(p.profile.Texts.PassportUsed)):
			return &model.RejectionError{Status: model.ApplicantPassportUsed, Reason: msg}
		case p.profile.Texts.MobileUsed != "" && strings.Contains(lower, strings.ToLower(p.profile.Texts.MobileUsed)):
			return &model.RejectionError{Status: model.ApplicantMobileUsed, Reason: msg}
		}
	}
	return &model.RejectionError{Status: model.ApplicantFailed, Reason: strings.Join(messages, "; ")}
}

// EnterOTP types the operator supplied code and follows the portal to its
// login page.
func (p *Portal) EnterOTP(ctx context.Context, b browser.Browser, s *State) Result {
	otp := s.input(model.InputOTP)
	if otp == "" {
		return Await(model.InputOTP)
	}
	if !b.FillField(ctx, selOTPInput, otp) {
		return Fail(errors.New("OTP field not found"))
	}
	if !b.WaitVisible(ctx, selSubmit, p.profile.Timing.ElementTimeout) || !b.Click(selSubmit) {
		return Fail(errors.New("OTP submit button not clickable"))
	}
	logging.Log("OTP submitted", slog.LevelInfo)

	if b.ClickIfPresent(ctx, selContinueToLogin, 2*shortWait) {
		return Next()
	}
	if p.onPage(b, p.profile.Paths.Login) {
		return Next()
	}
	if msg := visibleText(b, selOTPError); msg != "" {
		return Fail(fmt.Errorf("OTP not accepted: %s", msg))
	}
	return Fail(errors.New("no redirect to the login page after OTP"))
}
