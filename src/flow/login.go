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

	"visaworker/src/browser"
	"visaworker/src/captcha"
	"visaworker/src/logging"
	"visaworker/src/model"
)

// Login runs the email step of the portal's two step sign in.
func (p *Portal) Login(ctx context.Context, b browser.Browser, s *State) Result {
	if !p.onPage(b, p.profile.Paths.Login) {
		if err := p.navigate(ctx, b, p.profile.Paths.Login); err != nil {
			return Fail(err)
		}
	}
	if !p.waitURL(ctx, b, p.profile.Paths.Login, p.profile.PageTimeout) {
		return Fail(fmt.Errorf("login page not reached, on %s", b.URL()))
	}
	p.dismissConsent(ctx, b)

	if !b.WaitVisible(ctx, selLoginEmail, p.profile.Timing.ElementTimeout) {
		return Fail(errors.New("login email field not found"))
	}
	if !fillSelector(b, selLoginEmail, s.Applicant.Email) {
		return Fail(errors.New("no usable login email field"))
	}
	if !b.WaitVisible(ctx, selVerify, p.profile.Timing.ElementTimeout) || !b.Click(selVerify) {
		return Fail(errors.New("login verify button not clickable"))
	}
	logging.Log(fmt.Sprintf("Login email submitted for %s", s.Applicant.Email), slog.LevelInfo)
	return Next()
}

// PasswordLogin enters the account password and solves the challenge shown
// with it. A wrong password ends the run; a wrong challenge is retried.
func (p *Portal) PasswordLogin(ctx context.Context, b browser.Browser, s *State) Result {
	field := s.loginPassword()
	password := s.input(field)
	if password == "" {
		if s.Flow == model.FlowBook {
			return Fail(fmt.Errorf("%w: booking requires new_password", model.ErrInvalidInput))
		}
		return Await(field)
	}

	if !b.WaitVisible(ctx, selPassword, p.profile.PageTimeout) {
		return Fail(errors.New("password field not shown"))
	}

	attempts := p.profile.Limits.LoginAttempts
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return Fail(ctx.Err())
		}
		logging.Log(fmt.Sprintf("Password login attempt %d/%d", i+1, attempts), slog.LevelInfo)

		if !fillSelector(b, selPassword, password) {
			return Fail(errors.New("password field not writable"))
		}
		if b.Visible(captcha.ChallengeSelector) {
			if _, err := p.solver.Solve(ctx, b, false); err != nil {
				logging.Log(fmt.Sprintf("Login captcha attempt %d failed: %v", i+1, err), slog.LevelWarn)
				if err := b.Reload(ctx); err != nil {
					return Fail(err)
				}
				b.WaitVisible(ctx, selPassword, p.profile.Timing.ElementTimeout)
				continue
			}
		}
		b.ClickIfPresent(ctx, selVerify, shortWait)

		if p.waitURLLeaves(ctx, b, p.profile.Paths.Login, shortWait) {
			logging.Log("Password login succeeded", slog.LevelInfo)
			return Next()
		}
		if msg := visibleText(b, selLoginError); msg != "" {
			logging.Log(fmt.Sprintf("Login error: %s", msg), slog.LevelError)
			lower := strings.ToLower(msg)
			for _, text := range p.profile.Texts.InvalidPassword {
				if strings.Contains(lower, strings.ToLower(text)) {
					return Fail(&model.RejectionError{Status: model.ApplicantFailed, Reason: msg})
				}
			}
		}
	}
	return Fail(fmt.Errorf("login failed after %d attempts", attempts))
}

// ChangePassword replaces the emailed password with the operator's choice.
func (p *Portal) ChangePassword(ctx context.Context, b browser.Browser, s *State) Result {
	current := s.input(model.InputTempPassword)
	if current == "" {
		return Await(model.InputTempPassword)
	}
	next := s.input(model.InputNewPassword)
	if next == "" {
		return Await(model.InputNewPassword)
	}

	if !p.waitURL(ctx, b, p.profile.Paths.ChangePassword, p.profile.PageTimeout) {
		return Fail(fmt.Errorf("change password page not reached, on %s", b.URL()))
	}
	if !b.WaitVisible(ctx, selCurrentPassword, p.profile.Timing.ElementTimeout) {
		return Fail(errors.New("change password form not shown"))
	}
	if !fillSelector(b, selCurrentPassword, current) ||
		!fillSelector(b, selNewPassword, next) ||
		!fillSelector(b, selConfirmPassword, next) {
		return Fail(errors.New("could not fill the change password form"))
	}

	submit := fmt.Sprintf("form[action='%s'] button[type='submit']", p.profile.Paths.ChangePassword)
	if !b.Click(submit) {
		return Fail(errors.New("change password submit not clickable"))
	}
	if !p.waitURL(ctx, b, p.profile.Paths.MyAppointments, 3*shortWait) {
		return Fail(errors.New("password change was not confirmed"))
	}
	logging.Log("Password changed", slog.LevelInfo)
	return Next()
}

// reauthenticate signs back in after the portal dropped the session.
func (p *Portal) reauthenticate(ctx context.Context, b browser.Browser, s *State) Result {
	logging.Log("Redirected to login, signing in again", slog.LevelInfo)
	if res := p.Login(ctx, b, s); res.Outcome != Proceed {
		return res
	}
	return p.PasswordLogin(ctx, b, s)
}
