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

// Package flow holds the per-page procedures that drive the visa portal.
// Every handler leaves the browser on the page the next one expects and
// reports whether the workflow may go on, failed, or needs operator input.
package flow

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"visaworker/src/browser"
	"visaworker/src/captcha"
	"visaworker/src/config"
	"visaworker/src/logging"
	"visaworker/src/model"
)

type Outcome int

const (
	Proceed Outcome = iota
	Failed
	AwaitingInput
)

func (o Outcome) String() string {
	switch o {
	case Proceed:
		return "proceed"
	case Failed:
		return "failed"
	case AwaitingInput:
		return "awaiting_input"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Result is what a handler hands back to the state machine.
type Result struct {
	Outcome  Outcome
	Awaiting model.InputField
	Err      error
}

func Next() Result { return Result{Outcome: Proceed} }

func Fail(err error) Result { return Result{Outcome: Failed, Err: err} }

func Await(field model.InputField) Result {
	return Result{Outcome: AwaitingInput, Awaiting: field}
}

// State is the execution data shared by the handlers of one run.
type State struct {
	Flow      model.Flow
	Applicant *model.Applicant
	// Task is re-read by the state machine before every phase so operator
	// input is always fresh.
	Task *model.Task
	// Appointment is set once a slot has been booked.
	Appointment *model.AppointmentResult
}

func (s *State) input(field model.InputField) string {
	if s.Task == nil {
		return ""
	}
	return strings.TrimSpace(s.Task.Input(field))
}

// loginPassword is the field holding the password the account currently
// accepts: the emailed one until registration rotates it.
func (s *State) loginPassword() model.InputField {
	if s.Flow == model.FlowBook {
		return model.InputNewPassword
	}
	return model.InputTempPassword
}

// Handler is the signature shared by every page procedure.
type Handler func(ctx context.Context, b browser.Browser, s *State) Result

// Portal drives one portal profile.
type Portal struct {
	profile *config.Profile
	solver  *captcha.Solver
	poll    time.Duration
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewPortal(profile *config.Profile, solver *captcha.Solver) *Portal {
	return &Portal{
		profile: profile,
		solver:  solver,
		poll:    250 * time.Millisecond,
		sleep:   sleepContext,
	}
}

func (p *Portal) Profile() *config.Profile { return p.profile }

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// humanPause waits a random time inside the profile's human delay window.
func (p *Portal) humanPause(ctx context.Context) error {
	lo, hi := p.profile.Timing.HumanDelayMin, p.profile.Timing.HumanDelayMax
	d := lo
	if hi > lo {
		d += time.Duration(rand.Int64N(int64(hi - lo)))
	}
	return p.sleep(ctx, d)
}

// waitUntil polls cond for roughly timeout.
func (p *Portal) waitUntil(ctx context.Context, timeout time.Duration, cond func() bool) bool {
	rounds := int(timeout / p.poll)
	for i := 0; ; i++ {
		if cond() {
			return true
		}
		if i >= rounds {
			return false
		}
		if err := p.sleep(ctx, p.poll); err != nil {
			return false
		}
	}
}

func (p *Portal) waitURL(ctx context.Context, b browser.Browser, fragment string, timeout time.Duration) bool {
	fragment = strings.ToLower(fragment)
	return p.waitUntil(ctx, timeout, func() bool {
		return strings.Contains(strings.ToLower(b.URL()), fragment)
	})
}

func (p *Portal) waitURLLeaves(ctx context.Context, b browser.Browser, fragment string, timeout time.Duration) bool {
	fragment = strings.ToLower(fragment)
	return p.waitUntil(ctx, timeout, func() bool {
		return !strings.Contains(strings.ToLower(b.URL()), fragment)
	})
}

func (p *Portal) onPage(b browser.Browser, fragment string) bool {
	return strings.Contains(strings.ToLower(b.URL()), strings.ToLower(fragment))
}

func (p *Portal) navigate(ctx context.Context, b browser.Browser, path string) error {
	url := path
	if strings.HasPrefix(path, "/") {
		url = p.profile.URL(path)
	}
	if err := b.Navigate(ctx, url); err != nil {
		return fmt.Errorf("could not open %s: %w", url, err)
	}
	return nil
}

// openPage navigates to path and recovers from the portal's rate limit page
// and from a dropped session sending the browser back to login. Each
// recovery reopens path, up to the profile's page recovery limit.
func (p *Portal) openPage(ctx context.Context, b browser.Browser, s *State, path string) Result {
	for recovery := 0; ; recovery++ {
		if err := p.navigate(ctx, b, path); err != nil {
			return Fail(err)
		}
		p.dismissConsent(ctx, b)

		limited := pageSays(b, p.profile.Texts.TooManyRequests)
		signedOut := !strings.EqualFold(path, p.profile.Paths.Login) && p.onPage(b, p.profile.Paths.Login)
		if !limited && !signedOut {
			return Next()
		}
		if recovery >= p.profile.Limits.PageRecoveries {
			return Fail(fmt.Errorf("could not open %s after %d recoveries, on %s", path, recovery, b.URL()))
		}

		if limited {
			logging.Log(fmt.Sprintf("Rate limited opening %s, backing off %s", path, p.profile.Timing.RateLimitBackoff), slog.LevelWarn)
			if err := p.sleep(ctx, p.profile.Timing.RateLimitBackoff); err != nil {
				return Fail(err)
			}
			continue
		}
		if res := p.reauthenticate(ctx, b, s); res.Outcome != Proceed {
			return res
		}
	}
}

// dismissConsent accepts cookie banners and the data protection modal when
// they show up. Their absence is never an error.
func (p *Portal) dismissConsent(ctx context.Context, b browser.Browser) {
	if err := p.sleep(ctx, p.profile.Timing.Settle); err != nil {
		return
	}
	v, err := b.Evaluate(dismissConsentScript)
	if err != nil {
		logging.Log(fmt.Sprintf("Consent handling skipped: %v", err), slog.LevelDebug)
		return
	}
	if done, _ := v.(bool); done {
		logging.Log("Consent banner accepted", slog.LevelDebug)
	}
}

// pageSays reports whether the page text contains any of the phrases.
func pageSays(b browser.Browser, phrases ...string) bool {
	content := strings.ToLower(b.Content())
	for _, phrase := range phrases {
		if phrase != "" && strings.Contains(content, strings.ToLower(phrase)) {
			return true
		}
	}
	return false
}

func fillSelector(b browser.Surface, selector, value string) bool {
	v, err := b.Evaluate(fillSelectorScript, []interface{}{selector, value})
	if err != nil {
		logging.Log(fmt.Sprintf("Filling %s failed: %v", selector, err), slog.LevelDebug)
		return false
	}
	ok, _ := v.(bool)
	return ok
}

func visibleText(b browser.Surface, selector string) string {
	v, err := b.Evaluate(visibleTextScript, selector)
	if err != nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

func (p *Portal) captchaAttempt(doc browser.Surface, b browser.Browser, attempts int) captcha.Attempt {
	return captcha.Attempt{
		Surface:       doc,
		Dialogs:       b,
		MaxAttempts:   attempts,
		Settle:        p.profile.Timing.Settle,
		IncorrectText: p.profile.Texts.IncorrectCaptcha,
	}
}
