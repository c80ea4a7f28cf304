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
	"regexp"
	"strings"
	"time"

	"visaworker/src/browser"
	"visaworker/src/captcha"
	"visaworker/src/forms"
	"visaworker/src/logging"
	"visaworker/src/model"
)

var manageApplicantPattern = regexp.MustCompile(`ManageApplicant\('([^']+)'`)

// OpenApplicantManagement opens the applicant edit window from the
// appointments dashboard and picks the location and visa type it asks for.
func (p *Portal) OpenApplicantManagement(ctx context.Context, b browser.Browser, s *State) Result {
	if res := p.openPage(ctx, b, s, p.profile.Paths.MyAppointments); res.Outcome != Proceed {
		return res
	}

	if !b.WaitVisible(ctx, selEditApplicant, p.profile.Timing.ElementTimeout) {
		return Fail(errors.New("edit applicant link not found"))
	}
	v, err := b.Evaluate(attributeScript, []interface{}{selEditApplicant, "onclick"})
	if err != nil {
		return Fail(fmt.Errorf("could not read edit applicant link: %w", err))
	}
	onclick, _ := v.(string)
	m := manageApplicantPattern.FindStringSubmatch(onclick)
	if m == nil {
		return Fail(fmt.Errorf("no applicant id in %q", onclick))
	}
	if v, err := b.Evaluate(manageApplicantScript, m[1]); err != nil || v != true {
		return Fail(fmt.Errorf("could not open applicant %s", m[1]))
	}
	logging.Log(fmt.Sprintf("Applicant window opened for portal id %s", m[1]), slog.LevelInfo)

	if !b.WaitVisible(ctx, selApplicantWindow, p.profile.Timing.ElementTimeout) {
		return Fail(errors.New("applicant window did not open"))
	}

	location, ok := forms.LocationLabel(s.Applicant.Location)
	if !ok {
		return Fail(fmt.Errorf("%w: unknown location %q", model.ErrInvalidInput, s.Applicant.Location))
	}
	if !b.SelectDropdown(ctx, "LocationId", location) {
		return Fail(fmt.Errorf("could not select location %s", location))
	}
	visa, ok := forms.VisaTypeLabel(s.Applicant.VisaType)
	if !ok {
		return Fail(fmt.Errorf("%w: unknown visa type %q", model.ErrInvalidInput, s.Applicant.VisaType))
	}
	if !b.SelectDropdown(ctx, "VisaType", visa) {
		return Fail(fmt.Errorf("could not select visa type %s", visa))
	}

	if v, err := b.Evaluate(clickButtonByTextScript, p.profile.Texts.Proceed); err != nil || v != true {
		return Fail(errors.New("proceed button not found"))
	}
	return Next()
}

// FillApplicantProfile completes the applicant details form inside the edit window.
func (p *Portal) FillApplicantProfile(ctx context.Context, b browser.Browser, s *State) Result {
	if !b.WaitPresent(ctx, selProfileFrame, p.profile.Timing.ElementTimeout) {
		return Fail(errors.New("applicant form frame not found"))
	}
	frame, err := b.Frame(ctx, selProfileFrame)
	if err != nil {
		return Fail(fmt.Errorf("could not enter applicant form: %w", err))
	}
	if !frame.WaitVisible(ctx, selProfileReady, p.profile.Timing.ElementTimeout) {
		return Fail(errors.New("applicant form did not load"))
	}

	if !forms.Fill(ctx, frame, forms.Profile(s.Applicant)) {
		if err := ctx.Err(); err != nil {
			return Fail(err)
		}
		return Fail(errors.New("could not fill the applicant form"))
	}

	if !frame.WaitVisible(ctx, selProfileSubmit, p.profile.Timing.ElementTimeout) || !frame.Click(selProfileSubmit) {
		return Fail(errors.New("applicant form submit not clickable"))
	}
	if err := p.sleep(ctx, p.profile.Timing.Settle); err != nil {
		return Fail(err)
	}
	if msg, ok := b.TakeDialog(); ok {
		logging.Log(fmt.Sprintf("Applicant form alert: %s", msg), slog.LevelInfo)
	}
	if !p.waitUntil(ctx, 2*shortWait, func() bool { return !b.Visible(selProfileFrame) }) {
		return Fail(errors.New("applicant window did not close after submit"))
	}
	logging.Log("Applicant details saved", slog.LevelInfo)
	return Next()
}

// ConfirmDataProtection opens the booking entry page. When the portal first
// wants the emailed data protection link followed, the operator supplies it.
func (p *Portal) ConfirmDataProtection(ctx context.Context, b browser.Browser, s *State) Result {
	if link := s.input(model.InputDataProtectionURL); link != "" {
		if err := p.navigate(ctx, b, link); err != nil {
			return Fail(err)
		}
		if !b.WaitVisible(ctx, selProtectionOK, p.profile.PageTimeout) {
			return Fail(errors.New("data protection confirmation was not acknowledged"))
		}
		logging.Log("Data protection confirmed", slog.LevelInfo)
	}

	if res := p.openPage(ctx, b, s, p.profile.Paths.NewAppointment); res.Outcome != Proceed {
		return res
	}

	if p.onPage(b, p.profile.Markers.DataProtectionSent) {
		logging.Log("Portal sent a data protection email", slog.LevelInfo)
		return Await(model.InputDataProtectionURL)
	}
	return Next()
}

// SelectVisaType fills the visa type page until the portal opens the slot
// calendar. Rate limiting, challenges and dropped sessions are handled in
// place, each costing one round.
func (p *Portal) SelectVisaType(ctx context.Context, b browser.Browser, s *State) Result {
	rounds := p.profile.Limits.VisaTypeAttempts
	noSlots := false

	for round := 1; round <= rounds; round++ {
		if ctx.Err() != nil {
			return Fail(ctx.Err())
		}
		noSlots = false

		switch {
		case pageSays(b, p.profile.Texts.TooManyRequests):
			logging.Log(fmt.Sprintf("Rate limited, backing off %s", p.profile.Timing.RateLimitBackoff), slog.LevelWarn)
			if err := p.sleep(ctx, p.profile.Timing.RateLimitBackoff); err != nil {
				return Fail(err)
			}
			if res := p.restartBooking(ctx, b, s); res.Outcome != Proceed {
				return res
			}
			continue

		case p.onPage(b, p.profile.Paths.Login):
			if res := p.reauthenticate(ctx, b, s); res.Outcome != Proceed {
				return res
			}
			if res := p.restartBooking(ctx, b, s); res.Outcome != Proceed {
				return res
			}
			continue

		case b.Visible(captcha.ChallengeSelector) && !p.onPage(b, p.profile.Paths.VisaType):
			if err := p.solver.SolveWithRetry(ctx, p.captchaAttempt(b, b, p.profile.Limits.CaptchaAttempts)); err != nil {
				logging.Log(fmt.Sprintf("Captcha before visa type failed: %v", err), slog.LevelWarn)
				if res := p.restartBooking(ctx, b, s); res.Outcome != Proceed {
					return res
				}
			}
			continue
		}

		if !p.onPage(b, p.profile.Paths.VisaType) {
			if res := p.restartBooking(ctx, b, s); res.Outcome != Proceed {
				return res
			}
			if !p.waitURL(ctx, b, p.profile.Paths.VisaType, 2*shortWait) {
				logging.Log(fmt.Sprintf("Visa type page not reached, on %s", b.URL()), slog.LevelWarn)
				continue
			}
		}

		if res := p.pickVisa(ctx, b, s); res.Outcome != Proceed {
			return res
		}

		if b.WaitVisible(ctx, captcha.ChallengeSelector, 3*time.Second) {
			if err := p.solver.SolveWithRetry(ctx, p.captchaAttempt(b, b, p.profile.Limits.CaptchaAttempts)); err != nil {
				logging.Log(fmt.Sprintf("Captcha after visa type failed: %v", err), slog.LevelWarn)
				if res := p.restartBooking(ctx, b, s); res.Outcome != Proceed {
					return res
				}
				continue
			}
		}

		p.waitUntil(ctx, 4*shortWait, func() bool {
			return p.onPage(b, p.profile.Markers.SlotSelection) || pageSays(b, p.profile.Texts.NoSlots...)
		})
		if p.onPage(b, p.profile.Markers.SlotSelection) {
			logging.Log("Slot selection page reached", slog.LevelInfo)
			return Next()
		}
		if pageSays(b, p.profile.Texts.NoSlots...) {
			noSlots = true
			logging.Log(fmt.Sprintf("No slots available (round %d/%d)", round, rounds), slog.LevelInfo)
			if err := p.sleep(ctx, p.profile.Timing.NoSlotBackoff); err != nil {
				return Fail(err)
			}
			if res := p.restartBooking(ctx, b, s); res.Outcome != Proceed {
				return res
			}
			continue
		}
		return Fail(fmt.Errorf("unexpected page after visa type submit: %s", b.URL()))
	}

	if noSlots {
		return Fail(model.ErrNoSlot)
	}
	return Fail(fmt.Errorf("visa type selection failed after %d rounds", rounds))
}

func (p *Portal) restartBooking(ctx context.Context, b browser.Browser, s *State) Result {
	return p.openPage(ctx, b, s, p.profile.Paths.NewAppointment)
}

func (p *Portal) pickVisa(ctx context.Context, b browser.Browser, s *State) Result {
	a := s.Applicant
	location, ok := forms.LocationLabel(a.Location)
	if !ok {
		return Fail(fmt.Errorf("%w: unknown location %q", model.ErrInvalidInput, a.Location))
	}
	visa, ok := forms.VisaTypeLabel(a.VisaType)
	if !ok {
		return Fail(fmt.Errorf("%w: unknown visa type %q", model.ErrInvalidInput, a.VisaType))
	}
	if !b.SelectDropdownByLabel(ctx, p.profile.Labels.Location, location) {
		return Fail(fmt.Errorf("could not select location %s", location))
	}
	if !b.SelectDropdownByLabel(ctx, p.profile.Labels.VisaType, visa) {
		return Fail(fmt.Errorf("could not select visa type %s", visa))
	}
	if sub, ok := forms.VisaSubTypeLabel(a.VisaSubType); ok {
		if !b.SelectDropdownByLabel(ctx, p.profile.Labels.VisaSubType, sub) {
			logging.Log(fmt.Sprintf("Visa sub type %s not offered, continuing", sub), slog.LevelWarn)
		}
	}
	if category, ok := forms.CategoryLabel(a.Category); ok {
		if !b.SelectDropdownByLabel(ctx, p.profile.Labels.Category, category) {
			logging.Log(fmt.Sprintf("Category %s not offered, continuing", category), slog.LevelWarn)
		}
	}

	if !b.WaitVisible(ctx, selIndividual, p.profile.Timing.ElementTimeout) || !b.Click(selIndividual) {
		return Fail(errors.New("individual appointment option not found"))
	}
	if !b.WaitVisible(ctx, selSubmit, p.profile.Timing.ElementTimeout) || !b.Click(selSubmit) {
		return Fail(errors.New("visa type submit not clickable"))
	}
	logging.Log(fmt.Sprintf("Visa type submitted: %s / %s", location, visa), slog.LevelInfo)
	return Next()
}

// BookSlot walks the open days of the calendar in order and takes the first
// time slot offered. Days without slots are skipped.
func (p *Portal) BookSlot(ctx context.Context, b browser.Browser, s *State) Result {
	if !p.waitURL(ctx, b, p.profile.Markers.SlotSelection, p.profile.PageTimeout) {
		if !pageSays(b, p.profile.Texts.TooManyRequests) && !p.onPage(b, p.profile.Paths.Login) {
			return Fail(fmt.Errorf("slot selection page not reached, on %s", b.URL()))
		}
		logging.Log(fmt.Sprintf("Slot page lost on %s, selecting the visa type again", b.URL()), slog.LevelWarn)
		if res := p.SelectVisaType(ctx, b, s); res.Outcome != Proceed {
			return res
		}
	}
	p.dismissConsent(ctx, b)

	if !b.WaitVisible(ctx, selCalendar, p.profile.Timing.ElementTimeout) {
		return Fail(errors.New("appointment calendar not shown"))
	}
	var days []string
	if err := browser.EvalJSON(b, &days, listTextsScript, selAvailableDay); err != nil {
		return Fail(fmt.Errorf("could not read the calendar: %w", err))
	}
	if len(days) == 0 {
		logging.Log("No open day in the calendar", slog.LevelInfo)
		return Fail(model.ErrNoSlot)
	}

	for i, day := range days {
		if ctx.Err() != nil {
			return Fail(ctx.Err())
		}
		res, err := p.tryDay(ctx, b, i, day)
		if err != nil {
			logging.Log(fmt.Sprintf("Day %s: %v", day, err), slog.LevelInfo)
			continue
		}
		s.Appointment = res
		logging.Log(fmt.Sprintf("Appointment booked: %s", res.Details()), slog.LevelInfo)
		return Next()
	}
	return Fail(model.ErrNoSlot)
}

var errNoSlotForDay = errors.New("no time slot")

func (p *Portal) tryDay(ctx context.Context, b browser.Browser, index int, day string) (*model.AppointmentResult, error) {
	if v, err := b.Evaluate(clickNthScript, []interface{}{selAvailableDay, index}); err != nil || v != true {
		return nil, errors.New("day not clickable")
	}
	if err := p.sleep(ctx, p.profile.Timing.Settle); err != nil {
		return nil, err
	}
	if !b.WaitVisible(ctx, selSlotContainer, p.profile.Timing.ElementTimeout) {
		return nil, errNoSlotForDay
	}
	v, err := b.Evaluate(clickFirstVisibleScript, selAvailableSlot)
	slot, _ := v.(string)
	if err != nil || slot == "" {
		return nil, errNoSlotForDay
	}
	logging.Log(fmt.Sprintf("Taking slot %s on day %s", slot, day), slog.LevelInfo)

	if !b.WaitVisible(ctx, selBook, p.profile.Timing.ElementTimeout) || !b.Click(selBook) {
		return nil, errors.New("book button not clickable")
	}
	if err := p.sleep(ctx, p.profile.Timing.Settle); err != nil {
		return nil, err
	}
	if msg, ok := b.TakeDialog(); ok {
		logging.Log(fmt.Sprintf("Booking alert: %s", msg), slog.LevelInfo)
	}
	if !b.WaitVisible(ctx, selConfirmation, p.profile.PageTimeout) {
		return nil, errors.New("no booking confirmation")
	}

	// The slot is taken once the confirmation shows. From here on the run
	// completes, with the raw page text when it cannot be parsed.
	var raw Confirmation
	if err := browser.EvalJSON(b, &raw, confirmationScript, confirmationFields); err != nil {
		logging.Log(fmt.Sprintf("Booking confirmed but the confirmation could not be read: %v", err), slog.LevelWarn)
	}
	res, err := ParseConfirmation(raw)
	if err != nil {
		logging.Log(fmt.Sprintf("Booking confirmed, keeping the raw confirmation: %v", err), slog.LevelWarn)
		b.Snapshot("unparsed_confirmation")
		res = raw.unparsed()
		if res == (model.AppointmentResult{}) {
			res.RawDate = strings.TrimSpace(b.Text(selConfirmation))
		}
	}
	return &res, nil
}

// Confirmation is the raw text of the booking confirmation page.
type Confirmation struct {
	Reference string `json:"reference"`
	Date      string `json:"date"`
	Time      string `json:"time"`
	Location  string `json:"location"`
}

func (c Confirmation) unparsed() model.AppointmentResult {
	return model.AppointmentResult{
		Reference: strings.TrimSpace(c.Reference),
		Location:  strings.TrimSpace(c.Location),
		RawDate:   strings.TrimSpace(c.Date),
		RawTime:   strings.TrimSpace(c.Time),
	}
}

// ParseConfirmation turns the confirmation page text into an appointment.
func ParseConfirmation(c Confirmation) (model.AppointmentResult, error) {
	if strings.TrimSpace(c.Reference) == "" {
		return model.AppointmentResult{}, errors.New("confirmation has no reference number")
	}
	at, err := model.ParseAppointmentDateTime(c.Date, c.Time)
	if err != nil {
		return model.AppointmentResult{}, err
	}
	res := c.unparsed()
	res.Date = at
	return res, nil
}
