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

// Selectors of the portal pages.
const (
	selRegistrationForm = "#SurName"
	selVerify           = "#btnVerify"
	selCaptchaFrame     = ".k-content-frame"
	selGenerateOTP      = "#btnGenerate"
	selValidation       = "div.validation-summary.text-danger"
	selOTPInput         = "EmailOtp"
	selSubmit           = "#btnSubmit"
	selContinueToLogin  = "#contBtn"
	selOTPError         = ".validation-summary-errors, .text-danger"
	selLoginEmail       = "input[type='text'].form-control, input[name='Email']"
	selPassword         = "input[type='password']"
	selLoginError       = ".validation-summary-errors, .text-danger, #errorMsg"
	selCurrentPassword  = "input[name='CurrentPassword']"
	selNewPassword      = "input[name='NewPassword']"
	selConfirmPassword  = "input[name='ConfirmPassword']"
	selEditApplicant    = "a[title='Edit/Complete Applicant Details']"
	selApplicantWindow  = "div.k-window-content.k-content.k-window-iframecontent"
	selProfileFrame     = "div.k-window-content iframe.k-content-frame"
	selProfileReady     = "#PlaceOfBirth"
	selProfileSubmit    = "button[type='submit']"
	selProtectionOK     = "p.alert.alert-success"
	selIndividual       = "input[type='radio'][value='Individual']"
	selCalendar         = "div.datepicker-days table tbody"
	selAvailableDay     = "div.datepicker-days table tbody td.day:not(.disabled):not(.old):not(.new)"
	selSlotContainer    = "#bls-time-slot-container"
	selAvailableSlot    = "#bls-time-slot-container a.available-slot, #bls-time-slot-container button.time-slot:not(:disabled)"
	selBook             = "#btnBook"
	selConfirmation     = "div#BookingConfirmation, div.booking-success"
)

var confirmationFields = map[string]string{
	"container": selConfirmation,
	"reference": "span#lblAppRefNo, .reference-number",
	"date":      "span#lblAppDate, .appointment-date",
	"time":      "span#lblAppTime, .appointment-time",
	"location":  "span#lblVACName, .appointment-location",
}

const dismissConsentScript = `() => {
	let done = false;
	for (const b of document.querySelectorAll('button')) {
		const t = (b.textContent || '').trim();
		if (b.offsetParent === null || b.disabled) continue;
		if (t.includes('Accept') || t.includes('Accepter') || b.classList.contains('cookie-accept')) {
			b.click();
			done = true;
			break;
		}
	}
	for (const m of document.querySelectorAll('div.modal.show')) {
		const text = (m.textContent || '').toLowerCase();
		if (!text.includes('data protection') && !text.includes('protection des données')) continue;
		const body = m.querySelector('div.modal-body');
		if (body) body.scrollTop = body.scrollHeight;
		const btn = m.querySelector('button.btn-success, button.btn-primary');
		if (btn) {
			btn.click();
			done = true;
		}
		break;
	}
	return done;
}`

const scrollDownScript = `() => { window.scrollBy(0, 200); return true; }`

const validationErrorsScript = `(selector) => JSON.stringify(
	Array.from(document.querySelectorAll(selector + ' ul > li'))
		.map(li => li.textContent.trim())
		.filter(Boolean)
)`

const closeOTPModalScript = `() => {
	const label = document.querySelector('div.modal-content #OTPGenerateModalLabel');
	if (!label || label.offsetParent === null) return false;
	const modal = label.closest('.modal-content');
	for (const b of modal.querySelectorAll('button')) {
		if ((b.textContent || '').includes('OK') || b.getAttribute('data-dismiss') === 'modal') {
			b.click();
			return true;
		}
	}
	return false;
}`

const fillSelectorScript = `([selector, value]) => {
	for (const el of document.querySelectorAll(selector)) {
		if (el.offsetParent === null || el.disabled) continue;
		el.focus();
		el.value = value;
		el.dispatchEvent(new Event('input', { bubbles: true }));
		el.dispatchEvent(new Event('change', { bubbles: true }));
		return true;
	}
	return false;
}`

const visibleTextScript = `(selector) => {
	for (const el of document.querySelectorAll(selector)) {
		if (el.offsetParent !== null) return (el.textContent || '').trim();
	}
	return '';
}`

const attributeScript = `([selector, name]) => {
	const el = document.querySelector(selector);
	return el ? (el.getAttribute(name) || '') : '';
}`

const manageApplicantScript = `(id) => {
	if (typeof ManageApplicant !== 'function') return false;
	ManageApplicant(id, '', '');
	return true;
}`

const clickButtonByTextScript = `(texts) => {
	for (const b of document.querySelectorAll('button')) {
		if (b.offsetParent === null || b.disabled) continue;
		const t = (b.textContent || '').trim();
		if (texts.some(x => t.includes(x)) || b.getAttribute('onclick') === 'VisaTypeProceed();') {
			b.scrollIntoView({ block: 'center' });
			b.click();
			return true;
		}
	}
	return false;
}`

const listTextsScript = `(selector) => JSON.stringify(
	Array.from(document.querySelectorAll(selector)).map(el => (el.textContent || '').trim())
)`

const clickNthScript = `([selector, n]) => {
	const el = document.querySelectorAll(selector)[n];
	if (!el) return false;
	el.click();
	return true;
}`

const clickFirstVisibleScript = `(selector) => {
	const el = Array.from(document.querySelectorAll(selector)).find(e => e.offsetParent !== null);
	if (!el) return '';
	el.click();
	return (el.textContent || '').trim() || 'slot';
}`

const confirmationScript = `(sel) => {
	const box = document.querySelector(sel.container);
	const read = s => {
		const el = box && box.querySelector(s);
		return el ? (el.textContent || '').trim() : '';
	};
	return JSON.stringify({
		reference: read(sel.reference),
		date: read(sel.date),
		time: read(sel.time),
		location: read(sel.location),
	});
}`
