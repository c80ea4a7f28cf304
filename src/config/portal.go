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

package config

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed portal.yaml
var defaultProfile []byte

// Profile describes one visa portal: where its pages live and how it words
// the messages the workflow reacts to.
type Profile struct {
	Name        string        `yaml:"name"`
	BaseURL     string        `yaml:"base_url"`
	PageTimeout time.Duration `yaml:"page_timeout"`

	Paths struct {
		NewAppointment string `yaml:"new_appointment"`
		Register       string `yaml:"register"`
		Login          string `yaml:"login"`
		ChangePassword string `yaml:"change_password"`
		MyAppointments string `yaml:"my_appointments"`
		VisaType       string `yaml:"visa_type"`
	} `yaml:"paths"`

	// Markers are URL fragments identifying a page.
	Markers struct {
		SlotSelection      string `yaml:"slot_selection"`
		DataProtectionSent string `yaml:"data_protection_sent"`
		Registration       string `yaml:"registration"`
	} `yaml:"markers"`

	Texts struct {
		PassportUsed     string   `yaml:"passport_used"`
		MobileUsed       string   `yaml:"mobile_used"`
		TooManyRequests  string   `yaml:"too_many_requests"`
		IncorrectCaptcha string   `yaml:"incorrect_captcha"`
		NoSlots          []string `yaml:"no_slots"`
		InvalidPassword  []string `yaml:"invalid_password"`
		Proceed          []string `yaml:"proceed"`
	} `yaml:"texts"`

	Labels struct {
		Location    string `yaml:"location"`
		VisaType    string `yaml:"visa_type"`
		VisaSubType string `yaml:"visa_sub_type"`
		Category    string `yaml:"category"`
	} `yaml:"labels"`

	CountryOfResidence string `yaml:"country_of_residence"`

	Timing struct {
		ElementTimeout   time.Duration `yaml:"element_timeout"`
		Settle           time.Duration `yaml:"settle"`
		RateLimitBackoff time.Duration `yaml:"rate_limit_backoff"`
		NoSlotBackoff    time.Duration `yaml:"no_slot_backoff"`
		HumanDelayMin    time.Duration `yaml:"human_delay_min"`
		HumanDelayMax    time.Duration `yaml:"human_delay_max"`
	} `yaml:"timing"`

	Limits struct {
		RegistrationCaptchaAttempts int `yaml:"registration_captcha_attempts"`
		CaptchaAttempts             int `yaml:"captcha_attempts"`
		LoginAttempts               int `yaml:"login_attempts"`
		VisaTypeAttempts            int `yaml:"visa_type_attempts"`
		// PageRecoveries bounds how often opening one page may back off from
		// rate limiting or sign in again before the handler gives up.
		PageRecoveries int `yaml:"page_recoveries"`
	} `yaml:"limits"`
}

// LoadProfile reads a portal profile from path, or the built-in one when path is empty.
func LoadProfile(path string) (*Profile, error) {
	data := defaultProfile
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("could not read portal profile: %w", err)
		}
		data = b
	}
	return ParseProfile(data)
}

func ParseProfile(data []byte) (*Profile, error) {
	p := &Profile{}
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("could not parse portal profile: %w", err)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Profile) validate() error {
	if p.BaseURL == "" {
		return fmt.Errorf("portal profile %q has no base_url", p.Name)
	}
	p.BaseURL = strings.TrimRight(p.BaseURL, "/")
	if p.Paths.Login == "" || p.Paths.NewAppointment == "" {
		return fmt.Errorf("portal profile %q must define login and new_appointment paths", p.Name)
	}
	if p.PageTimeout <= 0 {
		p.PageTimeout = 60 * time.Second
	}
	if p.Timing.ElementTimeout <= 0 {
		p.Timing.ElementTimeout = 20 * time.Second
	}
	if p.Limits.CaptchaAttempts <= 0 {
		p.Limits.CaptchaAttempts = 3
	}
	if p.Limits.RegistrationCaptchaAttempts <= 0 {
		p.Limits.RegistrationCaptchaAttempts = p.Limits.CaptchaAttempts
	}
	if p.Limits.LoginAttempts <= 0 {
		p.Limits.LoginAttempts = 5
	}
	if p.Limits.VisaTypeAttempts <= 0 {
		p.Limits.VisaTypeAttempts = 5
	}
	if p.Limits.PageRecoveries <= 0 {
		p.Limits.PageRecoveries = 3
	}
	if p.Timing.HumanDelayMax < p.Timing.HumanDelayMin {
		p.Timing.HumanDelayMax = p.Timing.HumanDelayMin
	}
	return nil
}

// URL joins a portal path onto the base URL.
func (p *Profile) URL(path string) string {
	return p.BaseURL + path
}
