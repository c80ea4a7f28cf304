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

package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visaworker/src/config"
)

func TestFromEnv(t *testing.T) {
	tests := map[string]struct {
		env    map[string]string
		expErr bool
		check  func(t *testing.T, cfg config.Config)
	}{
		"Empty environment should use defaults": {
			env: map[string]string{},
			check: func(t *testing.T, cfg config.Config) {
				assert := assert.New(t)
				assert.Equal("localhost", cfg.DBHost)
				assert.Equal("8080", cfg.APIPort)
				assert.Equal(10*time.Second, cfg.InputPollInterval)
				assert.Equal(30, cfg.InputPollAttempts)
				assert.Equal(900*time.Second, cfg.RegisterSoftLimit)
				assert.Equal(300*time.Second, cfg.BookSoftLimit)
				assert.Equal(config.BrowserModeLocal, cfg.BrowserMode)
				assert.True(cfg.Headless)
			},
		},
		"Explicit values should override defaults": {
			env: map[string]string{
				"INPUT_POLL_INTERVAL": "2s",
				"WORKER_CONCURRENCY":  "4",
				"HEADLESS":            "false",
				"BROWSER_MODE":        "docker",
				"DB_SSLMODE":          "disable",
			},
			check: func(t *testing.T, cfg config.Config) {
				assert := assert.New(t)
				assert.Equal(2*time.Second, cfg.InputPollInterval)
				assert.Equal(4, cfg.Concurrency)
				assert.False(cfg.Headless)
				assert.Equal(config.BrowserModeDocker, cfg.BrowserMode)
				assert.Contains(cfg.DSN(), "sslmode=disable")
			},
		},
		"Invalid duration should fail": {
			env:    map[string]string{"BOOK_SOFT_LIMIT": "five minutes"},
			expErr: true,
		},
		"Unknown browser mode should fail": {
			env:    map[string]string{"BROWSER_MODE": "remote"},
			expErr: true,
		},
		"Zero concurrency should fail": {
			env:    map[string]string{"WORKER_CONCURRENCY": "0"},
			expErr: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			cfg, err := config.FromEnv(func(k string) string { return test.env[k] })
			if test.expErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			test.check(t, cfg)
		})
	}
}

func TestLoadDefaultProfile(t *testing.T) {
	require := require.New(t)

	p, err := config.LoadProfile("")
	require.NoError(err)

	require.Equal("https://www.blsspainmorocco.net", p.BaseURL)
	require.Equal("https://www.blsspainmorocco.net/MAR/account/Login", p.URL(p.Paths.Login))
	require.Equal(15*time.Second, p.Timing.RateLimitBackoff)
	require.Equal(1500*time.Millisecond, p.Timing.Settle)
	require.Equal(99, p.Limits.RegistrationCaptchaAttempts)
	require.Equal(5, p.Limits.LoginAttempts)
	require.Contains(p.Texts.NoSlots, "aucun créneau disponible")
}

func TestParseProfile(t *testing.T) {
	tests := map[string]struct {
		yaml   string
		expErr bool
	}{
		"Missing base url should fail": {
			yaml:   "name: x\npaths:\n  login: /login\n  new_appointment: /new\n",
			expErr: true,
		},
		"Missing login path should fail": {
			yaml:   "name: x\nbase_url: https://portal.test\n",
			expErr: true,
		},
		"Minimal profile should get default limits": {
			yaml: "name: x\nbase_url: https://portal.test/\npaths:\n  login: /login\n  new_appointment: /new\n",
		},
		"Malformed yaml should fail": {
			yaml:   "name: [x",
			expErr: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			p, err := config.ParseProfile([]byte(test.yaml))
			if test.expErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "https://portal.test", p.BaseURL)
			assert.Equal(t, 3, p.Limits.CaptchaAttempts)
			assert.Equal(t, 5, p.Limits.VisaTypeAttempts)
			assert.Equal(t, 3, p.Limits.PageRecoveries)
			assert.Equal(t, 60*time.Second, p.PageTimeout)
		})
	}
}
