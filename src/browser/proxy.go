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

package browser

import (
	"fmt"
	"net"
	"strings"

	"github.com/playwright-community/playwright-go"

	"visaworker/src/model"
)

// ParseProxy turns an organisation proxy string "username:password@host:port"
// into playwright proxy settings.
func ParseProxy(raw string) (*playwright.Proxy, error) {
	raw = strings.TrimSpace(raw)
	// The address never holds an '@', the password may.
	at := strings.LastIndex(raw, "@")
	if at < 0 {
		return nil, fmt.Errorf("%w: proxy must be username:password@host:port", model.ErrInvalidInput)
	}
	creds, address := raw[:at], raw[at+1:]
	user, pass, ok := strings.Cut(creds, ":")
	if !ok || user == "" {
		return nil, fmt.Errorf("%w: proxy credentials must be username:password", model.ErrInvalidInput)
	}
	host, port, err := net.SplitHostPort(address)
	if err != nil || host == "" || port == "" {
		return nil, fmt.Errorf("%w: proxy address %q must be host:port", model.ErrInvalidInput, address)
	}

	return &playwright.Proxy{
		Server:   "http://" + net.JoinHostPort(host, port),
		Username: playwright.String(user),
		Password: playwright.String(pass),
	}, nil
}
