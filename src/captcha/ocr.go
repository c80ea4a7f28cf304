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

package captcha

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/otiai10/gosseract/v2"
)

// Recognizer reads the text printed on a tile image.
type Recognizer interface {
	Recognize(img []byte) (string, error)
}

// Tesseract recognizes digits with a fresh tesseract client per image.
type Tesseract struct {
	// Languages passed to tesseract, defaults to eng.
	Languages []string
}

func (t Tesseract) Recognize(img []byte) (string, error) {
	client := gosseract.NewClient()
	defer client.Close()

	if len(t.Languages) > 0 {
		if err := client.SetLanguage(t.Languages...); err != nil {
			return "", fmt.Errorf("could not set ocr language: %w", err)
		}
	}
	if err := client.SetWhitelist("0123456789"); err != nil {
		return "", fmt.Errorf("could not restrict ocr charset: %w", err)
	}
	if err := client.SetPageSegMode(gosseract.PSM_SINGLE_LINE); err != nil {
		return "", fmt.Errorf("could not set ocr mode: %w", err)
	}
	if err := client.SetImageFromBytes(img); err != nil {
		return "", fmt.Errorf("could not load tile image: %w", err)
	}
	return client.Text()
}

// DecodeDataURI returns the bytes of a base64 data: URI.
func DecodeDataURI(src string) ([]byte, error) {
	header, payload, ok := strings.Cut(src, ",")
	if !ok || !strings.HasPrefix(header, "data:") {
		return nil, fmt.Errorf("tile source is not a data uri")
	}
	if !strings.HasSuffix(header, ";base64") {
		return nil, fmt.Errorf("tile source is not base64 encoded")
	}
	b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
	if err != nil {
		return nil, fmt.Errorf("could not decode tile: %w", err)
	}
	return b, nil
}

// ExtractThreeDigits keeps the digits of an OCR reading and accepts it only
// when exactly three remain.
func ExtractThreeDigits(text string) (string, bool) {
	var b strings.Builder
	for _, r := range text {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	return digits, len(digits) == 3
}
