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
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"visaworker/src/browser"
	"visaworker/src/logging"
)

// ChallengeSelector is the container of the image grid challenge.
const ChallengeSelector = "#captcha-main-div"

const submitSelector = "#submit"

const collectCellsScript = `() => {
	const cells = [];
	for (const box of document.querySelectorAll('div.row div.col-4')) {
		const img = box.querySelector('.captcha-img');
		if (!img || box.offsetParent === null || img.offsetParent === null) continue;
		const r = box.getBoundingClientRect();
		const st = window.getComputedStyle(box);
		cells.push({
			top: Math.trunc(r.top),
			left: Math.trunc(r.left),
			z: parseInt(st.zIndex, 10) || 0,
			src: img.getAttribute('src') || '',
		});
	}
	return JSON.stringify(cells);
}`

const collectLabelsScript = `() => JSON.stringify(
	Array.from(document.querySelectorAll('.box-label'))
		.filter(l => l.offsetParent !== null)
		.map(l => ({ text: l.textContent.trim(), z: parseInt(window.getComputedStyle(l).zIndex, 10) || 0 }))
)`

const clickTilesScript = `(srcs) => {
	let clicked = 0;
	for (const img of document.querySelectorAll('img')) {
		if (srcs.includes(img.getAttribute('src'))) {
			img.click();
			clicked++;
		}
	}
	return clicked;
}`

// DialogSource exposes alerts raised by the page, e.g. an incorrect answer.
type DialogSource interface {
	TakeDialog() (string, bool)
}

type Solver struct {
	ocr Recognizer
}

func NewSolver(ocr Recognizer) *Solver {
	return &Solver{ocr: ocr}
}

// Result summarises one solve pass.
type Result struct {
	Target  string
	Cells   int
	Matched int
}

// Solve reads the grid once, clicks every tile showing the target and, when
// submit is set, presses the challenge submit button.
func (s *Solver) Solve(ctx context.Context, doc browser.Surface, submit bool) (Result, error) {
	var res Result

	var cells []Cell
	if err := browser.EvalJSON(doc, &cells, collectCellsScript); err != nil {
		return res, fmt.Errorf("could not read captcha grid: %w", err)
	}
	var labels []Label
	if err := browser.EvalJSON(doc, &labels, collectLabelsScript); err != nil {
		return res, fmt.Errorf("could not read captcha labels: %w", err)
	}

	target, err := Target(labels)
	if err != nil {
		return res, err
	}
	res.Target = target

	grid := Arrange(cells)
	res.Cells = len(grid)
	if len(grid) == 0 {
		return res, ErrNoCells
	}

	seen := map[string]string{}
	var matches []string
	for _, cell := range grid {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		value, done := seen[cell.Src]
		if !done {
			value = s.read(cell.Src)
			seen[cell.Src] = value
		}
		if value != "" && value == target {
			matches = append(matches, cell.Src)
		}
	}
	res.Matched = len(matches)
	logging.Log(fmt.Sprintf("Captcha target %s matched %d of %d tiles", target, res.Matched, res.Cells), slog.LevelInfo)

	if len(matches) > 0 {
		if _, err := doc.Evaluate(clickTilesScript, matches); err != nil {
			return res, fmt.Errorf("could not click captcha tiles: %w", err)
		}
	}
	if submit && !doc.Click(submitSelector) {
		return res, fmt.Errorf("could not submit captcha")
	}
	return res, nil
}

func (s *Solver) read(src string) string {
	img, err := DecodeDataURI(src)
	if err != nil {
		logging.Log(fmt.Sprintf("Skipping captcha tile: %v", err), slog.LevelDebug)
		return ""
	}
	text, err := s.ocr.Recognize(img)
	if err != nil {
		logging.Log(fmt.Sprintf("OCR failed on captcha tile: %v", err), slog.LevelDebug)
		return ""
	}
	digits, ok := ExtractThreeDigits(text)
	if !ok {
		return ""
	}
	return digits
}

// Attempt configures a bounded solve loop.
type Attempt struct {
	Surface     browser.Surface
	Dialogs     DialogSource
	Submit      bool
	MaxAttempts int
	// Settle is how long the page gets to react before progress is checked.
	Settle time.Duration
	// IncorrectText marks a dialog announcing a wrong answer.
	IncorrectText string
	// Solved reports whether the page moved past the challenge. Defaults to
	// the challenge container no longer being visible.
	Solved func() bool
}

// SolveWithRetry re-solves until the page shows progress or attempts run out.
func (s *Solver) SolveWithRetry(ctx context.Context, a Attempt) error {
	if a.MaxAttempts <= 0 {
		a.MaxAttempts = 3
	}
	solved := a.Solved
	if solved == nil {
		solved = func() bool { return !a.Surface.Visible(ChallengeSelector) }
	}

	var lastErr error
	for i := 0; i < a.MaxAttempts; i++ {
		logging.Increment(ctx, logging.CounterCaptchaAttempts)

		_, err := s.Solve(ctx, a.Surface, a.Submit)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(a.Settle):
		}

		if err != nil {
			lastErr = err
			logging.Log(fmt.Sprintf("Captcha attempt %d/%d failed: %v", i+1, a.MaxAttempts, err), slog.LevelWarn)
			continue
		}
		if a.Dialogs != nil {
			if msg, ok := a.Dialogs.TakeDialog(); ok && a.IncorrectText != "" &&
				strings.Contains(strings.ToLower(msg), strings.ToLower(a.IncorrectText)) {
				logging.Log(fmt.Sprintf("Captcha attempt %d/%d rejected: %s", i+1, a.MaxAttempts, msg), slog.LevelInfo)
				continue
			}
		}
		if solved() {
			return nil
		}
	}
	if lastErr != nil {
		return fmt.Errorf("captcha not solved after %d attempts: %w", a.MaxAttempts, lastErr)
	}
	return fmt.Errorf("captcha not solved after %d attempts", a.MaxAttempts)
}
