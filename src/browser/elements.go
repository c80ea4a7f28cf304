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
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"visaworker/src/logging"
)

// Evaluator runs a script in a document. Both playwright pages and frames satisfy it.
type Evaluator interface {
	Evaluate(expression string, arg ...interface{}) (interface{}, error)
}

// Surface is one document the workflow interacts with: the page or a frame in it.
// Every interaction reports success as a boolean and never returns a fault.
type Surface interface {
	Evaluator
	Exists(selector string) bool
	Visible(selector string) bool
	WaitPresent(ctx context.Context, selector string, timeout time.Duration) bool
	WaitVisible(ctx context.Context, selector string, timeout time.Duration) bool
	Click(selector string) bool
	ClickIfPresent(ctx context.Context, selector string, timeout time.Duration) bool
	Text(selector string) string
	FillField(ctx context.Context, id, value string) bool
	SelectDropdown(ctx context.Context, id, label string) bool
	FillDate(ctx context.Context, id, value string) bool
	SelectDropdownByLabel(ctx context.Context, labelText, value string) bool
}

// Browser is a live session positioned on a page.
type Browser interface {
	Surface
	Navigate(ctx context.Context, url string) error
	URL() string
	Content() string
	Reload(ctx context.Context) error
	Back(ctx context.Context) error
	// TakeDialog returns and clears the last JavaScript dialog message.
	TakeDialog() (string, bool)
	Frame(ctx context.Context, selector string) (Surface, error)
	Snapshot(name string)
}

const defaultPoll = 250 * time.Millisecond

// Elements implements Surface over an Evaluator.
type Elements struct {
	doc     Evaluator
	timeout time.Duration
	poll    time.Duration
}

var _ Surface = (*Elements)(nil)

func NewElements(doc Evaluator, timeout time.Duration) *Elements {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Elements{doc: doc, timeout: timeout, poll: defaultPoll}
}

func (e *Elements) Evaluate(expression string, arg ...interface{}) (interface{}, error) {
	return e.doc.Evaluate(expression, arg...)
}

func (e *Elements) evalBool(op string, script string, arg interface{}) bool {
	v, err := e.doc.Evaluate(script, arg)
	if err != nil {
		logging.Log(fmt.Sprintf("%s failed: %v", op, err), slog.LevelDebug)
		return false
	}
	b, _ := v.(bool)
	return b
}

func (e *Elements) evalString(op string, script string, arg interface{}) string {
	v, err := e.doc.Evaluate(script, arg)
	if err != nil {
		logging.Log(fmt.Sprintf("%s failed: %v", op, err), slog.LevelDebug)
		return ""
	}
	s, _ := v.(string)
	return s
}

// waitFor polls cond until it holds, the timeout passes or ctx ends.
func (e *Elements) waitFor(ctx context.Context, timeout time.Duration, cond func() bool) bool {
	if timeout <= 0 {
		timeout = e.timeout
	}
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(e.poll):
		}
	}
}

func idSelector(id string) string {
	return `[id="` + id + `"]`
}

func (e *Elements) Exists(selector string) bool {
	return e.evalBool("exists "+selector, existsScript, selector)
}

func (e *Elements) Visible(selector string) bool {
	return e.evalBool("visible "+selector, visibleScript, selector)
}

func (e *Elements) WaitPresent(ctx context.Context, selector string, timeout time.Duration) bool {
	return e.waitFor(ctx, timeout, func() bool { return e.Exists(selector) })
}

func (e *Elements) WaitVisible(ctx context.Context, selector string, timeout time.Duration) bool {
	return e.waitFor(ctx, timeout, func() bool { return e.Visible(selector) })
}

func (e *Elements) Click(selector string) bool {
	ok := e.evalBool("click "+selector, clickScript, selector)
	if !ok {
		logging.Log(fmt.Sprintf("Could not click %s", selector), slog.LevelDebug)
	}
	return ok
}

// ClickIfPresent clicks an optional element such as a consent banner.
func (e *Elements) ClickIfPresent(ctx context.Context, selector string, timeout time.Duration) bool {
	if !e.WaitVisible(ctx, selector, timeout) {
		return false
	}
	return e.Click(selector)
}

func (e *Elements) Text(selector string) string {
	return e.evalString("text "+selector, textScript, selector)
}

func (e *Elements) FillField(ctx context.Context, id, value string) bool {
	if !e.WaitPresent(ctx, idSelector(id), e.timeout) {
		logging.Log(fmt.Sprintf("Field %s never appeared", id), slog.LevelWarn)
		return false
	}
	return e.evalBool("fill "+id, fillFieldScript, []interface{}{id, value})
}

// SelectDropdown opens a Kendo dropdown and clicks the option whose text is label.
// When the list cannot be driven by clicks the widget data source is used.
func (e *Elements) SelectDropdown(ctx context.Context, id, label string) bool {
	if !e.WaitPresent(ctx, idSelector(id), e.timeout) {
		logging.Log(fmt.Sprintf("Dropdown %s never appeared", id), slog.LevelWarn)
		return false
	}
	if e.evalBool("open "+id, openDropdownScript, id) {
		picked := e.waitFor(ctx, e.timeout/4, func() bool {
			return e.evalBool("pick "+id, pickOptionScript, []interface{}{id, label})
		})
		if picked {
			return true
		}
	}
	if e.evalBool("select "+id, selectDataSourceScript, []interface{}{id, label}) {
		return true
	}
	logging.Log(fmt.Sprintf("Option %q not found in dropdown %s", label, id), slog.LevelWarn)
	return false
}

// FillDate sets a Kendo date picker through its API, falling back to the plain input.
func (e *Elements) FillDate(ctx context.Context, id, value string) bool {
	if !e.WaitPresent(ctx, idSelector(id), e.timeout) {
		logging.Log(fmt.Sprintf("Date field %s never appeared", id), slog.LevelWarn)
		return false
	}
	if e.evalBool("date "+id, datePickerScript, []interface{}{id, value}) {
		return true
	}
	return e.evalBool("fill "+id, fillFieldScript, []interface{}{id, value})
}

// DropdownByLabel finds the id of the control bound to a visible label containing text.
func (e *Elements) DropdownByLabel(ctx context.Context, labelText string) string {
	var id string
	e.waitFor(ctx, e.timeout, func() bool {
		id = e.evalString("label "+labelText, dropdownByLabelScript, labelText)
		return id != ""
	})
	return id
}

// SelectDropdownByLabel picks value in the dropdown labelled labelText and
// verifies the widget shows it afterwards.
func (e *Elements) SelectDropdownByLabel(ctx context.Context, labelText, value string) bool {
	id := e.DropdownByLabel(ctx, labelText)
	if id == "" {
		logging.Log(fmt.Sprintf("No visible dropdown labelled %q", labelText), slog.LevelWarn)
		return false
	}
	if !e.evalBool("select "+id, selectDataSourceScript, []interface{}{id, value}) {
		logging.Log(fmt.Sprintf("Value %q not offered by dropdown %q", value, labelText), slog.LevelWarn)
		return false
	}
	shown := e.evalString("text "+id, dropdownTextScript, id)
	if !strings.EqualFold(strings.TrimSpace(shown), strings.TrimSpace(value)) {
		logging.Log(fmt.Sprintf("Dropdown %q shows %q after selecting %q", labelText, shown, value), slog.LevelWarn)
		return false
	}
	return true
}

// EvalJSON runs a script returning JSON.stringify(...) and decodes it into out.
func EvalJSON(ev Evaluator, out interface{}, script string, arg ...interface{}) error {
	v, err := ev.Evaluate(script, arg...)
	if err != nil {
		return fmt.Errorf("could not evaluate script: %w", err)
	}
	s, ok := v.(string)
	if !ok {
		return fmt.Errorf("script returned %T, expected a JSON string", v)
	}
	if err := json.Unmarshal([]byte(s), out); err != nil {
		return fmt.Errorf("could not decode script result: %w", err)
	}
	return nil
}
