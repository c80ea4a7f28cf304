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

// Package events publishes task status transitions so operators learn when a
// run needs their input.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"visaworker/src/model"
)

const subjectPrefix = "visaworker.tasks"

type Publisher interface {
	Publish(ctx context.Context, ev model.TaskEvent) error
}

// Subject is the NATS subject an event with the given status is sent on.
func Subject(status model.TaskStatus) string {
	return subjectPrefix + "." + string(status)
}

// Encode is the wire form of an event.
func Encode(ev model.TaskEvent) ([]byte, error) {
	if ev.TaskID == "" || ev.Status == "" {
		return nil, fmt.Errorf("%w: event needs a task id and status", model.ErrInvalidInput)
	}
	return json.Marshal(ev)
}

// Noop drops every event. Used when no NATS server is configured.
type Noop struct{}

func (Noop) Publish(context.Context, model.TaskEvent) error { return nil }

type conn interface {
	Publish(subject string, data []byte) error
}

type NATS struct {
	nc   conn
	done func()
}

// Connect dials the server and keeps reconnecting for the life of the worker.
func Connect(url string) (*NATS, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url,
		nats.Name("visaworker"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("could not connect to nats at %s: %w", url, err)
	}
	return &NATS{nc: nc, done: func() { _ = nc.Drain() }}, nil
}

func (n *NATS) Publish(ctx context.Context, ev model.TaskEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := Encode(ev)
	if err != nil {
		return err
	}
	return n.nc.Publish(Subject(ev.Status), data)
}

func (n *NATS) Close() {
	if n.done != nil {
		n.done()
	}
}
