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

package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visaworker/src/model"
)

type recordedMsg struct {
	subject string
	data    []byte
}

type fakeConn struct {
	msgs []recordedMsg
	err  error
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, recordedMsg{subject: subject, data: data})
	return nil
}

func TestSubject(t *testing.T) {
	tests := map[string]struct {
		status model.TaskStatus
		exp    string
	}{
		"waiting for otp": {status: model.TaskWaitingOTP, exp: "visaworker.tasks.waiting_otp"},
		"completed":       {status: model.TaskCompleted, exp: "visaworker.tasks.completed"},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, test.exp, Subject(test.status))
		})
	}
}

func TestNATSPublish(t *testing.T) {
	at := time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)
	ev := model.TaskEvent{TaskID: "t1", Status: model.TaskWaitingPassword, ApplicantStatus: model.ApplicantWaitingPassword, At: at}

	tests := map[string]struct {
		ev      model.TaskEvent
		connErr error
		expErr  bool
		expMsg  int
	}{
		"A valid event should be sent on its status subject.": {
			ev:     ev,
			expMsg: 1,
		},
		"An event without a task id should be rejected.": {
			ev:     model.TaskEvent{Status: model.TaskFailed},
			expErr: true,
		},
		"A connection error should be returned.": {
			ev:      ev,
			connErr: errors.New("closed"),
			expErr:  true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			fc := &fakeConn{err: test.connErr}
			n := &NATS{nc: fc}

			err := n.Publish(context.Background(), test.ev)
			if test.expErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Len(t, fc.msgs, test.expMsg)
			assert.Equal(t, "visaworker.tasks.waiting_password", fc.msgs[0].subject)

			var got model.TaskEvent
			require.NoError(t, json.Unmarshal(fc.msgs[0].data, &got))
			assert.Equal(t, test.ev, got)
		})
	}
}

func TestNoop(t *testing.T) {
	assert.NoError(t, Noop{}.Publish(context.Background(), model.TaskEvent{}))
}
