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

package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lib/pq"

	"visaworker/src/logging"
	"visaworker/src/storage"
)

// InputListener fans out NOTIFY payloads on the input channel to the
// executions waiting on those tasks.
type InputListener struct {
	listener *pq.Listener

	mu          sync.Mutex
	subscribers map[string]map[chan struct{}]struct{}
}

var _ storage.Notifier = (*InputListener)(nil)

func NewInputListener(dsn string) (*InputListener, error) {
	reportProblem := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logging.Log(fmt.Sprintf("Listener error: %v", err), slog.LevelError)
		}
	}

	listener := pq.NewListener(dsn, 10*time.Second, time.Minute, reportProblem)
	if err := listener.Listen(InputChannel); err != nil {
		listener.Close()
		return nil, fmt.Errorf("could not listen on %s: %w", InputChannel, err)
	}

	return &InputListener{
		listener:    listener,
		subscribers: map[string]map[chan struct{}]struct{}{},
	}, nil
}

// Run dispatches notifications until ctx is done. A nil notification means
// the connection was re-established, every waiter is woken to re-read.
func (l *InputListener) Run(ctx context.Context) error {
	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-l.listener.Notify:
			if n == nil {
				l.broadcast()
				continue
			}
			l.dispatch(n.Extra)
		case <-ping.C:
			go l.listener.Ping()
		}
	}
}

func (l *InputListener) Close() error {
	return l.listener.Close()
}

func (l *InputListener) Subscribe(taskID string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	l.mu.Lock()
	if l.subscribers[taskID] == nil {
		l.subscribers[taskID] = map[chan struct{}]struct{}{}
	}
	l.subscribers[taskID][ch] = struct{}{}
	l.mu.Unlock()

	return ch, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.subscribers[taskID], ch)
		if len(l.subscribers[taskID]) == 0 {
			delete(l.subscribers, taskID)
		}
	}
}

func (l *InputListener) dispatch(taskID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ch := range l.subscribers[taskID] {
		wake(ch)
	}
}

func (l *InputListener) broadcast() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, subs := range l.subscribers {
		for ch := range subs {
			wake(ch)
		}
	}
}

func wake(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
