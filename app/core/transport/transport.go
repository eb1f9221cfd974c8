// Package transport defines the seams between the orchestration core and
// the outside world. Concrete channel clients, device backends, and
// notification delivery live behind these interfaces.
package transport

import (
	"context"
	"fmt"
	"sync"
)

type SendResult struct {
	Success   bool
	MessageID string
}

// Sender delivers one outbound message on a single channel.
type Sender interface {
	Send(ctx context.Context, recipient string, content string) (SendResult, error)
}

// NotificationSink receives human-facing operational notices: review flags
// for unknown senders and the daily digest.
type NotificationSink interface {
	Notify(ctx context.Context, subject string, body string) error
}

const (
	AsyncStatusPending   = "pending"
	AsyncStatusRunning   = "running"
	AsyncStatusCompleted = "completed"
	AsyncStatusFailed    = "failed"
	AsyncStatusError     = "error"
)

type AsyncStatus struct {
	Status string
	Result string
	Error  string
}

func (s AsyncStatus) IsTerminal() bool {
	return s.Status == AsyncStatusCompleted || s.Status == AsyncStatusFailed || s.Status == AsyncStatusError
}

// AsyncTaskLookup polls an external long-running operation, e.g. a device
// automation job a jorb handed off and is waiting on.
type AsyncTaskLookup interface {
	GetStatus(ctx context.Context, taskID string) (AsyncStatus, error)
}

// DeviceMaintenance is the maintenance loop's delegate. Its payload is
// outside the orchestration core.
type DeviceMaintenance interface {
	RunMonthly(ctx context.Context) error
	RunWeekly(ctx context.Context) error
}

// Dispatcher fans outbound sends to the Sender registered for a channel.
type Dispatcher struct {
	mu      sync.RWMutex
	senders map[string]Sender
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{senders: make(map[string]Sender)}
}

func (d *Dispatcher) Register(channel string, sender Sender) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.senders[channel] = sender
}

func (d *Dispatcher) Send(ctx context.Context, channel string, recipient string, content string) (SendResult, error) {
	d.mu.RLock()
	sender, ok := d.senders[channel]
	d.mu.RUnlock()
	if !ok {
		return SendResult{}, fmt.Errorf("no sender registered for channel %q", channel)
	}
	return sender.Send(ctx, recipient, content)
}
