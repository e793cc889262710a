// Package notify delivers order outcome notifications to the terminal.
package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fatih/color"

	apperrors "instance-trader/internal/errors"
	"instance-trader/internal/execution"
	"instance-trader/pkg/utils"
)

// Kind classifies a notification.
type Kind int

const (
	KindFill Kind = iota
	KindRejected
	KindTimeout
	KindError
	KindInfo
)

func (k Kind) String() string {
	switch k {
	case KindFill:
		return "FILL"
	case KindRejected:
		return "REJECTED"
	case KindTimeout:
		return "TIMEOUT"
	case KindError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// Notification is one message for the operator.
type Notification struct {
	Kind      Kind
	Instance  int64
	Symbol    string
	OrderID   string
	Message   string
	Timestamp time.Time
	Priority  int // Higher = more important
}

// Handler consumes notifications.
type Handler func(n Notification)

// Notifier queues notifications and fans them out to handlers on its own
// goroutine so senders never block.
type Notifier struct {
	notifications chan Notification
	handlers      []Handler
	mu            sync.RWMutex
	enabled       bool
}

// NewNotifier creates a notifier with the given buffer size.
func NewNotifier(bufferSize int) *Notifier {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Notifier{
		notifications: make(chan Notification, bufferSize),
		enabled:       true,
	}
}

// SetEnabled enables or disables the notifier.
func (n *Notifier) SetEnabled(enabled bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.enabled = enabled
}

// AddHandler adds a notification handler.
func (n *Notifier) AddHandler(h Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers = append(n.handlers, h)
}

// Notify queues a notification. When the buffer is full the oldest queued
// notification is dropped.
func (n *Notifier) Notify(note Notification) {
	n.mu.RLock()
	enabled := n.enabled
	n.mu.RUnlock()
	if !enabled {
		return
	}

	if note.Timestamp.IsZero() {
		note.Timestamp = time.Now()
	}

	for {
		select {
		case n.notifications <- note:
			return
		default:
		}
		select {
		case <-n.notifications:
		default:
		}
	}
}

// Start delivers queued notifications until ctx is done.
func (n *Notifier) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case note := <-n.notifications:
				n.dispatch(note)
			}
		}
	}()
}

// Drain delivers whatever is queued without blocking.
func (n *Notifier) Drain() {
	for {
		select {
		case note := <-n.notifications:
			n.dispatch(note)
		default:
			return
		}
	}
}

func (n *Notifier) dispatch(note Notification) {
	n.mu.RLock()
	handlers := n.handlers
	n.mu.RUnlock()

	for _, h := range handlers {
		h(note)
	}
}

// FromOutcome builds the notification for a finished fill watcher.
func FromOutcome(instanceID int64, o execution.Outcome) Notification {
	note := Notification{
		Instance: instanceID,
		Symbol:   o.Order.Symbol,
		OrderID:  o.Order.ID,
	}

	switch {
	case o.Err == nil && o.Holding != nil:
		note.Kind = KindFill
		note.Message = fmt.Sprintf("%s %s %s @ %s",
			o.Holding.Side, utils.FormatShares(o.Holding.Shares), o.Holding.Ticker, utils.FormatMoney(o.Holding.Price))
		note.Priority = 1
	case errors.Is(o.Err, apperrors.ErrFillTimeout):
		note.Kind = KindTimeout
		note.Message = fmt.Sprintf("%s %s gave up waiting for a fill", o.Order.Side, o.Order.Symbol)
		note.Priority = 2
	case errors.Is(o.Err, apperrors.ErrOrderRejected),
		errors.Is(o.Err, apperrors.ErrOrderCancelled),
		errors.Is(o.Err, apperrors.ErrOrderExpired):
		note.Kind = KindRejected
		note.Message = fmt.Sprintf("%s %s ended %s: %v", o.Order.Side, o.Order.Symbol, o.Order.Status, o.Err)
		note.Priority = 2
	case o.Err != nil:
		note.Kind = KindError
		note.Message = fmt.Sprintf("%s %s: %v", o.Order.Side, o.Order.Symbol, o.Err)
		note.Priority = 2
	default:
		note.Kind = KindInfo
		note.Message = fmt.Sprintf("%s %s finished with status %s", o.Order.Side, o.Order.Symbol, o.Order.Status)
	}
	return note
}

// OutcomeHandler forwards engine outcomes for one instance.
func OutcomeHandler(n *Notifier, instanceID int64) execution.OutcomeHandler {
	return func(o execution.Outcome) {
		n.Notify(FromOutcome(instanceID, o))
	}
}

// Format renders a notification as a single line.
func Format(note Notification) string {
	label := fmt.Sprintf("[%s]", note.Kind)
	switch note.Kind {
	case KindFill:
		label = color.GreenString(label)
	case KindRejected, KindTimeout:
		label = color.YellowString(label)
	case KindError:
		label = color.RedString(label)
	default:
		label = color.CyanString(label)
	}

	line := fmt.Sprintf("%s %s #%d %s", note.Timestamp.Local().Format(time.TimeOnly), label, note.Instance, note.Message)
	if note.OrderID != "" {
		line += color.New(color.Faint).Sprintf(" (%s)", note.OrderID)
	}
	return line
}

// WriterHandler prints formatted notifications to w, ringing the terminal
// bell for high-priority ones when bell is set.
func WriterHandler(w io.Writer, bell bool) Handler {
	var mu sync.Mutex
	return func(note Notification) {
		mu.Lock()
		defer mu.Unlock()
		if bell && note.Priority >= 2 {
			fmt.Fprint(w, "\a")
		}
		fmt.Fprintln(w, Format(note))
	}
}
