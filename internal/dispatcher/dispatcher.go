// Package dispatcher delivers events asynchronously with buffering, retry
// and a circuit breaker per destination host.
package dispatcher

import (
	"context"
	"dockerjobs/pkg/cloudevent"
	"errors"
)

var (
	// ErrBufferFull is returned when the buffer is full and the event is dropped.
	ErrBufferFull = errors.New("dispatcher buffer full, event dropped")
	// ErrClosed is returned by Dispatch after Close.
	ErrClosed = errors.New("dispatcher is closed")
)

// Dispatcher handles async delivery of events.
type Dispatcher interface {
	// Dispatch queues an event for delivery without blocking.
	Dispatch(event *Event) error

	// Stats returns current dispatcher statistics.
	Stats() Stats

	// Close stops accepting events and delivers what is queued until ctx ends.
	Close(ctx context.Context) error
}

// Event is an event bound for one destination.
type Event struct {
	Payload     *cloudevent.CloudEvent
	Destination string // receiver URL
	SigningKey  string // HMAC key, empty = unsigned
	requeues    int
}

// Stats holds dispatcher statistics.
type Stats struct {
	QueueDepth    int
	Queued        int64
	Delivered     int64
	Failed        int64 // gave up after retries or on a 4xx
	Dropped       int64 // buffer full or too many requeues
	Requeued      int64 // put back while the breaker was open
	RetriesTotal  int64
	BreakersTotal int
	BreakersOpen  int
}
