// Package events carries completion notices from the disk and network
// tiers back to the cacher as one tagged event type.
package events

import (
	"context"
	"sync"

	"pixelgate/internal/cache"
	"pixelgate/pkg/types"
)

// Kind tags an Event.
type Kind int

const (
	DecodeDone Kind = iota + 1
	DecodeFailed
	DownloadDone
	DownloadFailed
	DetailsDone
	DetailsFailed
)

func (k Kind) String() string {
	switch k {
	case DecodeDone:
		return "decode_done"
	case DecodeFailed:
		return "decode_failed"
	case DownloadDone:
		return "download_done"
	case DownloadFailed:
		return "download_failed"
	case DetailsDone:
		return "details_done"
	case DetailsFailed:
		return "details_failed"
	default:
		return "unknown"
	}
}

// Event is a completion notice. Decode events carry Key (and Bitmap and
// Source on success); download and details events carry URI. Failures
// carry Message.
type Event struct {
	Kind    Kind
	Key     cache.Key
	URI     string
	Bitmap  *types.Bitmap
	Source  types.Tier
	Message string
}

func NewDecodeDone(key cache.Key, bitmap *types.Bitmap, source types.Tier) Event {
	return Event{Kind: DecodeDone, Key: key, URI: key.URI, Bitmap: bitmap, Source: source}
}

func NewDecodeFailed(key cache.Key, message string) Event {
	return Event{Kind: DecodeFailed, Key: key, URI: key.URI, Message: message}
}

func NewDownloadDone(uri string) Event {
	return Event{Kind: DownloadDone, URI: uri}
}

func NewDownloadFailed(uri, message string) Event {
	return Event{Kind: DownloadFailed, URI: uri, Message: message}
}

func NewDetailsDone(uri string) Event {
	return Event{Kind: DetailsDone, URI: uri}
}

func NewDetailsFailed(uri, message string) Event {
	return Event{Kind: DetailsFailed, URI: uri, Message: message}
}

// Sink accepts events. Publish must be safe for concurrent use.
type Sink interface {
	Publish(ev Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ev Event)

func (f SinkFunc) Publish(ev Event) { f(ev) }

// Bus is a buffered Sink drained by Run. Events are handled one at a
// time in publish order.
type Bus struct {
	ch       chan Event
	done     chan struct{}
	doneOnce sync.Once
}

func NewBus(buffer int) *Bus {
	if buffer < 0 {
		buffer = 0
	}
	return &Bus{
		ch:   make(chan Event, buffer),
		done: make(chan struct{}),
	}
}

// Publish enqueues ev. It blocks while the buffer is full and drops the
// event once the bus has stopped.
func (b *Bus) Publish(ev Event) {
	select {
	case b.ch <- ev:
	case <-b.done:
	}
}

// Run hands every published event to handle until ctx is done.
func (b *Bus) Run(ctx context.Context, handle func(Event)) error {
	defer b.doneOnce.Do(func() { close(b.done) })

	for {
		select {
		case ev := <-b.ch:
			handle(ev)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
