package monitor

import (
	"context"

	"github.com/igwedaniel/indexwatch/internal/messaging"
	"github.com/igwedaniel/indexwatch/internal/types"
)

// Sink receives every snapshot a session publishes. Deliver is called from
// the publish goroutine and must not retain the event after returning.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, event *types.SnapshotEvent) error
}

// PublisherSink forwards snapshots to a message publisher
type PublisherSink struct {
	name      string
	publisher messaging.Publisher
	source    string
}

func NewPublisherSink(name string, publisher messaging.Publisher, source string) *PublisherSink {
	return &PublisherSink{name: name, publisher: publisher, source: source}
}

func (s *PublisherSink) Name() string {
	return s.name
}

func (s *PublisherSink) Deliver(ctx context.Context, event *types.SnapshotEvent) error {
	return s.publisher.PublishSnapshot(ctx, event, s.source)
}
