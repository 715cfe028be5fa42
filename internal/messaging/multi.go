package messaging

import (
	"context"
	"errors"
	"fmt"

	"github.com/igwedaniel/indexwatch/internal/types"
)

// MultiPublisher forwards every event to each wrapped publisher. A failing
// publisher does not prevent delivery to the others.
type MultiPublisher struct {
	names      []string
	publishers []Publisher
}

func NewMultiPublisher() *MultiPublisher {
	return &MultiPublisher{}
}

// Add registers a named publisher
func (m *MultiPublisher) Add(name string, p Publisher) *MultiPublisher {
	m.names = append(m.names, name)
	m.publishers = append(m.publishers, p)
	return m
}

func (m *MultiPublisher) Len() int {
	return len(m.publishers)
}

func (m *MultiPublisher) Publish(ctx context.Context, event *types.Event) error {
	return m.each(func(p Publisher) error { return p.Publish(ctx, event) })
}

func (m *MultiPublisher) PublishSnapshot(ctx context.Context, snapshot *types.SnapshotEvent, source string) error {
	return m.each(func(p Publisher) error { return p.PublishSnapshot(ctx, snapshot, source) })
}

func (m *MultiPublisher) PublishStall(ctx context.Context, stall *types.StallEvent, source string) error {
	return m.each(func(p Publisher) error { return p.PublishStall(ctx, stall, source) })
}

// Ping checks every wrapped publisher that can report its connection state
func (m *MultiPublisher) Ping(ctx context.Context) error {
	return m.each(func(p Publisher) error {
		if pinger, ok := p.(Pinger); ok {
			return pinger.Ping(ctx)
		}
		return nil
	})
}

func (m *MultiPublisher) Close() error {
	return m.each(func(p Publisher) error { return p.Close() })
}

func (m *MultiPublisher) each(fn func(Publisher) error) error {
	var errs []error
	for i, p := range m.publishers {
		if err := fn(p); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", m.names[i], err))
		}
	}
	return errors.Join(errs...)
}
