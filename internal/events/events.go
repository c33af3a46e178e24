// Package events publishes materialised daily bars and snapshots to
// downstream consumers: a Kafka topic and the WebSocket snapshot stream.
package events

import (
	"context"
	"errors"
	"time"

	"finbench/internal/domain"
)

// Kind tags what an event carries.
type Kind string

const (
	KindDaily        Kind = "daily"
	KindSnapshot     Kind = "snapshot"
	KindFundamentals Kind = "fundamentals"
)

// Event is emitted after a raw row's transaction commits.
type Event struct {
	Kind        Kind               `json:"kind"`
	CanonicalID domain.CanonicalID `json:"canonical_id"`
	RawID       int64              `json:"raw_id,omitempty"`
	Daily       []domain.DailyBar  `json:"daily,omitempty"`
	Snapshot    *domain.Snapshot   `json:"snapshot,omitempty"`
	Reports     int                `json:"reports,omitempty"`
	At          time.Time          `json:"at"`
}

// Publisher delivers events. Publication failures never undo stored state.
type Publisher interface {
	Publish(ctx context.Context, events ...Event) error
	Close() error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, ...Event) error { return nil }
func (Nop) Close() error                            { return nil }

// Multi fans events out to several publishers.
type Multi []Publisher

// Publish delivers to every publisher and joins their errors.
func (m Multi) Publish(ctx context.Context, events ...Event) error {
	if len(events) == 0 {
		return nil
	}
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, events...); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every publisher.
func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
