package domain

import (
	"context"
	"time"
)

type ProcessorEvent struct {
	ID              int
	Provider        string
	EventID         string
	EventType       string
	Payload         []byte
	ProcessedAt     *time.Time
	ProcessingError *string
	CreatedAt       time.Time
}

type ProcessorEventRepository interface {
	// Record stores the event unless it is already known and reports whether a
	// new row was created together with the stored row.
	Record(ctx context.Context, event *ProcessorEvent) (bool, *ProcessorEvent, error)
	MarkProcessed(ctx context.Context, id int, processingErr error) error
}
