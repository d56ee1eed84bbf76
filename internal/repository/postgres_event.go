package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/metinatakli/premium-billing/internal/domain"
)

type PostgresProcessorEventRepository struct {
	db *pgxpool.Pool
}

func NewPostgresProcessorEventRepository(db *pgxpool.Pool) *PostgresProcessorEventRepository {
	return &PostgresProcessorEventRepository{
		db: db,
	}
}

func (p *PostgresProcessorEventRepository) Record(
	ctx context.Context,
	event *domain.ProcessorEvent) (bool, *domain.ProcessorEvent, error) {

	query := `
		INSERT INTO processor_events (provider, event_id, event_type, payload)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`

	err := p.db.QueryRow(
		ctx,
		query,
		event.Provider,
		event.EventID,
		event.EventType,
		event.Payload,
	).Scan(&event.ID, &event.CreatedAt)
	if err == nil {
		return true, event, nil
	}

	if !isUniqueViolation(err) {
		return false, nil, err
	}

	existing, err := p.Get(ctx, event.Provider, event.EventID)
	if err != nil {
		return false, nil, err
	}

	return false, existing, nil
}

// MarkProcessed stamps the event as handled. A non-nil processingErr is kept
// for inspection and leaves the event eligible for redelivery.
func (p *PostgresProcessorEventRepository) MarkProcessed(ctx context.Context, id int, processingErr error) error {
	query := `
		UPDATE processor_events
		SET processed_at = NOW(), processing_error = NULL
		WHERE id = $1
	`
	args := []any{id}

	if processingErr != nil {
		query = `UPDATE processor_events SET processing_error = $2 WHERE id = $1`
		args = append(args, processingErr.Error())
	}

	tag, err := p.db.Exec(ctx, query, args...)
	if err != nil {
		return err
	}

	if tag.RowsAffected() == 0 {
		return domain.ErrRecordNotFound
	}

	return nil
}

// Get returns the stored delivery of eventID from provider.
func (p *PostgresProcessorEventRepository) Get(ctx context.Context, provider, eventID string) (*domain.ProcessorEvent, error) {
	query := `
		SELECT id, provider, event_id, event_type, payload, processed_at, processing_error, created_at
		FROM processor_events
		WHERE provider = $1 AND event_id = $2
	`

	var event domain.ProcessorEvent

	err := p.db.QueryRow(ctx, query, provider, eventID).Scan(
		&event.ID,
		&event.Provider,
		&event.EventID,
		&event.EventType,
		&event.Payload,
		&event.ProcessedAt,
		&event.ProcessingError,
		&event.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrRecordNotFound
		}

		return nil, err
	}

	return &event, nil
}
