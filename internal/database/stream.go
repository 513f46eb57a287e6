package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/Capitan-Parrot/safety-alert-runner/internal/models"
)

// SetStreamAction сохраняет желаемое состояние потока и пишет событие в журнал
// в одной транзакции
func (d *Database) SetStreamAction(ctx context.Context, streamID string, action models.CommandAction, reason string) error {
	return d.InTx(ctx, func(ctx context.Context) error {
		now := time.Now().UTC()
		q := d.querier(ctx)

		if _, err := q.ExecContext(ctx,
			`INSERT INTO streams (id, action, created_at, updated_at) VALUES ($1, $2, $3, $3)
				ON CONFLICT (id) DO UPDATE SET action = $2, updated_at = $3`,
			streamID,
			action,
			now,
		); err != nil {
			return fmt.Errorf("failed to upsert stream: %w", err)
		}

		if _, err := q.ExecContext(ctx,
			"INSERT INTO stream_events (id, stream_id, action, reason, created_at) VALUES ($1, $2, $3, $4, $5)",
			uuid.New().String(),
			streamID,
			action,
			reason,
			now,
		); err != nil {
			return fmt.Errorf("failed to record stream event: %w", err)
		}

		return nil
	})
}

func (d *Database) GetStream(ctx context.Context, streamID string) (*models.Stream, error) {
	row := d.querier(ctx).QueryRowContext(ctx, `
		SELECT id, action, created_at, updated_at
		FROM streams
		WHERE id = $1
	`, streamID)

	var s models.Stream
	err := row.Scan(&s.ID, &s.Action, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Поток не найден - это не ошибка
		}
		return nil, fmt.Errorf("failed to get stream: %w", err)
	}

	return &s, nil
}

// ListStreamsByAction возвращает потоки с заданным желаемым состоянием
func (d *Database) ListStreamsByAction(ctx context.Context, action models.CommandAction) ([]models.Stream, error) {
	rows, err := d.querier(ctx).QueryContext(ctx, `
		SELECT id, action, created_at, updated_at
		FROM streams
		WHERE action = $1
		ORDER BY created_at
	`, action)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var streams []models.Stream
	for rows.Next() {
		var s models.Stream
		if err := rows.Scan(&s.ID, &s.Action, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		streams = append(streams, s)
	}

	return streams, rows.Err()
}

// TouchStreams обновляет updated_at у работающих потоков (heartbeat)
func (d *Database) TouchStreams(ctx context.Context, streamIDs []string) error {
	if len(streamIDs) == 0 {
		return nil
	}

	_, err := d.querier(ctx).ExecContext(ctx,
		"UPDATE streams SET updated_at = $1 WHERE id = ANY($2)",
		time.Now().UTC(),
		pq.Array(streamIDs),
	)

	return err
}
