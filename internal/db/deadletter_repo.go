package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"reviewdesk/internal/types"
)

// DeadLetterRepository persists billing events the reconciler could not
// apply. Rows are append-only; only resolved_at is ever updated.
type DeadLetterRepository struct {
	db DBTX
}

func NewDeadLetterRepository(db DBTX) *DeadLetterRepository {
	return &DeadLetterRepository{db: db}
}

const deadLetterColumns = `id, event_id, event_type, account_id, customer_ref,
	outcome, reason, error, payload, created_at, resolved_at`

func scanDeadLetter(row pgx.Row) (*types.DeadLetter, error) {
	var dl types.DeadLetter
	var accountID, customerRef *string
	err := row.Scan(
		&dl.ID,
		&dl.EventID,
		&dl.EventType,
		&accountID,
		&customerRef,
		&dl.Outcome,
		&dl.Reason,
		&dl.Error,
		&dl.Payload,
		&dl.CreatedAt,
		&dl.ResolvedAt,
	)
	if err != nil {
		return nil, err
	}
	if accountID != nil {
		dl.AccountID = *accountID
	}
	if customerRef != nil {
		dl.CustomerRef = *customerRef
	}
	return &dl, nil
}

// Record implements billing.DeadLetterSink.
func (r *DeadLetterRepository) Record(ctx context.Context, dl *types.DeadLetter) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO billing_dead_letters (id, event_id, event_type, account_id, customer_ref,
		 outcome, reason, error, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, COALESCE($10, NOW()))`,
		dl.ID,
		dl.EventID,
		dl.EventType,
		nilIfEmpty(dl.AccountID),
		nilIfEmpty(dl.CustomerRef),
		dl.Outcome,
		dl.Reason,
		dl.Error,
		dl.Payload,
		nilIfZeroTime(dl.CreatedAt),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to record dead letter", err)
	}
	return nil
}

// ListUnresolved returns unresolved dead letters, newest first.
func (r *DeadLetterRepository) ListUnresolved(ctx context.Context, limit int) ([]*types.DeadLetter, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+deadLetterColumns+`
		 FROM billing_dead_letters
		 WHERE resolved_at IS NULL
		 ORDER BY created_at DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list dead letters", err)
	}
	defer rows.Close()

	var out []*types.DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan dead letter", err)
		}
		out = append(out, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate dead letters", err)
	}
	return out, nil
}

// GetByID returns one dead letter or not_found_dead_letter.
func (r *DeadLetterRepository) GetByID(ctx context.Context, id string) (*types.DeadLetter, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+deadLetterColumns+` FROM billing_dead_letters WHERE id = $1`,
		id,
	)
	dl, err := scanDeadLetter(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundDeadLetter, "dead letter not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve dead letter", err)
	}
	return dl, nil
}

// MarkResolved stamps resolved_at. Resolving an already resolved letter is
// a no-op.
func (r *DeadLetterRepository) MarkResolved(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE billing_dead_letters
		 SET resolved_at = COALESCE(resolved_at, NOW())
		 WHERE id = $1`,
		id,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to resolve dead letter", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundDeadLetter, "dead letter not found", nil)
	}
	return nil
}
