package db

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"reviewdesk/internal/types"
)

// NotificationRepository stores in-app notifications. It implements
// billing.Notifier.
type NotificationRepository struct {
	db DBTX
}

func NewNotificationRepository(db DBTX) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// Notify inserts n, assigning an ID and timestamp when unset.
func (r *NotificationRepository) Notify(ctx context.Context, n *types.Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}

	var data []byte
	if n.Data != nil {
		var err error
		data, err = json.Marshal(n.Data)
		if err != nil {
			return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode notification data", err)
		}
	}

	_, err := r.db.Exec(ctx,
		`INSERT INTO notifications (id, account_id, type, title, message, data, is_read, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		n.ID,
		n.AccountID,
		n.Type,
		n.Title,
		n.Message,
		data,
		n.IsRead,
		n.CreatedAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create notification", err)
	}
	return nil
}

// List returns the account's most recent notifications.
func (r *NotificationRepository) List(ctx context.Context, accountID string, limit int) ([]*types.Notification, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, account_id, type, title, message, data, is_read, created_at
		 FROM notifications
		 WHERE account_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		accountID,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list notifications", err)
	}
	defer rows.Close()

	out := []*types.Notification{}
	for rows.Next() {
		var n types.Notification
		var data []byte
		if err := rows.Scan(&n.ID, &n.AccountID, &n.Type, &n.Title, &n.Message, &data, &n.IsRead, &n.CreatedAt); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan notification", err)
		}
		if len(data) > 0 {
			// Malformed data is dropped rather than failing the whole list.
			_ = json.Unmarshal(data, &n.Data)
		}
		out = append(out, &n)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate notifications", err)
	}
	return out, nil
}

// SetRead updates the read flag of a notification owned by accountID.
func (r *NotificationRepository) SetRead(ctx context.Context, accountID, id string, isRead bool) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE notifications SET is_read = $1 WHERE id = $2 AND account_id = $3`,
		isRead,
		id,
		accountID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update notification", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundNotification, "notification not found", nil)
	}
	return nil
}

// Delete removes a notification owned by accountID.
func (r *NotificationRepository) Delete(ctx context.Context, accountID, id string) error {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM notifications WHERE id = $1 AND account_id = $2`,
		id,
		accountID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to delete notification", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundNotification, "notification not found", nil)
	}
	return nil
}
