package db

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"reviewdesk/internal/types"
)

func TestDeadLetterRepository_Record(t *testing.T) {
	db := new(mockDBTX)
	repo := NewDeadLetterRepository(db)

	dl := &types.DeadLetter{
		ID:        "dl_1",
		EventID:   "evt_1",
		EventType: "checkout_completed",
		Outcome:   types.OutcomeDropped,
		Reason:    types.ErrCodeEventMalformed,
		Error:     "checkout event is missing account id or plan id",
		Payload:   json.RawMessage(`{"id":"evt_1"}`),
	}

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Run(func(args mock.Arguments) {
			assert.Contains(t, args.Get(1).(string), "INSERT INTO billing_dead_letters")
			params := args.Get(2).([]any)
			assert.Equal(t, "dl_1", params[0])
			assert.Nil(t, params[3], "empty account id is stored as NULL")
			assert.Equal(t, types.ErrCodeEventMalformed, params[6])
		}).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	require.NoError(t, repo.Record(context.Background(), dl))
	db.AssertExpectations(t)
}

func TestDeadLetterRepository_Record_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewDeadLetterRepository(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("disk full"))

	err := repo.Record(context.Background(), &types.DeadLetter{ID: "dl_1"})
	assert.True(t, types.IsCode(err, types.ErrCodeInternalDB))
}

func TestDeadLetterRepository_ListUnresolved(t *testing.T) {
	db := new(mockDBTX)
	repo := NewDeadLetterRepository(db)

	created := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	acct := "acct_1"
	rows := newMockRows([][]any{
		{"dl_2", "evt_2", "subscription_updated", &acct, nil, types.OutcomeFailed, types.ErrCodeInternalDB, "boom", []byte(`{}`), created, nil},
		{"dl_1", "evt_1", "checkout_completed", nil, nil, types.OutcomeDropped, types.ErrCodeEventMalformed, "bad", []byte(`{}`), created.Add(-time.Hour), nil},
	})

	db.On("Query", mock.Anything, mock.AnythingOfType("string"), []any{50}).Return(rows, nil)

	out, err := repo.ListUnresolved(context.Background(), 50)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "dl_2", out[0].ID)
	assert.Equal(t, "acct_1", out[0].AccountID)
	assert.Equal(t, types.OutcomeFailed, out[0].Outcome)
	assert.Equal(t, "", out[1].AccountID)
	assert.True(t, rows.closed)
}

func TestDeadLetterRepository_ListUnresolved_RowsErr(t *testing.T) {
	db := new(mockDBTX)
	repo := NewDeadLetterRepository(db)

	rows := newMockRows(nil)
	rows.errVal = errors.New("network")
	db.On("Query", mock.Anything, mock.AnythingOfType("string"), mock.Anything).Return(rows, nil)

	_, err := repo.ListUnresolved(context.Background(), 10)
	assert.True(t, types.IsCode(err, types.ErrCodeInternalDB))
}

func TestDeadLetterRepository_GetByID_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewDeadLetterRepository(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), []any{"dl_x"}).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := repo.GetByID(context.Background(), "dl_x")
	assert.True(t, types.IsCode(err, types.ErrCodeNotFoundDeadLetter))
}

func TestDeadLetterRepository_MarkResolved(t *testing.T) {
	db := new(mockDBTX)
	repo := NewDeadLetterRepository(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), []any{"dl_1"}).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil).Once()
	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), []any{"dl_missing"}).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil).Once()

	assert.NoError(t, repo.MarkResolved(context.Background(), "dl_1"))
	err := repo.MarkResolved(context.Background(), "dl_missing")
	assert.True(t, types.IsCode(err, types.ErrCodeNotFoundDeadLetter))
}
