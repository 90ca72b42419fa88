package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ChainChat/internal/conversation"
	xerrors "ChainChat/internal/errors"
	"ChainChat/internal/invocation"
	"ChainChat/internal/llm"
)

func newMockStore(t *testing.T) (*ConversationStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewConversationStoreWithDB(db), mock
}

func TestConversationStoreCreate(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.UnixMilli(1_700_000_000_000)
	conv := &conversation.Conversation{ID: "c1", Title: "swap", CreatedAt: now, UpdatedAt: now}

	mock.ExpectExec("INSERT INTO conversations").
		WithArgs("c1", "swap", now.UnixMilli(), now.UnixMilli()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, store.Create(context.Background(), conv))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConversationStoreGetNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT id, title, created_at, updated_at FROM conversations").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := store.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeConversationNotFound, xerrors.CodeOf(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConversationStoreGetLoadsTranscript(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.UnixMilli(1_700_000_000_000)

	inv := invocation.Invocation{
		ID:             "call_1",
		ConversationID: "c1",
		ToolName:       "transfer",
		State:          invocation.StateCancelled,
		Reason:         invocation.ReasonUserDenied,
		History:        []invocation.State{invocation.StatePending, invocation.StateAwaitingConfirmation, invocation.StateCancelled},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	payload, err := json.Marshal(inv)
	require.NoError(t, err)
	calls, err := json.Marshal([]llm.ToolCall{{ID: "call_1", Name: "transfer", Arguments: `{"amount":1}`}})
	require.NoError(t, err)

	mock.ExpectQuery("SELECT id, title, created_at, updated_at FROM conversations").
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "title", "created_at", "updated_at"}).
			AddRow("c1", "send", now.UnixMilli(), now.UnixMilli()))
	mock.ExpectQuery("FROM conversation_messages").
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "role", "content", "tool_calls", "tool_call_id", "tool_name", "created_at"}).
			AddRow("m1", "user", "send 1 AVAX", nil, "", "", now.UnixMilli()).
			AddRow("m2", "assistant", "", string(calls), "", "", now.UnixMilli()))
	mock.ExpectQuery("FROM conversation_invocations").
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows([]string{"payload"}).AddRow(string(payload)))

	conv, err := store.Get(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, llm.RoleUser, conv.Messages[0].Role)
	require.Len(t, conv.Messages[1].ToolCalls, 1)
	assert.Equal(t, "transfer", conv.Messages[1].ToolCalls[0].Name)
	require.Len(t, conv.Invocations, 1)
	assert.Equal(t, invocation.StateCancelled, conv.Invocations[0].State)
	assert.Equal(t, invocation.ReasonUserDenied, conv.Invocations[0].Reason)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConversationStoreSaveRewritesTranscript(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.UnixMilli(1_700_000_000_000)
	conv := &conversation.Conversation{
		ID:    "c1",
		Title: "balance",
		Messages: []conversation.Message{
			{ID: "m1", Role: llm.RoleUser, Content: "balance?", CreatedAt: now},
		},
		Invocations: []invocation.Invocation{
			{ID: "call_1", ToolName: "getBalance", State: invocation.StateCompleted, UpdatedAt: now},
		},
		UpdatedAt: now,
	}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE conversations SET").
		WithArgs("balance", now.UnixMilli(), "c1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM conversation_messages").WithArgs("c1").WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("INSERT INTO conversation_messages").
		WithArgs("c1", 0, "m1", "user", "balance?", sqlmock.AnyArg(), "", "", now.UnixMilli()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("DELETE FROM conversation_invocations").WithArgs("c1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO conversation_invocations").
		WithArgs("c1", 0, "call_1", "getBalance", "completed", sqlmock.AnyArg(), now.UnixMilli()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, store.Save(context.Background(), conv))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConversationStoreSaveUnknownConversation(t *testing.T) {
	store, mock := newMockStore(t)
	conv := &conversation.Conversation{ID: "ghost", UpdatedAt: time.Now()}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE conversations SET").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT 1 FROM conversations").WithArgs("ghost").WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	err := store.Save(context.Background(), conv)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeConversationNotFound, xerrors.CodeOf(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConversationStoreList(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.UnixMilli(1_700_000_000_000)

	mock.ExpectQuery("FROM conversations c ORDER BY").
		WithArgs(50).
		WillReturnRows(sqlmock.NewRows([]string{"id", "title", "updated_at", "count"}).
			AddRow("c2", "newer", now.Add(time.Minute).UnixMilli(), 4).
			AddRow("c1", "older", now.UnixMilli(), 2))

	list, err := store.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "c2", list[0].ID)
	assert.Equal(t, 4, list[0].MessageCount)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunMigrationsSkipsApplied(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT version FROM schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow("0001"))

	require.NoError(t, runMigrations(context.Background(), db))
	require.NoError(t, mock.ExpectationsWereMet())
}
