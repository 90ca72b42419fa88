package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"ChainChat/internal/conversation"
	xerrors "ChainChat/internal/errors"
	"ChainChat/internal/invocation"
	"ChainChat/internal/llm"
)

// ConversationStore 在 MySQL 中保存会话、消息与调用记录。
type ConversationStore struct {
	db *sql.DB
}

// NewConversationStore 建立连接池并执行迁移。
func NewConversationStore(ctx context.Context, cfg Config) (*ConversationStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &ConversationStore{db: db}, nil
}

// NewConversationStoreWithDB 使用已有连接，不执行迁移。
func NewConversationStoreWithDB(db *sql.DB) *ConversationStore {
	return &ConversationStore{db: db}
}

// Close 关闭底层数据库连接。
func (s *ConversationStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Create 实现 conversation.Store。
func (s *ConversationStore) Create(ctx context.Context, conv *conversation.Conversation) error {
	if conv == nil || conv.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话 id 不能为空")
	}
	const stmt = `INSERT INTO conversations (id, title, created_at, updated_at) VALUES (?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, stmt, conv.ID, conv.Title, conv.CreatedAt.UnixMilli(), conv.UpdatedAt.UnixMilli()); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入会话失败")
	}
	return nil
}

// Get 实现 conversation.Store。
func (s *ConversationStore) Get(ctx context.Context, id string) (*conversation.Conversation, error) {
	const query = `SELECT id, title, created_at, updated_at FROM conversations WHERE id = ?`
	var (
		conv               conversation.Conversation
		createdAt, updated int64
	)
	if err := s.db.QueryRowContext(ctx, query, id).Scan(&conv.ID, &conv.Title, &createdAt, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, conversation.ErrNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询会话失败")
	}
	conv.CreatedAt = time.UnixMilli(createdAt)
	conv.UpdatedAt = time.UnixMilli(updated)

	messages, err := s.loadMessages(ctx, id)
	if err != nil {
		return nil, err
	}
	conv.Messages = messages

	invocations, err := s.loadInvocations(ctx, id)
	if err != nil {
		return nil, err
	}
	conv.Invocations = invocations
	return &conv, nil
}

func (s *ConversationStore) loadMessages(ctx context.Context, id string) ([]conversation.Message, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, role, content, tool_calls, tool_call_id, tool_name, created_at
        FROM conversation_messages WHERE conversation_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询消息失败")
	}
	defer rows.Close()

	var out []conversation.Message
	for rows.Next() {
		var (
			msg       conversation.Message
			role      string
			toolCalls sql.NullString
			created   int64
		)
		if err := rows.Scan(&msg.ID, &role, &msg.Content, &toolCalls, &msg.ToolCallID, &msg.ToolName, &created); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析消息失败")
		}
		msg.Role = llm.Role(role)
		msg.CreatedAt = time.UnixMilli(created)
		if toolCalls.Valid && toolCalls.String != "" {
			if err := json.Unmarshal([]byte(toolCalls.String), &msg.ToolCalls); err != nil {
				return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析工具调用失败")
			}
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历消息失败")
	}
	return out, nil
}

func (s *ConversationStore) loadInvocations(ctx context.Context, id string) ([]invocation.Invocation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM conversation_invocations WHERE conversation_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询调用记录失败")
	}
	defer rows.Close()

	var out []invocation.Invocation
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析调用记录失败")
		}
		var inv invocation.Invocation
		if err := json.Unmarshal([]byte(payload), &inv); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解码调用记录失败")
		}
		out = append(out, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历调用记录失败")
	}
	return out, nil
}

// Save 在一个事务中覆盖写入会话的消息与调用记录。
func (s *ConversationStore) Save(ctx context.Context, conv *conversation.Conversation) (err error) {
	if conv == nil || conv.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话 id 不能为空")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?`,
		conv.Title, conv.UpdatedAt.UnixMilli(), conv.ID)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新会话失败")
	}
	if n, rerr := res.RowsAffected(); rerr == nil && n == 0 {
		var exists int
		if qerr := tx.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, conv.ID).Scan(&exists); qerr != nil {
			if errors.Is(qerr, sql.ErrNoRows) {
				err = conversation.ErrNotFound
				return err
			}
			err = xerrors.Wrap(xerrors.CodeStorageFailure, qerr, "查询会话失败")
			return err
		}
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM conversation_messages WHERE conversation_id = ?`, conv.ID); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "清理消息失败")
	}
	for i, msg := range conv.Messages {
		var toolCalls sql.NullString
		if len(msg.ToolCalls) > 0 {
			encoded, mErr := json.Marshal(msg.ToolCalls)
			if mErr != nil {
				err = mErr
				return err
			}
			toolCalls = sql.NullString{String: string(encoded), Valid: true}
		}
		if _, err = tx.ExecContext(ctx, `INSERT INTO conversation_messages
        (conversation_id, seq, id, role, content, tool_calls, tool_call_id, tool_name, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			conv.ID, i, msg.ID, string(msg.Role), msg.Content, toolCalls, msg.ToolCallID, msg.ToolName, msg.CreatedAt.UnixMilli()); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入消息失败")
		}
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM conversation_invocations WHERE conversation_id = ?`, conv.ID); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "清理调用记录失败")
	}
	for i, inv := range conv.Invocations {
		payload, mErr := json.Marshal(inv)
		if mErr != nil {
			err = mErr
			return err
		}
		if _, err = tx.ExecContext(ctx, `INSERT INTO conversation_invocations
        (conversation_id, seq, id, tool_name, state, payload, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`,
			conv.ID, i, inv.ID, inv.ToolName, string(inv.State), string(payload), inv.UpdatedAt.UnixMilli()); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入调用记录失败")
		}
	}

	if err = tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}
	return nil
}

// List 按更新时间倒序返回会话概要。
func (s *ConversationStore) List(ctx context.Context, limit int) ([]conversation.Summary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT c.id, c.title, c.updated_at,
        (SELECT COUNT(*) FROM conversation_messages m WHERE m.conversation_id = c.id)
        FROM conversations c ORDER BY c.updated_at DESC, c.id LIMIT ?`, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询会话列表失败")
	}
	defer rows.Close()

	var out []conversation.Summary
	for rows.Next() {
		var (
			summary conversation.Summary
			updated int64
		)
		if err := rows.Scan(&summary.ID, &summary.Title, &updated, &summary.MessageCount); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析会话列表失败")
		}
		summary.UpdatedAt = time.UnixMilli(updated)
		out = append(out, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历会话列表失败")
	}
	return out, nil
}

var _ conversation.Store = (*ConversationStore)(nil)
