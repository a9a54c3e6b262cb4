package threads

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/agentloop/pkg/models"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// queryer is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// txBeginner is satisfied by *sql.DB and *sql.Conn.
type txBeginner interface {
	queryer
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// SQLConfig holds connection settings for a SQL-backed store.
type SQLConfig struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultSQLConfig returns pool defaults suitable for a single service instance.
func DefaultSQLConfig() SQLConfig {
	return SQLConfig{
		Driver:          "sqlite",
		DSN:             "file:agentloop.db?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// SQLStore implements Store over database/sql for Postgres and SQLite.
type SQLStore struct {
	db      *sql.DB
	conn    txBeginner
	pinned  *sql.Conn
	dialect Dialect
	now     func() time.Time
}

// OpenSQL opens, configures and pings a database, returning a store over it.
func OpenSQL(ctx context.Context, cfg SQLConfig) (*SQLStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	dialect, err := ParseDialect(cfg.Driver)
	if err != nil {
		return nil, err
	}
	defaults := DefaultSQLConfig()
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = defaults.MaxOpenConns
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = defaults.MaxIdleConns
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = defaults.ConnMaxLifetime
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaults.ConnectTimeout
	}

	db, err := sql.Open(dialect.DriverName(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return NewSQLStore(db, dialect), nil
}

// NewSQLStore wraps an already opened database.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, conn: db, dialect: dialect, now: time.Now}
}

// DB exposes the underlying pool.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func (s *SQLStore) Dialect() Dialect {
	return s.dialect
}

// Session pins a dedicated connection for one request or stream.
func (s *SQLStore) Session(ctx context.Context) (Session, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	return &SQLStore{db: s.db, conn: conn, pinned: conn, dialect: s.dialect, now: s.now}, nil
}

// Close releases the pinned connection of a session, or the pool for the root store.
func (s *SQLStore) Close() error {
	if s.pinned != nil {
		return s.pinned.Close()
	}
	return s.db.Close()
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) q(query string) string {
	return s.dialect.Rebind(query)
}

func (s *SQLStore) CreateThread(ctx context.Context, thread *models.Thread) error {
	if thread == nil || thread.UserID == "" {
		return fmt.Errorf("thread user ID is required")
	}
	if thread.ID == "" {
		thread.ID = uuid.NewString()
	}
	if thread.CreatedAt.IsZero() {
		thread.CreatedAt = s.now().UTC()
	}
	// Rows store microseconds.
	thread.CreatedAt = thread.CreatedAt.Truncate(time.Microsecond)
	thread.UpdatedAt = thread.CreatedAt

	_, err := s.conn.ExecContext(ctx, s.q(`
		INSERT INTO threads (id, user_id, project_id, vlab_id, title, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		thread.ID, thread.UserID, thread.ProjectID, thread.VlabID, thread.Title,
		thread.CreatedAt.UnixMicro(), thread.UpdatedAt.UnixMicro(),
	)
	if err != nil {
		return fmt.Errorf("failed to create thread: %w", err)
	}
	return nil
}

const threadColumns = `id, user_id, project_id, vlab_id, title, created_at, updated_at`

func scanThread(row interface{ Scan(...any) error }) (*models.Thread, error) {
	var (
		thread           models.Thread
		created, updated int64
	)
	if err := row.Scan(&thread.ID, &thread.UserID, &thread.ProjectID, &thread.VlabID, &thread.Title, &created, &updated); err != nil {
		return nil, err
	}
	thread.CreatedAt = time.UnixMicro(created).UTC()
	thread.UpdatedAt = time.UnixMicro(updated).UTC()
	return &thread, nil
}

func (s *SQLStore) GetThread(ctx context.Context, id string) (*models.Thread, error) {
	row := s.conn.QueryRowContext(ctx, s.q(`SELECT `+threadColumns+` FROM threads WHERE id = ?`), id)
	thread, err := scanThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrThreadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}
	return thread, nil
}

func (s *SQLStore) ListThreads(ctx context.Context, userID string, opts ListOptions) ([]*models.Thread, error) {
	query := `SELECT ` + threadColumns + ` FROM threads WHERE user_id = ?`
	args := []any{userID}
	if opts.ProjectID != "" {
		query += ` AND project_id = ?`
		args = append(args, opts.ProjectID)
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY updated_at DESC, id LIMIT ? OFFSET ?`
	args = append(args, limit, max(opts.Offset, 0))

	rows, err := s.conn.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}
	defer rows.Close()

	var out []*models.Thread
	for rows.Next() {
		thread, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan thread: %w", err)
		}
		out = append(out, thread)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}
	return out, nil
}

func (s *SQLStore) TouchThread(ctx context.Context, id string) error {
	return s.touch(ctx, s.conn, id)
}

// touch advances updated_at without ever moving it backwards.
func (s *SQLStore) touch(ctx context.Context, q queryer, id string) error {
	now := s.now().UnixMicro()
	res, err := q.ExecContext(ctx, s.q(`
		UPDATE threads SET updated_at = CASE WHEN updated_at < ? THEN ? ELSE updated_at END
		WHERE id = ?`), now, now, id)
	if err != nil {
		return fmt.Errorf("failed to touch thread: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return ErrThreadNotFound
	}
	return nil
}

func (s *SQLStore) DeleteThread(ctx context.Context, id string) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.q(`
		DELETE FROM tool_calls WHERE message_id IN (SELECT id FROM messages WHERE thread_id = ?)`), id); err != nil {
		return fmt.Errorf("failed to delete tool calls: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM messages WHERE thread_id = ?`), id); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	res, err := tx.ExecContext(ctx, s.q(`DELETE FROM threads WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete thread: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return ErrThreadNotFound
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	return nil
}

// payload is the immutable serialized body of a message row.
type payload struct {
	Content    string `json:"content,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	IsError    bool   `json:"is_error,omitempty"`
}

func (s *SQLStore) AppendMessages(ctx context.Context, threadID string, msgs ...*models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	for _, msg := range msgs {
		if err := validateMessage(msg); err != nil {
			return err
		}
	}
	return s.inAppendTx(ctx, threadID, msgs, nil)
}

// ResolveToolCall decides a pending call and appends its result in one
// transaction. A call that is already decided stores nothing and returns
// ErrAlreadyValidated.
func (s *SQLStore) ResolveToolCall(ctx context.Context, threadID, toolCallID string, accepted bool, revisedArgs json.RawMessage, result *models.Message) error {
	if err := validateMessage(result); err != nil {
		return err
	}
	if result.ToolCallID != toolCallID {
		return errors.Join(ErrInvalidMessage, errors.New("result does not answer "+toolCallID))
	}
	return s.inAppendTx(ctx, threadID, []*models.Message{result}, func(tx *sql.Tx) error {
		n, err := s.setValidation(ctx, tx, threadID, toolCallID, accepted, revisedArgs)
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		if _, err := s.getToolCall(ctx, tx, threadID, toolCallID); err != nil {
			return err
		}
		return ErrAlreadyValidated
	})
}

// inAppendTx locks the thread, runs before, appends msgs and commits.
func (s *SQLStore) inAppendTx(ctx context.Context, threadID string, msgs []*models.Message, before func(*sql.Tx) error) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return appendError("failed to begin transaction", err)
	}
	defer tx.Rollback()

	if err := s.lockThread(ctx, tx, threadID); err != nil {
		return err
	}
	if before != nil {
		if err := before(tx); err != nil {
			return err
		}
	}

	var last int64
	if err := tx.QueryRowContext(ctx, s.q(`SELECT COALESCE(MAX(seq), -1) FROM messages WHERE thread_id = ?`), threadID).Scan(&last); err != nil {
		return appendError("failed to read sequence", err)
	}

	now := s.now().UTC()
	seqs := make([]int64, len(msgs))
	for i, msg := range msgs {
		if msg.ID == "" {
			msg.ID = uuid.NewString()
		}
		created := msg.CreatedAt
		if created.IsZero() {
			created = now
		}
		seqs[i] = last + 1 + int64(i)

		body, err := json.Marshal(payload{
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
			ToolName:   msg.ToolName,
			IsError:    msg.IsError,
		})
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}

		_, err = tx.ExecContext(ctx, s.q(`
			INSERT INTO messages (id, thread_id, seq, role, has_content, has_tool_calls, payload, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
			msg.ID, threadID, seqs[i], string(msg.Role), msg.HasContent(), msg.HasToolCalls(), string(body), created.UnixMicro(),
		)
		if err != nil {
			return appendError("failed to insert message", err)
		}

		for pos, call := range msg.ToolCalls {
			if call.ID == "" {
				return fmt.Errorf("%w: tool call without id", ErrInvalidMessage)
			}
			args := call.Arguments
			if len(args) == 0 {
				args = json.RawMessage(`{}`)
			}
			var validated any
			if call.Validated != nil {
				validated = *call.Validated
			}
			if _, err := tx.ExecContext(ctx, s.q(`
				INSERT INTO tool_calls (id, message_id, position, name, arguments, validated)
				VALUES (?, ?, ?, ?, ?, ?)`),
				call.ID, msg.ID, pos, call.Name, string(args), validated,
			); err != nil {
				return appendError("failed to insert tool call", err)
			}
		}
		msg.CreatedAt = created
	}

	if err := s.touch(ctx, tx, threadID); err != nil {
		return appendError("failed to touch thread", err)
	}
	if err := tx.Commit(); err != nil {
		return appendError("failed to commit append", err)
	}

	for i, msg := range msgs {
		msg.ThreadID = threadID
		msg.Seq = seqs[i]
		for j := range msg.ToolCalls {
			msg.ToolCalls[j].MessageID = msg.ID
		}
	}
	return nil
}

// lockThread serializes appends to one thread. Postgres takes a row lock.
// SQLite has no row locks, so the thread is bumped first: a write as the
// first statement takes the database write lock before the sequence is read.
func (s *SQLStore) lockThread(ctx context.Context, tx *sql.Tx, threadID string) error {
	if s.dialect == DialectSQLite {
		err := s.touch(ctx, tx, threadID)
		if errors.Is(err, ErrThreadNotFound) {
			return err
		}
		if err != nil {
			return appendError("failed to lock thread", err)
		}
		return nil
	}

	var updated int64
	err := tx.QueryRowContext(ctx, s.q(`SELECT updated_at FROM threads WHERE id = ? FOR UPDATE`), threadID).Scan(&updated)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrThreadNotFound
	}
	if err != nil {
		return appendError("failed to lock thread", err)
	}
	return nil
}

// appendError marks sequence races and lock contention as retryable.
func appendError(msg string, err error) error {
	if errors.Is(err, ErrThreadNotFound) {
		return err
	}
	if isOrderingConflict(err) || isBusy(err) {
		return fmt.Errorf("%w: %s: %v", ErrOrderingConflict, msg, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func (s *SQLStore) ListMessages(ctx context.Context, threadID string) ([]*models.Message, error) {
	if _, err := s.GetThread(ctx, threadID); err != nil {
		return nil, err
	}

	rows, err := s.conn.QueryContext(ctx, s.q(`
		SELECT id, seq, role, payload, created_at FROM messages
		WHERE thread_id = ? ORDER BY seq`), threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	var (
		out  []*models.Message
		byID = map[string]*models.Message{}
	)
	for rows.Next() {
		var (
			msg     models.Message
			role    string
			body    string
			created int64
		)
		if err := rows.Scan(&msg.ID, &msg.Seq, &role, &body, &created); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		var p payload
		if err := json.Unmarshal([]byte(body), &p); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
		msg.ThreadID = threadID
		msg.Role = models.Role(role)
		msg.Content = p.Content
		msg.ToolCallID = p.ToolCallID
		msg.ToolName = p.ToolName
		msg.IsError = p.IsError
		msg.CreatedAt = time.UnixMicro(created).UTC()
		out = append(out, &msg)
		byID[msg.ID] = &msg
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	calls, err := s.queryToolCalls(ctx, s.conn, `m.thread_id = ?`, threadID)
	if err != nil {
		return nil, err
	}
	for _, call := range calls {
		if msg := byID[call.MessageID]; msg != nil {
			msg.ToolCalls = append(msg.ToolCalls, call)
		}
	}
	return out, nil
}

func (s *SQLStore) queryToolCalls(ctx context.Context, q queryer, where string, args ...any) ([]models.ToolCall, error) {
	rows, err := q.QueryContext(ctx, s.q(`
		SELECT tc.id, tc.message_id, tc.name, tc.arguments, tc.validated
		FROM tool_calls tc JOIN messages m ON m.id = tc.message_id
		WHERE `+where+` ORDER BY m.seq, tc.position`), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tool calls: %w", err)
	}
	defer rows.Close()

	var out []models.ToolCall
	for rows.Next() {
		var (
			call      models.ToolCall
			arguments string
			validated sql.NullBool
		)
		if err := rows.Scan(&call.ID, &call.MessageID, &call.Name, &arguments, &validated); err != nil {
			return nil, fmt.Errorf("failed to scan tool call: %w", err)
		}
		call.Arguments = json.RawMessage(arguments)
		if validated.Valid {
			call.Validated = models.Bool(validated.Bool)
		}
		out = append(out, call)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to query tool calls: %w", err)
	}
	return out, nil
}

func (s *SQLStore) GetToolCall(ctx context.Context, threadID, toolCallID string) (*models.ToolCall, error) {
	return s.getToolCall(ctx, s.conn, threadID, toolCallID)
}

func (s *SQLStore) getToolCall(ctx context.Context, q queryer, threadID, toolCallID string) (*models.ToolCall, error) {
	calls, err := s.queryToolCalls(ctx, q, `m.thread_id = ? AND tc.id = ?`, threadID, toolCallID)
	if err != nil {
		return nil, err
	}
	if len(calls) == 0 {
		return nil, ErrToolCallNotFound
	}
	return &calls[0], nil
}

func (s *SQLStore) SetToolCallValidation(ctx context.Context, threadID, toolCallID string, accepted bool, revisedArgs json.RawMessage) error {
	n, err := s.setValidation(ctx, s.conn, threadID, toolCallID, accepted, revisedArgs)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetToolCall(ctx, threadID, toolCallID); err != nil {
		return err
	}
	return ErrAlreadyValidated
}

// setValidation claims an undecided call and reports how many rows changed.
func (s *SQLStore) setValidation(ctx context.Context, q queryer, threadID, toolCallID string, accepted bool, revisedArgs json.RawMessage) (int64, error) {
	var revised any
	if revisedArgs != nil {
		revised = string(revisedArgs)
	}
	res, err := q.ExecContext(ctx, s.q(`
		UPDATE tool_calls SET validated = ?, arguments = COALESCE(?, arguments)
		WHERE id = ? AND validated IS NULL
		AND message_id IN (SELECT id FROM messages WHERE thread_id = ?)`),
		accepted, revised, toolCallID, threadID,
	)
	if err != nil {
		return 0, appendError("failed to set tool call validation", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

func (s *SQLStore) PendingToolCalls(ctx context.Context, threadID string) ([]models.ToolCall, error) {
	if _, err := s.GetThread(ctx, threadID); err != nil {
		return nil, err
	}
	return s.queryToolCalls(ctx, s.conn, `m.thread_id = ? AND tc.validated IS NULL`, threadID)
}
