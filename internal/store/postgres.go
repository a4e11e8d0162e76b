package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// PostgresStore persists drafts, revisions, and messages. Field updates and
// status transitions are compare-and-swap statements so concurrent writers
// on the same draft serialize without a process-level lock.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) InsertDraft(ctx context.Context, draft Draft) error {
	fields, err := marshalFields(draft)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO drafts (id, type, status, thread_id, message_id, version, fields)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, draft.ID, draft.Type, draft.Status, draft.ThreadID, draft.MessageID, draft.Version, fields)
	if err != nil {
		return fmt.Errorf("insert draft: %w", err)
	}
	return nil
}

const draftColumns = `id, type, status, thread_id, message_id, version, fields, execution_result, created_at, updated_at`

func (s *PostgresStore) GetDraft(ctx context.Context, draftID string) (Draft, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+draftColumns+` FROM drafts WHERE id=$1`, draftID)
	return scanDraft(row)
}

func (s *PostgresStore) GetDraftByMessage(ctx context.Context, messageID string) (Draft, error) {
	// Drafts without an originating message share message_id = ''; they are
	// not addressable this way.
	if messageID == "" {
		return Draft{}, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+draftColumns+` FROM drafts WHERE message_id=$1`, messageID)
	return scanDraft(row)
}

func (s *PostgresStore) ListDraftsByThread(ctx context.Context, threadID string) ([]Draft, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+draftColumns+`
		FROM drafts
		WHERE thread_id=$1
		ORDER BY created_at DESC
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("list drafts: %w", err)
	}
	defer rows.Close()

	items := make([]Draft, 0)
	for rows.Next() {
		item, err := scanDraft(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate drafts: %w", err)
	}
	return items, nil
}

// UpdateDraftFields writes a new field set if and only if the draft is still
// ACTIVE at the expected version. Returns false when the swap missed, i.e.
// a concurrent writer got there first or the draft went terminal.
func (s *PostgresStore) UpdateDraftFields(ctx context.Context, draftID string, expectedVersion int64, email *EmailFields, calendar *CalendarFields) (bool, error) {
	fields, err := marshalFieldSet(email, calendar)
	if err != nil {
		return false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin update tx: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE drafts
		SET fields=$3, version=version+1, updated_at=NOW()
		WHERE id=$1 AND version=$2 AND status='ACTIVE'
	`, draftID, expectedVersion, fields)
	if err != nil {
		_ = tx.Rollback()
		return false, fmt.Errorf("update draft fields: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return false, fmt.Errorf("update draft fields affected: %w", err)
	}
	if affected == 0 {
		_ = tx.Rollback()
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO draft_revisions (draft_id, version, fields)
		VALUES ($1, $2, $3)
	`, draftID, expectedVersion+1, fields); err != nil {
		_ = tx.Rollback()
		return false, fmt.Errorf("insert draft revision: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit draft update: %w", err)
	}
	return true, nil
}

// TransitionDraft moves a draft between statuses, conditioned on the current
// status so racing transitions collapse to one winner.
func (s *PostgresStore) TransitionDraft(ctx context.Context, draftID string, from, to DraftStatus, execResult *ExecutionResult) (bool, error) {
	var resultJSON any
	if execResult != nil {
		encoded, err := json.Marshal(execResult)
		if err != nil {
			return false, fmt.Errorf("marshal execution result: %w", err)
		}
		resultJSON = encoded
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE drafts
		SET status=$3, execution_result=COALESCE($4, execution_result), version=version+1, updated_at=NOW()
		WHERE id=$1 AND status=$2
	`, draftID, from, to, resultJSON)
	if err != nil {
		return false, fmt.Errorf("transition draft: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition draft affected: %w", err)
	}
	return affected == 1, nil
}

func (s *PostgresStore) ListDraftRevisions(ctx context.Context, draftID string) ([]DraftRevision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, draft_id, version, fields, created_at
		FROM draft_revisions
		WHERE draft_id=$1
		ORDER BY version
	`, draftID)
	if err != nil {
		return nil, fmt.Errorf("list draft revisions: %w", err)
	}
	defer rows.Close()

	items := make([]DraftRevision, 0)
	for rows.Next() {
		var item DraftRevision
		if err := rows.Scan(&item.ID, &item.DraftID, &item.Version, &item.Fields, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan draft revision: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate draft revisions: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertMessage(ctx context.Context, message Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, thread_id, role, body)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING
	`, message.ID, message.ThreadID, message.Role, message.Text)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListMessagesByThread(ctx context.Context, threadID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, thread_id, role, body, created_at
		FROM (
			SELECT id, thread_id, role, body, created_at
			FROM messages
			WHERE thread_id=$1
			ORDER BY created_at DESC
			LIMIT $2
		) recent
		ORDER BY created_at
	`, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	items := make([]Message, 0)
	for rows.Next() {
		var item Message
		if err := rows.Scan(&item.ID, &item.ThreadID, &item.Role, &item.Text, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return items, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDraft(row rowScanner) (Draft, error) {
	var draft Draft
	var fields []byte
	var execResult []byte
	err := row.Scan(&draft.ID, &draft.Type, &draft.Status, &draft.ThreadID, &draft.MessageID,
		&draft.Version, &fields, &execResult, &draft.CreatedAt, &draft.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Draft{}, ErrNotFound
	}
	if err != nil {
		return Draft{}, fmt.Errorf("scan draft: %w", err)
	}

	switch draft.Type {
	case DraftEmail:
		email := &EmailFields{}
		if err := json.Unmarshal(fields, email); err != nil {
			return Draft{}, fmt.Errorf("decode email fields: %w", err)
		}
		draft.Email = email
	case DraftCalendarEvent:
		cal := &CalendarFields{}
		if err := json.Unmarshal(fields, cal); err != nil {
			return Draft{}, fmt.Errorf("decode calendar fields: %w", err)
		}
		draft.Calendar = cal
	}

	if len(execResult) > 0 {
		result := &ExecutionResult{}
		if err := json.Unmarshal(execResult, result); err != nil {
			return Draft{}, fmt.Errorf("decode execution result: %w", err)
		}
		draft.Result = result
	}
	return draft, nil
}

func marshalFields(draft Draft) ([]byte, error) {
	return marshalFieldSet(draft.Email, draft.Calendar)
}

func marshalFieldSet(email *EmailFields, calendar *CalendarFields) ([]byte, error) {
	var payload any
	switch {
	case email != nil:
		payload = email
	case calendar != nil:
		payload = calendar
	default:
		payload = map[string]any{}
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal draft fields: %w", err)
	}
	return encoded, nil
}
