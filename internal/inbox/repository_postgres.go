package inbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/relaykit/relaykit/internal/common/dbtx"
	"github.com/relaykit/relaykit/internal/common/uuid7"
)

const pgUniqueViolation = "23505"

// PostgresRepository implements Repository for PostgreSQL, relying on a
// UNIQUE constraint on message_id for idempotent admission.
type PostgresRepository struct {
	db     *sql.DB
	config *RepositoryConfig
}

// NewPostgresRepository creates a new PostgreSQL inbox repository.
func NewPostgresRepository(db *sql.DB, config *RepositoryConfig) *PostgresRepository {
	if config == nil {
		config = DefaultRepositoryConfig()
	}
	return &PostgresRepository{db: db, config: config}
}

func (r *PostgresRepository) table() string { return r.config.TableName }

// WithTx runs fn inside a single transaction, committing on success and
// rolling back on any error. ClaimBatch/ClaimFailedBatch/MarkProcessed/
// MarkFailed/MarkNoHandler all participate in the transaction on ctx via
// dbtx, so the Dispatcher uses this to make claim, handler invocation, and
// outcome mark one atomic unit (spec.md §4.5).
func (r *PostgresRepository) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return dbtx.WithTx(ctx, r.db, fn)
}

func (r *PostgresRepository) Insert(ctx context.Context, row NewRow) (*InboxRow, bool, error) {
	messageID := row.MessageID
	if messageID == "" {
		id, err := uuid7.New()
		if err != nil {
			return nil, false, fmt.Errorf("generate message id: %w", err)
		}
		messageID = id
	}

	headers, err := marshalHeaders(row.Headers)
	if err != nil {
		return nil, false, fmt.Errorf("marshal headers: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s
			(message_id, source_service, event_type, payload, headers, status, retry_count, received_at)
		VALUES ($1, $2, $3, $4, $5, 'PENDING', 0, NOW())
		RETURNING id, received_at
	`, r.table())

	out := &InboxRow{
		MessageID:     messageID,
		SourceService: row.SourceService,
		EventType:     row.EventType,
		Payload:       row.Payload,
		Headers:       row.Headers,
		Status:        StatusPending,
	}

	err = dbtx.QueryRow(ctx, r.db, query, messageID, row.SourceService, row.EventType, row.Payload, headers).
		Scan(&out.ID, &out.ReceivedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("insert inbox row: %w", err)
	}
	return out, true, nil
}

func (r *PostgresRepository) ClaimBatch(ctx context.Context, limit int) ([]*InboxRow, error) {
	return r.claim(ctx, fmt.Sprintf(`
		SELECT id FROM %s
		WHERE status = 'PENDING'
		ORDER BY received_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, r.table()), []interface{}{limit})
}

func (r *PostgresRepository) ClaimFailedBatch(ctx context.Context, limit int, maxRetries int) ([]*InboxRow, error) {
	return r.claim(ctx, fmt.Sprintf(`
		SELECT id FROM %s
		WHERE status = 'FAILED' AND retry_count < $2
		ORDER BY received_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, r.table()), []interface{}{limit, maxRetries})
}

// claim runs selectQuery and the subsequent claiming UPDATE against ctx's
// ambient transaction (see WithTx) when the caller is running one — the
// Dispatcher always is, so that claim, handler invocation, and mark commit
// or roll back together per spec.md §4.5. When called with no ambient tx it
// opens and commits a short transaction of its own, same as before.
func (r *PostgresRepository) claim(ctx context.Context, selectQuery string, args []interface{}) ([]*InboxRow, error) {
	tx := dbtx.Tx(ctx)
	owned := false
	if tx == nil {
		var err error
		tx, err = r.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("begin claim tx: %w", err)
		}
		owned = true
		defer tx.Rollback()
	}

	rows, err := tx.QueryContext(ctx, selectQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("select candidates: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan candidate id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate candidates: %w", err)
	}
	rows.Close()

	if len(ids) == 0 {
		if owned {
			return nil, tx.Commit()
		}
		return nil, nil
	}

	placeholders, updateArgs := intPlaceholders(ids, 0)
	updateQuery := fmt.Sprintf(`
		UPDATE %s
		SET status = 'PROCESSING', processes_at = NOW()
		WHERE id IN (%s)
		RETURNING id, message_id, source_service, event_type, payload, headers,
			status, retry_count, last_error, received_at, processes_at, processed_at
	`, r.table(), placeholders)

	claimedRows, err := tx.QueryContext(ctx, updateQuery, updateArgs...)
	if err != nil {
		return nil, fmt.Errorf("claim candidates: %w", err)
	}
	claimed, err := scanInboxRows(claimedRows)
	claimedRows.Close()
	if err != nil {
		return nil, err
	}

	if owned {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit claim tx: %w", err)
		}
	}
	return claimed, nil
}

func (r *PostgresRepository) MarkProcessed(ctx context.Context, id int64) (bool, error) {
	query := fmt.Sprintf(`
		UPDATE %s SET status = 'PROCESSED', processed_at = NOW()
		WHERE id = $1 AND status = 'PROCESSING'
	`, r.table())
	return r.execAffected(ctx, query, id)
}

func (r *PostgresRepository) MarkFailed(ctx context.Context, id int64, lastError string) (bool, error) {
	query := fmt.Sprintf(`
		UPDATE %s SET status = 'FAILED', retry_count = retry_count + 1, last_error = $2
		WHERE id = $1 AND status = 'PROCESSING'
	`, r.table())
	return r.execAffected(ctx, query, id, lastError)
}

func (r *PostgresRepository) MarkNoHandler(ctx context.Context, id int64) (bool, error) {
	query := fmt.Sprintf(`
		UPDATE %s SET status = 'PENDING', processes_at = NULL
		WHERE id = $1 AND status = 'PROCESSING'
	`, r.table())
	return r.execAffected(ctx, query, id)
}

func (r *PostgresRepository) execAffected(ctx context.Context, query string, args ...interface{}) (bool, error) {
	result, err := dbtx.Exec(ctx, r.db, query, args...)
	if err != nil {
		return false, fmt.Errorf("exec: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

func (r *PostgresRepository) RecoverStuck(ctx context.Context, olderThan time.Duration) (int, error) {
	query := fmt.Sprintf(`
		UPDATE %s SET status = 'PENDING', processes_at = NULL
		WHERE status = 'PROCESSING' AND processes_at < $1
	`, r.table())
	result, err := r.db.ExecContext(ctx, query, time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("recover stuck rows: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(affected), nil
}

func (r *PostgresRepository) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE status = 'PROCESSED' AND processed_at < $1`, r.table())
	result, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete processed rows: %w", err)
	}
	return result.RowsAffected()
}

func (r *PostgresRepository) CreateSchema(ctx context.Context) error {
	createTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			message_id UUID NOT NULL UNIQUE,
			source_service VARCHAR(255) NOT NULL,
			event_type VARCHAR(255) NOT NULL,
			payload JSONB NOT NULL,
			headers JSONB,
			status VARCHAR(16) NOT NULL DEFAULT 'PENDING',
			retry_count SMALLINT NOT NULL DEFAULT 0,
			last_error TEXT,
			received_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			processes_at TIMESTAMPTZ,
			processed_at TIMESTAMPTZ
		)
	`, r.table())
	if _, err := r.db.ExecContext(ctx, createTable); err != nil {
		return fmt.Errorf("create table %s: %w", r.table(), err)
	}

	indexes := []string{
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_status_received ON %s(status, received_at)`, r.table(), r.table()),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_event_type ON %s(event_type)`, r.table(), r.table()),
	}
	for _, idx := range indexes {
		if _, err := r.db.ExecContext(ctx, idx); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

func intPlaceholders(ids []int64, offset int) (string, []interface{}) {
	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1+offset)
		args[i] = id
	}
	return strings.Join(placeholders, ", "), args
}

func marshalHeaders(headers map[string]string) ([]byte, error) {
	if len(headers) == 0 {
		return nil, nil
	}
	return json.Marshal(headers)
}

func scanInboxRows(rows *sql.Rows) ([]*InboxRow, error) {
	var out []*InboxRow
	for rows.Next() {
		var row InboxRow
		var lastError sql.NullString
		var headers []byte
		var processesAt, processedAt sql.NullTime

		err := rows.Scan(
			&row.ID, &row.MessageID, &row.SourceService, &row.EventType, &row.Payload, &headers,
			&row.Status, &row.RetryCount, &lastError, &row.ReceivedAt, &processesAt, &processedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan inbox row: %w", err)
		}

		if lastError.Valid {
			row.LastError = lastError.String
		}
		if len(headers) > 0 {
			if err := json.Unmarshal(headers, &row.Headers); err != nil {
				return nil, fmt.Errorf("unmarshal headers: %w", err)
			}
		}
		if processesAt.Valid {
			t := processesAt.Time
			row.ProcessesAt = &t
		}
		if processedAt.Valid {
			t := processedAt.Time
			row.ProcessedAt = &t
		}

		out = append(out, &row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return out, nil
}
