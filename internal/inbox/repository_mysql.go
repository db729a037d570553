package inbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/relaykit/relaykit/internal/common/dbtx"
	"github.com/relaykit/relaykit/internal/common/uuid7"
)

const mysqlDuplicateEntry = 1062

// MySQLRepository implements Repository for MySQL 8+, relying on a UNIQUE
// index on message_id for idempotent admission.
type MySQLRepository struct {
	db     *sql.DB
	config *RepositoryConfig
}

// NewMySQLRepository creates a new MySQL inbox repository.
func NewMySQLRepository(db *sql.DB, config *RepositoryConfig) *MySQLRepository {
	if config == nil {
		config = DefaultRepositoryConfig()
	}
	return &MySQLRepository{db: db, config: config}
}

func (r *MySQLRepository) table() string { return r.config.TableName }

// WithTx runs fn inside a single transaction, committing on success and
// rolling back on any error. ClaimBatch/ClaimFailedBatch/MarkProcessed/
// MarkFailed/MarkNoHandler all participate in the transaction on ctx via
// dbtx, so the Dispatcher uses this to make claim, handler invocation, and
// outcome mark one atomic unit (spec.md §4.5).
func (r *MySQLRepository) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return dbtx.WithTx(ctx, r.db, fn)
}

func (r *MySQLRepository) Insert(ctx context.Context, row NewRow) (*InboxRow, bool, error) {
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

	insertQuery := fmt.Sprintf(`
		INSERT INTO %s (message_id, source_service, event_type, payload, headers, status, retry_count, received_at)
		VALUES (?, ?, ?, ?, ?, 'PENDING', 0, NOW())
	`, r.table())

	result, err := dbtx.Exec(ctx, r.db, insertQuery, messageID, row.SourceService, row.EventType, row.Payload, headers)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("insert inbox row: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, false, fmt.Errorf("last insert id: %w", err)
	}

	out := &InboxRow{
		ID: id, MessageID: messageID, SourceService: row.SourceService,
		EventType: row.EventType, Payload: row.Payload, Headers: row.Headers, Status: StatusPending,
	}
	if err := dbtx.QueryRow(ctx, r.db, fmt.Sprintf(`SELECT received_at FROM %s WHERE id = ?`, r.table()), id).
		Scan(&out.ReceivedAt); err != nil {
		return nil, false, fmt.Errorf("read back received_at: %w", err)
	}
	return out, true, nil
}

func (r *MySQLRepository) ClaimBatch(ctx context.Context, limit int) ([]*InboxRow, error) {
	return r.claim(ctx, fmt.Sprintf(`
		SELECT id FROM %s WHERE status = 'PENDING' ORDER BY received_at ASC LIMIT ? FOR UPDATE SKIP LOCKED
	`, r.table()), []interface{}{limit})
}

func (r *MySQLRepository) ClaimFailedBatch(ctx context.Context, limit int, maxRetries int) ([]*InboxRow, error) {
	return r.claim(ctx, fmt.Sprintf(`
		SELECT id FROM %s WHERE status = 'FAILED' AND retry_count < ?
		ORDER BY received_at ASC LIMIT ? FOR UPDATE SKIP LOCKED
	`, r.table()), []interface{}{maxRetries, limit})
}

// claim runs selectQuery and the subsequent claiming UPDATE against ctx's
// ambient transaction (see WithTx) when the caller is running one, so claim,
// handler invocation, and mark commit or roll back together per spec.md
// §4.5. With no ambient tx it opens and commits a short transaction of its
// own, same as before.
func (r *MySQLRepository) claim(ctx context.Context, selectQuery string, args []interface{}) ([]*InboxRow, error) {
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

	placeholders, updateArgs := mysqlInPlaceholders(ids)
	updateQuery := fmt.Sprintf(`UPDATE %s SET status = 'PROCESSING', processes_at = NOW() WHERE id IN (%s)`, r.table(), placeholders)
	if _, err := tx.ExecContext(ctx, updateQuery, updateArgs...); err != nil {
		return nil, fmt.Errorf("claim candidates: %w", err)
	}

	selectClaimed := fmt.Sprintf(`
		SELECT id, message_id, source_service, event_type, payload, headers,
			status, retry_count, last_error, received_at, processes_at, processed_at
		FROM %s WHERE id IN (%s)
	`, r.table(), placeholders)
	claimedRows, err := tx.QueryContext(ctx, selectClaimed, updateArgs...)
	if err != nil {
		return nil, fmt.Errorf("read claimed candidates: %w", err)
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

func (r *MySQLRepository) MarkProcessed(ctx context.Context, id int64) (bool, error) {
	query := fmt.Sprintf(`UPDATE %s SET status = 'PROCESSED', processed_at = NOW() WHERE id = ? AND status = 'PROCESSING'`, r.table())
	return r.execAffected(ctx, query, id)
}

func (r *MySQLRepository) MarkFailed(ctx context.Context, id int64, lastError string) (bool, error) {
	query := fmt.Sprintf(`UPDATE %s SET status = 'FAILED', retry_count = retry_count + 1, last_error = ? WHERE id = ? AND status = 'PROCESSING'`, r.table())
	return r.execAffected(ctx, query, lastError, id)
}

func (r *MySQLRepository) MarkNoHandler(ctx context.Context, id int64) (bool, error) {
	query := fmt.Sprintf(`UPDATE %s SET status = 'PENDING', processes_at = NULL WHERE id = ? AND status = 'PROCESSING'`, r.table())
	return r.execAffected(ctx, query, id)
}

func (r *MySQLRepository) execAffected(ctx context.Context, query string, args ...interface{}) (bool, error) {
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

func (r *MySQLRepository) RecoverStuck(ctx context.Context, olderThan time.Duration) (int, error) {
	query := fmt.Sprintf(`UPDATE %s SET status = 'PENDING', processes_at = NULL WHERE status = 'PROCESSING' AND processes_at < ?`, r.table())
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

func (r *MySQLRepository) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE status = 'PROCESSED' AND processed_at < ?`, r.table())
	result, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete processed rows: %w", err)
	}
	return result.RowsAffected()
}

func (r *MySQLRepository) CreateSchema(ctx context.Context) error {
	createTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			message_id VARCHAR(64) NOT NULL,
			source_service VARCHAR(255) NOT NULL,
			event_type VARCHAR(255) NOT NULL,
			payload JSON NOT NULL,
			headers JSON,
			status VARCHAR(16) NOT NULL DEFAULT 'PENDING',
			retry_count SMALLINT NOT NULL DEFAULT 0,
			last_error TEXT,
			received_at DATETIME(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3),
			processes_at DATETIME(3),
			processed_at DATETIME(3),
			UNIQUE KEY uq_%s_message_id (message_id),
			INDEX idx_%s_status_received (status, received_at),
			INDEX idx_%s_event_type (event_type)
		) ENGINE=InnoDB
	`, r.table(), r.table(), r.table(), r.table())
	_, err := r.db.ExecContext(ctx, createTable)
	if err != nil {
		return fmt.Errorf("create table %s: %w", r.table(), err)
	}
	return nil
}

func mysqlInPlaceholders(ids []int64) (string, []interface{}) {
	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	return strings.Join(placeholders, ", "), args
}
