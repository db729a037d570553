package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/relaykit/relaykit/internal/common/dbtx"
	"github.com/relaykit/relaykit/internal/common/uuid7"
)

// MySQLRepository implements Repository for MySQL 8+, which supports
// SELECT ... FOR UPDATE SKIP LOCKED the same way Postgres does.
type MySQLRepository struct {
	db     *sql.DB
	config *RepositoryConfig
}

// NewMySQLRepository creates a new MySQL outbox repository. db is expected
// to be opened with the go-sql-driver/mysql driver ("mysql").
func NewMySQLRepository(db *sql.DB, config *RepositoryConfig) *MySQLRepository {
	if config == nil {
		config = DefaultRepositoryConfig()
	}
	return &MySQLRepository{db: db, config: config}
}

func (r *MySQLRepository) table() string { return r.config.TableName }

func (r *MySQLRepository) Insert(ctx context.Context, row NewRow) (*OutboxRow, error) {
	messageID := row.MessageID
	if messageID == "" {
		id, err := uuid7.New()
		if err != nil {
			return nil, fmt.Errorf("generate message id: %w", err)
		}
		messageID = id
	}

	headers, err := marshalHeaders(row.Headers)
	if err != nil {
		return nil, fmt.Errorf("marshal headers: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s
			(message_id, aggregate_type, aggregate_id, event_type,
			 destination_service, destination_topic, payload, headers,
			 status, retry_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'PENDING', 0, NOW())
	`, r.table())

	result, err := dbtx.Exec(ctx, r.db, query,
		messageID, row.AggregateType, row.AggregateID, row.EventType,
		row.DestinationService, nullableString(row.DestinationTopic), row.Payload, headers,
	)
	if err != nil {
		return nil, fmt.Errorf("insert outbox row: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}

	var createdAt time.Time
	err = dbtx.QueryRow(ctx, r.db, fmt.Sprintf(`SELECT created_at FROM %s WHERE id = ?`, r.table()), id).Scan(&createdAt)
	if err != nil {
		return nil, fmt.Errorf("read back created_at: %w", err)
	}

	return &OutboxRow{
		ID:                 id,
		MessageID:          messageID,
		AggregateType:      row.AggregateType,
		AggregateID:        row.AggregateID,
		EventType:          row.EventType,
		DestinationService: row.DestinationService,
		DestinationTopic:   row.DestinationTopic,
		Payload:            row.Payload,
		Headers:            row.Headers,
		Status:             StatusPending,
		CreatedAt:          createdAt,
	}, nil
}

func (r *MySQLRepository) ClaimBatch(ctx context.Context, destination string, limit int) ([]*OutboxRow, error) {
	destPredicate := ""
	args := []interface{}{}
	if destination != "" {
		destPredicate = "AND destination_service = ?"
		args = append(args, destination)
	}
	args = append(args, limit)

	selectQuery := fmt.Sprintf(`
		SELECT id FROM %s
		WHERE status = 'PENDING' %s
		ORDER BY created_at ASC
		LIMIT ?
		FOR UPDATE SKIP LOCKED
	`, r.table(), destPredicate)

	return r.claim(ctx, selectQuery, args)
}

func (r *MySQLRepository) ClaimFailedBatch(ctx context.Context, limit int, maxRetries int) ([]*OutboxRow, error) {
	selectQuery := fmt.Sprintf(`
		SELECT id FROM %s
		WHERE status = 'FAILED' AND retry_count < ?
		ORDER BY created_at ASC
		LIMIT ?
		FOR UPDATE SKIP LOCKED
	`, r.table())

	return r.claim(ctx, selectQuery, []interface{}{maxRetries, limit})
}

func (r *MySQLRepository) PeekPendingIDs(ctx context.Context, destination string, limit int) ([]int64, error) {
	destPredicate := ""
	args := []interface{}{}
	if destination != "" {
		destPredicate = "AND destination_service = ?"
		args = append(args, destination)
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT id FROM %s
		WHERE status = 'PENDING' %s
		ORDER BY created_at ASC
		LIMIT ?
	`, r.table(), destPredicate)
	return r.peekIDs(ctx, query, args)
}

func (r *MySQLRepository) PeekFailedIDs(ctx context.Context, limit int, maxRetries int) ([]int64, error) {
	query := fmt.Sprintf(`
		SELECT id FROM %s
		WHERE status = 'FAILED' AND retry_count < ?
		ORDER BY created_at ASC
		LIMIT ?
	`, r.table())
	return r.peekIDs(ctx, query, []interface{}{maxRetries, limit})
}

// peekIDs runs a plain, unlocked candidate select, never competing with
// another worker's FOR UPDATE SKIP LOCKED claim.
func (r *MySQLRepository) peekIDs(ctx context.Context, query string, args []interface{}) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("peek candidates: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan candidate id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candidates: %w", err)
	}
	return ids, nil
}

func (r *MySQLRepository) claim(ctx context.Context, selectQuery string, args []interface{}) ([]*OutboxRow, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback()

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
		return nil, tx.Commit()
	}

	placeholders, updateArgs := mysqlInPlaceholders(ids)
	updateQuery := fmt.Sprintf(`
		UPDATE %s
		SET status = 'PROCESSING', processes_at = NOW()
		WHERE id IN (%s)
	`, r.table(), placeholders)

	if _, err := tx.ExecContext(ctx, updateQuery, updateArgs...); err != nil {
		return nil, fmt.Errorf("claim candidates: %w", err)
	}

	selectClaimed := fmt.Sprintf(`
		SELECT id, message_id, aggregate_type, aggregate_id, event_type,
			destination_service, destination_topic, payload, headers,
			status, retry_count, last_error, created_at, processes_at, published_at
		FROM %s WHERE id IN (%s)
	`, r.table(), placeholders)

	claimedRows, err := tx.QueryContext(ctx, selectClaimed, updateArgs...)
	if err != nil {
		return nil, fmt.Errorf("read claimed rows: %w", err)
	}
	claimed, err := scanOutboxRows(claimedRows)
	claimedRows.Close()
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim tx: %w", err)
	}
	return claimed, nil
}

func (r *MySQLRepository) MarkPublished(ctx context.Context, id int64) (bool, error) {
	query := fmt.Sprintf(`
		UPDATE %s SET status = 'PUBLISHED', published_at = NOW()
		WHERE id = ? AND status = 'PROCESSING'
	`, r.table())
	return r.execAffected(ctx, query, id)
}

func (r *MySQLRepository) MarkFailed(ctx context.Context, id int64, lastError string) (bool, error) {
	query := fmt.Sprintf(`
		UPDATE %s SET status = 'FAILED', retry_count = retry_count + 1, last_error = ?
		WHERE id = ? AND status = 'PROCESSING'
	`, r.table())
	return r.execAffected(ctx, query, lastError, id)
}

func (r *MySQLRepository) execAffected(ctx context.Context, query string, args ...interface{}) (bool, error) {
	result, err := r.db.ExecContext(ctx, query, args...)
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
	query := fmt.Sprintf(`
		UPDATE %s SET status = 'PENDING', processes_at = NULL
		WHERE status = 'PROCESSING' AND processes_at < ?
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

func (r *MySQLRepository) CountPending(ctx context.Context) (int64, error) {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE status = 'PENDING'`, r.table())
	var count int64
	if err := r.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return count, nil
}

func (r *MySQLRepository) DeletePublishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE status = 'PUBLISHED' AND published_at < ?`, r.table())
	result, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete published rows: %w", err)
	}
	return result.RowsAffected()
}

func (r *MySQLRepository) CreateSchema(ctx context.Context) error {
	createTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			message_id VARCHAR(36) NOT NULL UNIQUE,
			aggregate_type VARCHAR(255) NOT NULL,
			aggregate_id VARCHAR(255) NOT NULL,
			event_type VARCHAR(255) NOT NULL,
			destination_service VARCHAR(255) NOT NULL,
			destination_topic VARCHAR(255),
			payload JSON NOT NULL,
			headers JSON,
			status VARCHAR(16) NOT NULL DEFAULT 'PENDING',
			retry_count SMALLINT NOT NULL DEFAULT 0,
			last_error TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			processes_at TIMESTAMP NULL,
			published_at TIMESTAMP NULL,
			INDEX idx_status_created (status, created_at),
			INDEX idx_dest_status (destination_service, status),
			INDEX idx_aggregate (aggregate_type, aggregate_id)
		) ENGINE=InnoDB
	`, r.table())
	if _, err := r.db.ExecContext(ctx, createTable); err != nil {
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
	return joinPlaceholders(placeholders), args
}

func joinPlaceholders(p []string) string {
	out := ""
	for i, s := range p {
		if i > 0 {
			out += ", "
		}
		out += s
	}
	return out
}
