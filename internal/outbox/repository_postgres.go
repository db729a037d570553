package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/relaykit/relaykit/internal/common/dbtx"
	"github.com/relaykit/relaykit/internal/common/uuid7"
)

// PostgresRepository implements Repository for PostgreSQL using
// SELECT ... FOR UPDATE SKIP LOCKED for per-row claim ownership, which lets
// many worker processes compete against the same table safely.
type PostgresRepository struct {
	db     *sql.DB
	config *RepositoryConfig
}

// NewPostgresRepository creates a new PostgreSQL outbox repository. db is
// expected to be opened with the pgx stdlib driver ("pgx").
func NewPostgresRepository(db *sql.DB, config *RepositoryConfig) *PostgresRepository {
	if config == nil {
		config = DefaultRepositoryConfig()
	}
	return &PostgresRepository{db: db, config: config}
}

func (r *PostgresRepository) table() string { return r.config.TableName }

func (r *PostgresRepository) Insert(ctx context.Context, row NewRow) (*OutboxRow, error) {
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'PENDING', 0, NOW())
		RETURNING id, created_at
	`, r.table())

	out := &OutboxRow{
		MessageID:          messageID,
		AggregateType:      row.AggregateType,
		AggregateID:        row.AggregateID,
		EventType:          row.EventType,
		DestinationService: row.DestinationService,
		DestinationTopic:   row.DestinationTopic,
		Payload:            row.Payload,
		Headers:            row.Headers,
		Status:             StatusPending,
	}

	err = r.queryRow(ctx, query,
		messageID, row.AggregateType, row.AggregateID, row.EventType,
		row.DestinationService, nullableString(row.DestinationTopic), row.Payload, headers,
	).Scan(&out.ID, &out.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert outbox row: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) ClaimBatch(ctx context.Context, destination string, limit int) ([]*OutboxRow, error) {
	destPredicate := ""
	args := []interface{}{limit}
	if destination != "" {
		destPredicate = "AND destination_service = $2"
		args = append(args, destination)
	}

	selectQuery := fmt.Sprintf(`
		SELECT id FROM %s
		WHERE status = 'PENDING' %s
		ORDER BY created_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, r.table(), destPredicate)

	return r.claim(ctx, selectQuery, args)
}

func (r *PostgresRepository) ClaimFailedBatch(ctx context.Context, limit int, maxRetries int) ([]*OutboxRow, error) {
	selectQuery := fmt.Sprintf(`
		SELECT id FROM %s
		WHERE status = 'FAILED' AND retry_count < $2
		ORDER BY created_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, r.table())

	return r.claim(ctx, selectQuery, []interface{}{limit, maxRetries})
}

func (r *PostgresRepository) PeekPendingIDs(ctx context.Context, destination string, limit int) ([]int64, error) {
	destPredicate := ""
	args := []interface{}{limit}
	if destination != "" {
		destPredicate = "AND destination_service = $2"
		args = append(args, destination)
	}
	query := fmt.Sprintf(`
		SELECT id FROM %s
		WHERE status = 'PENDING' %s
		ORDER BY created_at ASC
		LIMIT $1
	`, r.table(), destPredicate)
	return r.peekIDs(ctx, query, args)
}

func (r *PostgresRepository) PeekFailedIDs(ctx context.Context, limit int, maxRetries int) ([]int64, error) {
	query := fmt.Sprintf(`
		SELECT id FROM %s
		WHERE status = 'FAILED' AND retry_count < $2
		ORDER BY created_at ASC
		LIMIT $1
	`, r.table())
	return r.peekIDs(ctx, query, []interface{}{limit, maxRetries})
}

// peekIDs runs a plain, unlocked candidate select — no FOR UPDATE, no
// transaction — so it never competes with another worker's claim.
func (r *PostgresRepository) peekIDs(ctx context.Context, query string, args []interface{}) ([]int64, error) {
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

// claim runs the two-statement claim protocol (select candidate ids under
// SKIP LOCKED, then transition them to PROCESSING) inside one transaction so
// the lock is held across both statements.
func (r *PostgresRepository) claim(ctx context.Context, selectQuery string, args []interface{}) ([]*OutboxRow, error) {
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

	placeholders, updateArgs := intPlaceholders(ids, 0)
	updateQuery := fmt.Sprintf(`
		UPDATE %s
		SET status = 'PROCESSING', processes_at = NOW()
		WHERE id IN (%s)
		RETURNING id, message_id, aggregate_type, aggregate_id, event_type,
			destination_service, destination_topic, payload, headers,
			status, retry_count, last_error, created_at, processes_at, published_at
	`, r.table(), placeholders)

	claimedRows, err := tx.QueryContext(ctx, updateQuery, updateArgs...)
	if err != nil {
		return nil, fmt.Errorf("claim candidates: %w", err)
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

func (r *PostgresRepository) MarkPublished(ctx context.Context, id int64) (bool, error) {
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = 'PUBLISHED', published_at = NOW()
		WHERE id = $1 AND status = 'PROCESSING'
	`, r.table())
	return r.execAffected(ctx, query, id)
}

func (r *PostgresRepository) MarkFailed(ctx context.Context, id int64, lastError string) (bool, error) {
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = 'FAILED', retry_count = retry_count + 1, last_error = $2
		WHERE id = $1 AND status = 'PROCESSING'
	`, r.table())
	return r.execAffected(ctx, query, id, lastError)
}

func (r *PostgresRepository) execAffected(ctx context.Context, query string, args ...interface{}) (bool, error) {
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

func (r *PostgresRepository) RecoverStuck(ctx context.Context, olderThan time.Duration) (int, error) {
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = 'PENDING', processes_at = NULL
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

func (r *PostgresRepository) CountPending(ctx context.Context) (int64, error) {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE status = 'PENDING'`, r.table())
	var count int64
	if err := r.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return count, nil
}

func (r *PostgresRepository) DeletePublishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE status = 'PUBLISHED' AND published_at < $1`, r.table())
	result, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete published rows: %w", err)
	}
	return result.RowsAffected()
}

func (r *PostgresRepository) CreateSchema(ctx context.Context) error {
	createTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			message_id UUID NOT NULL UNIQUE,
			aggregate_type VARCHAR(255) NOT NULL,
			aggregate_id VARCHAR(255) NOT NULL,
			event_type VARCHAR(255) NOT NULL,
			destination_service VARCHAR(255) NOT NULL,
			destination_topic VARCHAR(255),
			payload JSONB NOT NULL,
			headers JSONB,
			status VARCHAR(16) NOT NULL DEFAULT 'PENDING',
			retry_count SMALLINT NOT NULL DEFAULT 0,
			last_error TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			processes_at TIMESTAMPTZ,
			published_at TIMESTAMPTZ
		)
	`, r.table())
	if _, err := r.db.ExecContext(ctx, createTable); err != nil {
		return fmt.Errorf("create table %s: %w", r.table(), err)
	}

	indexes := []string{
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_status_created ON %s(status, created_at)`, r.table(), r.table()),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_dest_status ON %s(destination_service, status)`, r.table(), r.table()),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_aggregate ON %s(aggregate_type, aggregate_id)`, r.table(), r.table()),
	}
	for _, idx := range indexes {
		if _, err := r.db.ExecContext(ctx, idx); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

// queryRow runs against whatever transaction ctx carries (see dbtx.WithTx),
// falling back to a plain connection — this is what lets Insert participate
// in the caller's transaction.
func (r *PostgresRepository) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return dbtx.QueryRow(ctx, r.db, query, args...)
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

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func scanOutboxRows(rows *sql.Rows) ([]*OutboxRow, error) {
	var out []*OutboxRow
	for rows.Next() {
		var row OutboxRow
		var destTopic, lastError sql.NullString
		var headers []byte
		var processesAt, publishedAt sql.NullTime

		err := rows.Scan(
			&row.ID, &row.MessageID, &row.AggregateType, &row.AggregateID, &row.EventType,
			&row.DestinationService, &destTopic, &row.Payload, &headers,
			&row.Status, &row.RetryCount, &lastError, &row.CreatedAt, &processesAt, &publishedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}

		if destTopic.Valid {
			row.DestinationTopic = destTopic.String
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
		if publishedAt.Valid {
			t := publishedAt.Time
			row.PublishedAt = &t
		}

		out = append(out, &row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return out, nil
}
