package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/prudhvinik1/livesync/internal/errs"
	"github.com/prudhvinik1/livesync/internal/models"
)

// Tables every record query may address. Table names are interpolated, so anything else is rejected.
var recordTables = []string{
	models.TablePosts,
	models.TableComments,
	models.TableMessages,
	models.TableGroupPosts,
	models.TableNotifications,
}

const recordColumns = "id, topic, scope, author_id, correlation_id, payload, created_at, updated_at"

type PostgresRecordRepository struct {
	pool PgxPool
}

func NewPostgresRecordRepository(pool PgxPool) *PostgresRecordRepository {
	return &PostgresRecordRepository{pool: pool}
}

func tableIdent(table string) (string, error) {
	if !slices.Contains(recordTables, table) {
		return "", fmt.Errorf("%w: unknown table %q", errs.ErrInvalidArgument, table)
	}
	return pgx.Identifier{table}.Sanitize(), nil
}

// Insert stores rec and fills its server-assigned fields. A zero ID is generated.
func (r *PostgresRecordRepository) Insert(ctx context.Context, rec *models.Record) error {
	ident, err := tableIdent(rec.Table)
	if err != nil {
		return err
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if len(rec.Payload) == 0 {
		rec.Payload = json.RawMessage(`{}`)
	}

	query := `INSERT INTO ` + ident + ` (id, topic, scope, author_id, correlation_id, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`

	err = r.pool.QueryRow(ctx, query,
		rec.ID, rec.Topic, rec.Scope, rec.AuthorID, rec.CorrelationID, rec.Payload,
	).Scan(&rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert into %s: %w", rec.Table, err)
	}
	return nil
}

func (r *PostgresRecordRepository) Update(ctx context.Context, table string, id uuid.UUID, payload json.RawMessage) (*models.Record, error) {
	ident, err := tableIdent(table)
	if err != nil {
		return nil, err
	}

	query := `UPDATE ` + ident + ` SET payload = $2, updated_at = now()
		WHERE id = $1
		RETURNING ` + recordColumns

	rec, err := scanRecord(r.pool.QueryRow(ctx, query, id, payload))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update %s: %w", table, err)
	}
	rec.Table = table
	return rec, nil
}

func (r *PostgresRecordRepository) Delete(ctx context.Context, table string, id uuid.UUID) error {
	ident, err := tableIdent(table)
	if err != nil {
		return err
	}

	tag, err := r.pool.Exec(ctx, `DELETE FROM `+ident+` WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete from %s: %w", table, err)
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// Get loads one row by id.
func (r *PostgresRecordRepository) Get(ctx context.Context, table string, id uuid.UUID) (*models.Record, error) {
	ident, err := tableIdent(table)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + recordColumns + ` FROM ` + ident + ` WHERE id = $1`
	rec, err := scanRecord(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s %s: %w", table, id, err)
	}
	rec.Table = table
	return rec, nil
}

// ListByTopic returns the newest limit rows of topic in ascending creation order.
func (r *PostgresRecordRepository) ListByTopic(ctx context.Context, table, topic string, limit int) ([]*models.Record, error) {
	ident, err := tableIdent(table)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + recordColumns + ` FROM ` + ident + `
		WHERE topic = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`

	rows, err := r.pool.Query(ctx, query, topic, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", table, err)
	}
	defer rows.Close()

	var records []*models.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", table, err)
		}
		rec.Table = table
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", table, err)
	}

	slices.Reverse(records)
	return records, nil
}

func scanRecord(row pgx.Row) (*models.Record, error) {
	var rec models.Record
	err := row.Scan(
		&rec.ID, &rec.Topic, &rec.Scope, &rec.AuthorID, &rec.CorrelationID,
		&rec.Payload, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
