package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/sqlchat/internal/domain"
	"github.com/ashureev/sqlchat/internal/shared"
)

const schemaColumns = `id, user_id, name, description, raw_schema, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchema(row rowScanner) (*domain.Schema, error) {
	var schema domain.Schema
	var description sql.NullString
	var createdAt, updatedAt int64

	if err := row.Scan(
		&schema.ID, &schema.UserID, &schema.Name, &description,
		&schema.RawSchema, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	if description.Valid {
		schema.Description = &description.String
	}
	schema.CreatedAt = fromMillis(createdAt)
	schema.UpdatedAt = fromMillis(updatedAt)
	return &schema, nil
}

// GetSchemaText returns the raw schema blob for prompt assembly.
func (s *SQLiteStore) GetSchemaText(ctx context.Context, schemaID int64) (string, bool, error) {
	var text string
	err := s.db.QueryRowContext(ctx, `SELECT raw_schema FROM schemas WHERE id = ?`, schemaID).Scan(&text)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get schema text: %w", err)
	}
	return text, true, nil
}

// GetSchema retrieves a schema by ID.
func (s *SQLiteStore) GetSchema(ctx context.Context, schemaID int64) (*domain.Schema, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+schemaColumns+` FROM schemas WHERE id = ?`, schemaID)
	schema, err := scanSchema(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan schema row: %w", err)
	}
	return schema, nil
}

// ListSchemas returns all schemas owned by a user, oldest first.
func (s *SQLiteStore) ListSchemas(ctx context.Context, userID int64) ([]*domain.Schema, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+schemaColumns+` FROM schemas WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("query schemas: %w", err)
	}
	defer closeRows(rows, "list schemas")

	schemas := []*domain.Schema{}
	for rows.Next() {
		schema, err := scanSchema(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schema row: %w", err)
		}
		schemas = append(schemas, schema)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schemas: %w", err)
	}
	return schemas, nil
}

// CreateSchema inserts a schema and fills in its ID and timestamps.
func (s *SQLiteStore) CreateSchema(ctx context.Context, schema *domain.Schema) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO schemas (user_id, name, description, raw_schema, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		schema.UserID, schema.Name, nullString(schema.Description), schema.RawSchema,
		now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		if shared.IsSQLiteUniqueError(err) {
			return fmt.Errorf("schema %q already exists: %w", schema.Name, domain.ErrConflict)
		}
		return fmt.Errorf("insert schema: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("schema last insert id: %w", err)
	}
	schema.ID = id
	schema.CreatedAt = fromMillis(now.UnixMilli())
	schema.UpdatedAt = schema.CreatedAt
	return nil
}

// UpdateSchema persists name, description and raw schema.
func (s *SQLiteStore) UpdateSchema(ctx context.Context, schema *domain.Schema) error {
	now := time.Now().UTC().UnixMilli()
	res, err := s.db.ExecContext(ctx, `
		UPDATE schemas SET name = ?, description = ?, raw_schema = ?, updated_at = ?
		WHERE id = ?`,
		schema.Name, nullString(schema.Description), schema.RawSchema, now, schema.ID,
	)
	if err != nil {
		if shared.IsSQLiteUniqueError(err) {
			return fmt.Errorf("schema %q already exists: %w", schema.Name, domain.ErrConflict)
		}
		return fmt.Errorf("update schema: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("schema %d: %w", schema.ID, domain.ErrNotFound)
	}
	schema.UpdatedAt = fromMillis(now)
	return nil
}

// DeleteSchema removes a schema; bound sessions fall back to no schema.
func (s *SQLiteStore) DeleteSchema(ctx context.Context, schemaID int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schemas WHERE id = ?`, schemaID)
	if err != nil {
		return fmt.Errorf("delete schema: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("schema %d: %w", schemaID, domain.ErrNotFound)
	}
	return nil
}
