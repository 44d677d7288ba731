// internal/journal/postgres_repository.go
package journal

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"comm-service/internal/database"
)

const defaultListLimit = 100

// postgresRepository implements Repository on the connection_journal table
type postgresRepository struct {
	db     *database.DB
	logger *zap.Logger
}

// NewPostgresRepository creates a new journal repository
func NewPostgresRepository(db *database.DB, logger *zap.Logger) Repository {
	return &postgresRepository{
		db:     db,
		logger: logger,
	}
}

// Insert stores an entry
func (r *postgresRepository) Insert(ctx context.Context, entry *Entry) error {
	query := `
		INSERT INTO connection_journal (id, adapter, protocol, kind, state, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.db.ExecContext(ctx, query,
		entry.ID, entry.Adapter, entry.Protocol, string(entry.Kind),
		entry.State, entry.Message, entry.CreatedAt,
	)
	if err != nil {
		r.logger.Error("Failed to insert journal entry", zap.Error(err), zap.String("adapter", entry.Adapter))
		return fmt.Errorf("failed to insert journal entry: %w", err)
	}

	return nil
}

// List returns the newest entries matching filter
func (r *postgresRepository) List(ctx context.Context, filter *Filter) ([]*Entry, error) {
	query, args := buildListQuery(filter)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list journal entries: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry := &Entry{}
		var kind string
		if err := rows.Scan(
			&entry.ID, &entry.Adapter, &entry.Protocol, &kind,
			&entry.State, &entry.Message, &entry.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		entry.Kind = Kind(kind)
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate journal entries: %w", err)
	}

	return entries, nil
}

// DeleteBefore removes entries older than before
func (r *postgresRepository) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	query := `DELETE FROM connection_journal WHERE created_at < $1`

	result, err := r.db.ExecContext(ctx, query, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete journal entries: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected, nil
}

func buildListQuery(filter *Filter) (string, []interface{}) {
	if filter == nil {
		filter = &Filter{}
	}

	// Build WHERE clause
	whereConditions := []string{}
	args := []interface{}{}
	argIndex := 1

	if filter.Adapter != "" {
		whereConditions = append(whereConditions, fmt.Sprintf("adapter = $%d", argIndex))
		args = append(args, filter.Adapter)
		argIndex++
	}

	if filter.Kind != "" {
		whereConditions = append(whereConditions, fmt.Sprintf("kind = $%d", argIndex))
		args = append(args, string(filter.Kind))
		argIndex++
	}

	if filter.Since != nil {
		whereConditions = append(whereConditions, fmt.Sprintf("created_at >= $%d", argIndex))
		args = append(args, *filter.Since)
		argIndex++
	}

	whereClause := ""
	if len(whereConditions) > 0 {
		whereClause = "WHERE " + strings.Join(whereConditions, " AND ")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT id, adapter, protocol, kind, state, message, created_at
		FROM connection_journal %s
		ORDER BY created_at DESC
		LIMIT $%d
	`, whereClause, argIndex)

	return query, args
}
