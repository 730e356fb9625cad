package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/manthysbr/callpipe/internal/core/domain"
)

const quarantineColumns = `id, source, payload, reason, status, job_id, last_error, created_at, resolved_at`

func (s *Store) InsertQuarantine(ctx context.Context, item domain.QuarantineItem) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO quarantine (id, source, payload, reason, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		string(item.ID), item.Source, item.Payload, item.Reason, string(item.Status), item.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert quarantine: %w", err)
	}
	return nil
}

func (s *Store) GetQuarantine(ctx context.Context, id domain.QuarantineID) (domain.QuarantineItem, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+quarantineColumns+` FROM quarantine WHERE id = $1`, string(id))
	item, err := scanQuarantine(row)
	if err != nil {
		if isNoRows(err) {
			return domain.QuarantineItem{}, domain.ErrQuarantineNotFound
		}
		return domain.QuarantineItem{}, fmt.Errorf("postgres: get quarantine: %w", err)
	}
	return item, nil
}

func (s *Store) ListQuarantine(ctx context.Context, status domain.QuarantineStatus, limit int) ([]domain.QuarantineItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+quarantineColumns+` FROM quarantine
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2`,
		string(status), limitOrDefault(limit, 50),
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list quarantine: %w", err)
	}
	defer rows.Close()

	var out []domain.QuarantineItem
	for rows.Next() {
		item, err := scanQuarantine(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan quarantine: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate quarantine: %w", err)
	}
	return out, nil
}

// ResolveQuarantine is a compare-and-set from pending.
func (s *Store) ResolveQuarantine(ctx context.Context, id domain.QuarantineID, status domain.QuarantineStatus, jobID *domain.JobID, payload string) error {
	var job *string
	if jobID != nil {
		v := string(*jobID)
		job = &v
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE quarantine
		SET status = $2, job_id = $3, payload = $4, resolved_at = NOW()
		WHERE id = $1 AND status = 'pending'`,
		string(id), string(status), job, payload,
	)
	if err != nil {
		return fmt.Errorf("postgres: resolve quarantine: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.GetQuarantine(ctx, id); err != nil {
		return err
	}
	return domain.ErrQuarantineResolved
}

func (s *Store) ReopenQuarantine(ctx context.Context, id domain.QuarantineID, lastError string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE quarantine
		SET status = 'pending', job_id = NULL, resolved_at = NULL, last_error = $2
		WHERE id = $1`,
		string(id), lastError,
	)
	if err != nil {
		return fmt.Errorf("postgres: reopen quarantine: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrQuarantineNotFound
	}
	return nil
}

func scanQuarantine(row pgx.Row) (domain.QuarantineItem, error) {
	var (
		item   domain.QuarantineItem
		id     string
		status string
		jobID  *string
	)
	err := row.Scan(&id, &item.Source, &item.Payload, &item.Reason, &status, &jobID, &item.LastError, &item.CreatedAt, &item.ResolvedAt)
	if err != nil {
		return domain.QuarantineItem{}, err
	}
	item.ID = domain.QuarantineID(id)
	item.Status = domain.QuarantineStatus(status)
	if jobID != nil {
		j := domain.JobID(*jobID)
		item.JobID = &j
	}
	return item, nil
}

// GetSetting returns "" when the key is absent.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx, `SELECT value FROM settings WHERE key = $1`, key).Scan(&value)
	if err != nil {
		if isNoRows(err) {
			return "", nil
		}
		return "", fmt.Errorf("postgres: get setting: %w", err)
	}
	return value, nil
}

func (s *Store) SaveSetting(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("postgres: save setting: %w", err)
	}
	return nil
}
