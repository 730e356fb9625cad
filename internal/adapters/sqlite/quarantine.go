package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/manthysbr/callpipe/internal/core/domain"
)

const quarantineColumns = `id, source, payload, reason, status, job_id, last_error, created_at, resolved_at`

func (s *Store) InsertQuarantine(ctx context.Context, item domain.QuarantineItem) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO quarantine (id, source, payload, reason, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		string(item.ID), item.Source, item.Payload, item.Reason, string(item.Status), toMillis(item.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert quarantine: %w", err)
	}
	return nil
}

func (s *Store) GetQuarantine(ctx context.Context, id domain.QuarantineID) (domain.QuarantineItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+quarantineColumns+` FROM quarantine WHERE id = ?`, string(id))
	item, err := scanQuarantine(row)
	if err != nil {
		if isNoRows(err) {
			return domain.QuarantineItem{}, domain.ErrQuarantineNotFound
		}
		return domain.QuarantineItem{}, fmt.Errorf("sqlite: get quarantine: %w", err)
	}
	return item, nil
}

func (s *Store) ListQuarantine(ctx context.Context, status domain.QuarantineStatus, limit int) ([]domain.QuarantineItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+quarantineColumns+` FROM quarantine
		WHERE (?1 = '' OR status = ?1)
		ORDER BY created_at DESC
		LIMIT ?2`,
		string(status), limitOrDefault(limit, 50),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list quarantine: %w", err)
	}
	defer rows.Close()

	var out []domain.QuarantineItem
	for rows.Next() {
		item, err := scanQuarantine(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan quarantine: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate quarantine: %w", err)
	}
	return out, nil
}

// ResolveQuarantine is a compare-and-set from pending.
func (s *Store) ResolveQuarantine(ctx context.Context, id domain.QuarantineID, status domain.QuarantineStatus, jobID *domain.JobID, payload string) error {
	var job sql.NullString
	if jobID != nil {
		job = sql.NullString{String: string(*jobID), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE quarantine
		SET status = ?, job_id = ?, payload = ?, resolved_at = ?
		WHERE id = ? AND status = 'pending'`,
		string(status), job, payload, toMillis(s.now()), string(id),
	)
	if err != nil {
		return fmt.Errorf("sqlite: resolve quarantine: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := s.GetQuarantine(ctx, id); err != nil {
		return err
	}
	return domain.ErrQuarantineResolved
}

func (s *Store) ReopenQuarantine(ctx context.Context, id domain.QuarantineID, lastError string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE quarantine
		SET status = 'pending', job_id = NULL, resolved_at = NULL, last_error = ?
		WHERE id = ?`,
		lastError, string(id),
	)
	if err != nil {
		return fmt.Errorf("sqlite: reopen quarantine: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrQuarantineNotFound
	}
	return nil
}

func scanQuarantine(row rowScanner) (domain.QuarantineItem, error) {
	var (
		item           domain.QuarantineItem
		id, status     string
		jobID, lastErr sql.NullString
		createdAt      int64
		resolvedAt     sql.NullInt64
	)
	err := row.Scan(&id, &item.Source, &item.Payload, &item.Reason, &status, &jobID, &lastErr, &createdAt, &resolvedAt)
	if err != nil {
		return domain.QuarantineItem{}, err
	}
	item.ID = domain.QuarantineID(id)
	item.Status = domain.QuarantineStatus(status)
	if jobID.Valid {
		j := domain.JobID(jobID.String)
		item.JobID = &j
	}
	item.LastError = fromNullString(lastErr)
	item.CreatedAt = fromMillis(createdAt)
	item.ResolvedAt = fromNullMillis(resolvedAt)
	return item, nil
}

// GetSetting returns "" when the key is absent.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if isNoRows(err) {
			return "", nil
		}
		return "", fmt.Errorf("sqlite: get setting: %w", err)
	}
	return value, nil
}

func (s *Store) SaveSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, toMillis(s.now()),
	)
	if err != nil {
		return fmt.Errorf("sqlite: save setting: %w", err)
	}
	return nil
}
