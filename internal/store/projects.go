package store

import (
	"context"
	"database/sql"
	stderrors "errors"
	"strings"
)

const projectColumns = `id, user_id, name, type, build_status, preview_url, port, file_count, error, error_stack, updated_at`

func scanProject(row rowScanner) (*Project, error) {
	var p Project
	var updatedAt int64
	if err := row.Scan(&p.ID, &p.UserID, &p.Name, &p.Type, &p.BuildStatus, &p.PreviewURL, &p.Port, &p.FileCount,
		&p.Error, &p.ErrorStack, &updatedAt); err != nil {
		return nil, err
	}
	p.UpdatedAt = fromUnix(updatedAt)
	return &p, nil
}

// UpsertProject inserts p or replaces its owner and name when it exists.
func (s *Store) UpsertProject(ctx context.Context, p *Project) error {
	if p.BuildStatus == "" {
		p.BuildStatus = ProjectIdle
	}
	p.UpdatedAt = s.now()
	_, err := s.db.ExecContext(ctx, `INSERT INTO projects (`+projectColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET user_id = excluded.user_id, name = excluded.name, updated_at = excluded.updated_at`,
		p.ID, p.UserID, p.Name, p.Type, p.BuildStatus, p.PreviewURL, p.Port, p.FileCount, p.Error, p.ErrorStack, toUnix(p.UpdatedAt))
	if err != nil {
		return storageErr(err, "upsert project")
	}
	return nil
}

// GetProject returns the project or ErrProjectNotFound.
func (s *Store) GetProject(ctx context.Context, id string) (*Project, error) {
	p, err := scanProject(s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, ErrProjectNotFound.WithContext("project_id", id)
	}
	if err != nil {
		return nil, storageErr(err, "get project")
	}
	return p, nil
}

// UpdateProject applies a partial update.
func (s *Store) UpdateProject(ctx context.Context, id string, upd ProjectUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{toUnix(s.now())}
	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if upd.Type != nil {
		add("type", *upd.Type)
	}
	if upd.BuildStatus != nil {
		add("build_status", string(*upd.BuildStatus))
	}
	if upd.PreviewURL != nil {
		add("preview_url", *upd.PreviewURL)
	}
	if upd.Port != nil {
		add("port", *upd.Port)
	}
	if upd.FileCount != nil {
		add("file_count", *upd.FileCount)
	}
	if upd.Error != nil {
		add("error", *upd.Error)
	}
	if upd.ErrorStack != nil {
		add("error_stack", *upd.ErrorStack)
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx, `UPDATE projects SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return storageErr(err, "update project")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrProjectNotFound.WithContext("project_id", id)
	}
	return nil
}
