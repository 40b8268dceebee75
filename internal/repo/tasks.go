package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"matrix/internal/domain"
)

func marshalStrings(v []string) string {
	if v == nil {
		v = []string{}
	}
	data, _ := json.Marshal(v)
	return string(data)
}

func marshalProgress(v []domain.URLProgress) string {
	if v == nil {
		v = []domain.URLProgress{}
	}
	data, _ := json.Marshal(v)
	return string(data)
}

func scanTaskRow(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var agencyIDs, urlIDs, progress string
	err := scan(&t.ID, &t.Title, &t.Description, &t.UserID, &t.WaveID, &agencyIDs, &urlIDs, &progress, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if err := json.Unmarshal([]byte(agencyIDs), &t.AssignedAgencyIDs); err != nil {
		return t, fmt.Errorf("task %s agency ids: %w", t.ID, err)
	}
	if err := json.Unmarshal([]byte(urlIDs), &t.AssignedURLIDs); err != nil {
		return t, fmt.Errorf("task %s url ids: %w", t.ID, err)
	}
	if err := json.Unmarshal([]byte(progress), &t.URLProgress); err != nil {
		return t, fmt.Errorf("task %s progress: %w", t.ID, err)
	}
	return t, nil
}

const taskColumns = `id,title,description,user_id,wave_id,assigned_agency_ids_json,assigned_url_ids_json,url_progress_json,status,created_at,updated_at`

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Title, t.Description, t.UserID, t.WaveID,
		marshalStrings(t.AssignedAgencyIDs), marshalStrings(t.AssignedURLIDs), marshalProgress(t.URLProgress),
		t.Status, t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `UPDATE tasks SET title=?, description=?, assigned_agency_ids_json=?, assigned_url_ids_json=?, url_progress_json=?, status=?, updated_at=? WHERE id=?`,
		t.Title, t.Description,
		marshalStrings(t.AssignedAgencyIDs), marshalStrings(t.AssignedURLIDs), marshalProgress(t.URLProgress),
		t.Status, t.UpdatedAt, t.ID)
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTaskRow(row.Scan)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTaskRow(row.Scan)
}

type TaskFilters struct {
	WaveID string
	UserID string
	Status string
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.WaveID != "" {
		clauses = append(clauses, "wave_id=?")
		args = append(args, f.WaveID)
	}
	if f.UserID != "" {
		clauses = append(clauses, "user_id=?")
		args = append(args, f.UserID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks `+where+` ORDER BY created_at DESC, id DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTaskRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, nil
}

func (r Repo) ListTasksByWaveTx(ctx context.Context, tx *sql.Tx, waveID string) ([]domain.Task, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE wave_id=? ORDER BY created_at DESC, id DESC`, waveID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTaskRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, nil
}

// DeleteTask removes a task and its comments.
func (r Repo) DeleteTask(ctx context.Context, tx *sql.Tx, id string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_comments WHERE task_id=?`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) CountTasksByStatus(ctx context.Context, waveID string) (map[string]int, error) {
	query := `SELECT status, count(*) FROM tasks GROUP BY status`
	var args []any
	if waveID != "" {
		query = `SELECT status, count(*) FROM tasks WHERE wave_id=? GROUP BY status`
		args = append(args, waveID)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, nil
}

func (r Repo) InsertTaskComment(ctx context.Context, tx *sql.Tx, c domain.TaskComment) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO task_comments(id,task_id,text,author_name,created_at) VALUES (?,?,?,?,?)`,
		c.ID, c.TaskID, c.Text, c.AuthorName, c.CreatedAt)
	return err
}

func (r Repo) ListTaskComments(ctx context.Context, taskID string) ([]domain.TaskComment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,task_id,text,author_name,created_at FROM task_comments WHERE task_id=? ORDER BY created_at ASC, id ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskComment
	for rows.Next() {
		var c domain.TaskComment
		if err := rows.Scan(&c.ID, &c.TaskID, &c.Text, &c.AuthorName, &c.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, nil
}
