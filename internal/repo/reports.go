package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"matrix/internal/domain"
)

func (r Repo) InsertReport(ctx context.Context, tx *sql.Tx, rep domain.Report) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO reports(id,user_id,agency_id,wave_id,sections_json,status,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		rep.ID, rep.UserID, rep.AgencyID, rep.WaveID, rep.SectionsJSON, rep.Status, rep.CreatedAt, rep.UpdatedAt)
	return err
}

func (r Repo) GetReport(ctx context.Context, id string) (domain.Report, error) {
	var rep domain.Report
	err := r.DB.QueryRowContext(ctx, `SELECT id,user_id,agency_id,wave_id,sections_json,status,created_at,updated_at FROM reports WHERE id=?`, id).
		Scan(&rep.ID, &rep.UserID, &rep.AgencyID, &rep.WaveID, &rep.SectionsJSON, &rep.Status, &rep.CreatedAt, &rep.UpdatedAt)
	if err == sql.ErrNoRows {
		return rep, ErrNotFound
	}
	return rep, err
}

type ReportFilters struct {
	UserID   string
	WaveID   string
	AgencyID string
	Status   string
}

func (r Repo) ListReports(ctx context.Context, f ReportFilters) ([]domain.Report, error) {
	var clauses []string
	var args []any
	if f.UserID != "" {
		clauses = append(clauses, "user_id=?")
		args = append(args, f.UserID)
	}
	if f.WaveID != "" {
		clauses = append(clauses, "wave_id=?")
		args = append(args, f.WaveID)
	}
	if f.AgencyID != "" {
		clauses = append(clauses, "agency_id=?")
		args = append(args, f.AgencyID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,user_id,agency_id,wave_id,sections_json,status,created_at,updated_at FROM reports `+where+` ORDER BY updated_at DESC, id DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Report
	for rows.Next() {
		var rep domain.Report
		if err := rows.Scan(&rep.ID, &rep.UserID, &rep.AgencyID, &rep.WaveID, &rep.SectionsJSON, &rep.Status, &rep.CreatedAt, &rep.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, rep)
	}
	return res, nil
}

func (r Repo) UpdateReport(ctx context.Context, tx *sql.Tx, id string, sectionsJSON, status *string, updatedAt string) error {
	var (
		fields []string
		args   []any
	)
	if sectionsJSON != nil {
		fields = append(fields, "sections_json=?")
		args = append(args, *sectionsJSON)
	}
	if status != nil {
		fields = append(fields, "status=?")
		args = append(args, *status)
	}
	if len(fields) == 0 {
		return nil
	}
	fields = append(fields, "updated_at=?")
	args = append(args, updatedAt, id)
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE reports SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteReport(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM reports WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertReportCategory(ctx context.Context, tx *sql.Tx, c domain.ReportCategory) error {
	query := `INSERT INTO report_categories(id,name) VALUES (?,?)`
	if tx != nil {
		_, err := tx.ExecContext(ctx, query, c.ID, c.Name)
		return err
	}
	_, err := r.DB.ExecContext(ctx, query, c.ID, c.Name)
	return err
}

func (r Repo) ListReportCategories(ctx context.Context) ([]domain.ReportCategory, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name FROM report_categories ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ReportCategory
	for rows.Next() {
		var c domain.ReportCategory
		if err := rows.Scan(&c.ID, &c.Name); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, nil
}

func (r Repo) DeleteReportCategory(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM report_categories WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) CountReportCategories(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM report_categories`).Scan(&n)
	return n, err
}
