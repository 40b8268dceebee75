package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"matrix/internal/config"
	"matrix/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertWave(ctx context.Context, tx *sql.Tx, w domain.Wave) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO waves(id,name,number,description,status,created_at) VALUES (?,?,?,?,?,?)`,
		w.ID, w.Name, w.Number, w.Description, w.Status, w.CreatedAt)
	return err
}

func (r Repo) GetWave(ctx context.Context, id string) (domain.Wave, error) {
	var w domain.Wave
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,number,description,status,created_at FROM waves WHERE id=?`, id).
		Scan(&w.ID, &w.Name, &w.Number, &w.Description, &w.Status, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	return w, err
}

func (r Repo) GetWaveTx(ctx context.Context, tx *sql.Tx, id string) (domain.Wave, error) {
	var w domain.Wave
	err := tx.QueryRowContext(ctx, `SELECT id,name,number,description,status,created_at FROM waves WHERE id=?`, id).
		Scan(&w.ID, &w.Name, &w.Number, &w.Description, &w.Status, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	return w, err
}

func (r Repo) ListWaves(ctx context.Context) ([]domain.Wave, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,number,description,status,created_at FROM waves ORDER BY number DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Wave
	for rows.Next() {
		var w domain.Wave
		if err := rows.Scan(&w.ID, &w.Name, &w.Number, &w.Description, &w.Status, &w.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, nil
}

// MaxWaveNumber runs inside the insert transaction so concurrent creates
// cannot both read the same number.
func (r Repo) MaxWaveNumber(ctx context.Context, tx *sql.Tx) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(number),0) FROM waves`).Scan(&n)
	return n, err
}

func (r Repo) UpdateWave(ctx context.Context, tx *sql.Tx, id string, name, description, status *string) error {
	var (
		fields []string
		args   []any
	)
	if name != nil {
		fields = append(fields, "name=?")
		args = append(args, *name)
	}
	if description != nil {
		fields = append(fields, "description=?")
		args = append(args, *description)
	}
	if status != nil {
		fields = append(fields, "status=?")
		args = append(args, *status)
	}
	if len(fields) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE waves SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteWave removes a wave together with its tasks and their comments.
func (r Repo) DeleteWave(ctx context.Context, tx *sql.Tx, id string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_comments WHERE task_id IN (SELECT id FROM tasks WHERE wave_id=?)`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE wave_id=?`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM waves WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertAgency(ctx context.Context, tx *sql.Tx, a domain.Agency) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO agencies(id,name,created_at) VALUES (?,?,?)`,
		a.ID, a.Name, a.CreatedAt)
	return err
}

func (r Repo) GetAgency(ctx context.Context, id string) (domain.Agency, error) {
	var a domain.Agency
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,created_at FROM agencies WHERE id=?`, id).
		Scan(&a.ID, &a.Name, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) ListAgencies(ctx context.Context) ([]domain.Agency, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,created_at FROM agencies ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Agency
	for rows.Next() {
		var a domain.Agency
		if err := rows.Scan(&a.ID, &a.Name, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, nil
}

func (r Repo) UpdateAgency(ctx context.Context, tx *sql.Tx, id, name string) error {
	res, err := tx.ExecContext(ctx, `UPDATE agencies SET name=? WHERE id=?`, name, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAgency removes an agency and the URLs that belong to it.
func (r Repo) DeleteAgency(ctx context.Context, tx *sql.Tx, id string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM urls WHERE agency_id=?`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM agencies WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertURL(ctx context.Context, tx *sql.Tx, u domain.URLItem) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO urls(id,link,agency_id,created_at) VALUES (?,?,?,?)`,
		u.ID, u.Link, nullableStringPtr(u.AgencyID), u.CreatedAt)
	return err
}

func (r Repo) GetURL(ctx context.Context, id string) (domain.URLItem, error) {
	var u domain.URLItem
	var agencyID sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,link,agency_id,created_at FROM urls WHERE id=?`, id).
		Scan(&u.ID, &u.Link, &agencyID, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if agencyID.Valid {
		u.AgencyID = &agencyID.String
	}
	return u, err
}

func (r Repo) ListURLs(ctx context.Context, agencyID string) ([]domain.URLItem, error) {
	query := `SELECT id,link,agency_id,created_at FROM urls ORDER BY created_at DESC, id DESC`
	var args []any
	if agencyID != "" {
		query = `SELECT id,link,agency_id,created_at FROM urls WHERE agency_id=? ORDER BY created_at DESC, id DESC`
		args = append(args, agencyID)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.URLItem
	for rows.Next() {
		var u domain.URLItem
		var aID sql.NullString
		if err := rows.Scan(&u.ID, &u.Link, &aID, &u.CreatedAt); err != nil {
			return nil, err
		}
		if aID.Valid {
			u.AgencyID = &aID.String
		}
		res = append(res, u)
	}
	return res, nil
}

func (r Repo) ListURLsTx(ctx context.Context, tx *sql.Tx) ([]domain.URLItem, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id,link,agency_id,created_at FROM urls ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.URLItem
	for rows.Next() {
		var u domain.URLItem
		var aID sql.NullString
		if err := rows.Scan(&u.ID, &u.Link, &aID, &u.CreatedAt); err != nil {
			return nil, err
		}
		if aID.Valid {
			u.AgencyID = &aID.String
		}
		res = append(res, u)
	}
	return res, nil
}

func (r Repo) UpdateURL(ctx context.Context, tx *sql.Tx, id string, link *string, agencyID *string, clearAgency bool) error {
	var (
		fields []string
		args   []any
	)
	if link != nil {
		fields = append(fields, "link=?")
		args = append(args, *link)
	}
	if clearAgency {
		fields = append(fields, "agency_id=NULL")
	} else if agencyID != nil {
		fields = append(fields, "agency_id=?")
		args = append(args, *agencyID)
	}
	if len(fields) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE urls SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteURL(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM urls WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpsertAppConfig(ctx context.Context, cfg *config.Config) error {
	return upsertAppConfig(ctx, r.DB, nil, cfg)
}

func (r Repo) UpsertAppConfigTx(ctx context.Context, tx *sql.Tx, cfg *config.Config) error {
	return upsertAppConfig(ctx, nil, tx, cfg)
}

func upsertAppConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := cfg.ToYAML()
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO app_configs(id,name,config_yaml,created_at) VALUES (?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, config_yaml=excluded.config_yaml`, cfg.App.ID, cfg.App.Name, string(payload), now)
	return err
}

func (r Repo) GetAppConfig(ctx context.Context, id string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_yaml FROM app_configs WHERE id=?`, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	cfg, err := config.FromYAML([]byte(payload))
	if err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func (r Repo) SingleAppConfig(ctx context.Context) (*config.Config, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT config_yaml FROM app_configs`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var payloads []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		payloads = append(payloads, p)
	}
	if len(payloads) == 0 {
		return nil, ErrNotFound
	}
	if len(payloads) > 1 {
		return nil, fmt.Errorf("multiple app configs exist")
	}
	return config.FromYAML([]byte(payloads[0]))
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
