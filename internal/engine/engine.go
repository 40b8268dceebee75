package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"matrix/internal/config"
	"matrix/internal/domain"
	"matrix/internal/events"
	"matrix/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// ErrUsernameTaken reports a duplicate username on user creation.
var ErrUsernameTaken = errors.New("username already taken")

// ErrFrozen reports a write against a frozen wave.
var ErrFrozen = errors.New("wave is frozen")

func validStatus(s string) bool {
	switch s {
	case "pending", "in-progress", "completed":
		return true
	}
	return false
}

func validWaveTransition(from, to string) bool {
	switch {
	case from == to:
		return true
	case from == "draft" && to == "published":
		return true
	case from == "published" && to == "frozen":
		return true
	}
	return false
}

func (e Engine) CreateWave(ctx context.Context, name, description, actorID string) (domain.Wave, error) {
	if name == "" {
		return domain.Wave{}, errors.New("name is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Wave{}, err
	}
	defer tx.Rollback()
	max, err := e.Repo.MaxWaveNumber(ctx, tx)
	if err != nil {
		return domain.Wave{}, err
	}
	w := domain.Wave{
		ID:          uuid.NewString(),
		Name:        name,
		Number:      max + 1,
		Description: description,
		Status:      "draft",
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertWave(ctx, tx, w); err != nil {
		return domain.Wave{}, fmt.Errorf("insert wave: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "wave.created", "wave", w.ID, actorID, events.EventPayload{"name": w.Name, "number": w.Number}); err != nil {
		return domain.Wave{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Wave{}, err
	}
	return w, nil
}

// WaveUpdateOptions carries the mutable wave fields. Nil means unchanged.
type WaveUpdateOptions struct {
	Name        *string
	Description *string
	Status      *string
	ActorID     string
}

func (e Engine) UpdateWave(ctx context.Context, id string, opts WaveUpdateOptions) (domain.Wave, error) {
	w, err := e.Repo.GetWave(ctx, id)
	if err != nil {
		return domain.Wave{}, err
	}
	if opts.Status != nil {
		if *opts.Status != "draft" && *opts.Status != "published" && *opts.Status != "frozen" {
			return domain.Wave{}, fmt.Errorf("unknown wave status %q", *opts.Status)
		}
		if !validWaveTransition(w.Status, *opts.Status) {
			return domain.Wave{}, fmt.Errorf("wave status cannot move from %s to %s", w.Status, *opts.Status)
		}
	}
	if opts.Name != nil && *opts.Name == "" {
		return domain.Wave{}, errors.New("name is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Wave{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateWave(ctx, tx, id, opts.Name, opts.Description, opts.Status); err != nil {
		return domain.Wave{}, err
	}
	payload := events.EventPayload{}
	if opts.Name != nil {
		w.Name = *opts.Name
		payload["name"] = w.Name
	}
	if opts.Description != nil {
		w.Description = *opts.Description
		payload["description_changed"] = true
	}
	if opts.Status != nil && *opts.Status != w.Status {
		payload["from"] = w.Status
		payload["to"] = *opts.Status
		w.Status = *opts.Status
	}
	if err := e.Events.Append(ctx, tx, "wave.updated", "wave", w.ID, opts.ActorID, payload); err != nil {
		return domain.Wave{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Wave{}, err
	}
	return w, nil
}

func (e Engine) DeleteWave(ctx context.Context, id, actorID string) error {
	if _, err := e.Repo.GetWave(ctx, id); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteWave(ctx, tx, id); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "wave.deleted", "wave", id, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) CreateAgency(ctx context.Context, name, actorID string) (domain.Agency, error) {
	if name == "" {
		return domain.Agency{}, errors.New("name is required")
	}
	a := domain.Agency{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agency{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAgency(ctx, tx, a); err != nil {
		return domain.Agency{}, fmt.Errorf("insert agency: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "agency.created", "agency", a.ID, actorID, events.EventPayload{"name": a.Name}); err != nil {
		return domain.Agency{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Agency{}, err
	}
	return a, nil
}

func (e Engine) UpdateAgency(ctx context.Context, id, name, actorID string) (domain.Agency, error) {
	if name == "" {
		return domain.Agency{}, errors.New("name is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agency{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateAgency(ctx, tx, id, name); err != nil {
		return domain.Agency{}, err
	}
	if err := e.Events.Append(ctx, tx, "agency.updated", "agency", id, actorID, events.EventPayload{"name": name}); err != nil {
		return domain.Agency{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Agency{}, err
	}
	return e.Repo.GetAgency(ctx, id)
}

func (e Engine) DeleteAgency(ctx context.Context, id, actorID string) error {
	if _, err := e.Repo.GetAgency(ctx, id); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteAgency(ctx, tx, id); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "agency.deleted", "agency", id, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) CreateURL(ctx context.Context, link string, agencyID, actorID string) (domain.URLItem, error) {
	if link == "" {
		return domain.URLItem{}, errors.New("link is required")
	}
	if agencyID != "" {
		if _, err := e.Repo.GetAgency(ctx, agencyID); err != nil {
			return domain.URLItem{}, err
		}
	}
	u := domain.URLItem{
		ID:        uuid.NewString(),
		Link:      link,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	if agencyID != "" {
		u.AgencyID = &agencyID
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.URLItem{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertURL(ctx, tx, u); err != nil {
		return domain.URLItem{}, fmt.Errorf("insert url: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "url.created", "url", u.ID, actorID, events.EventPayload{"link": u.Link}); err != nil {
		return domain.URLItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.URLItem{}, err
	}
	return u, nil
}

// URLUpdateOptions carries mutable URL fields. ClearAgency detaches the URL
// from its agency.
type URLUpdateOptions struct {
	Link        *string
	AgencyID    *string
	ClearAgency bool
	ActorID     string
}

func (e Engine) UpdateURL(ctx context.Context, id string, opts URLUpdateOptions) (domain.URLItem, error) {
	if opts.Link != nil && *opts.Link == "" {
		return domain.URLItem{}, errors.New("link is required")
	}
	if opts.AgencyID != nil && *opts.AgencyID != "" {
		if _, err := e.Repo.GetAgency(ctx, *opts.AgencyID); err != nil {
			return domain.URLItem{}, err
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.URLItem{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateURL(ctx, tx, id, opts.Link, opts.AgencyID, opts.ClearAgency); err != nil {
		return domain.URLItem{}, err
	}
	payload := events.EventPayload{}
	if opts.Link != nil {
		payload["link"] = *opts.Link
	}
	if opts.ClearAgency {
		payload["agency_cleared"] = true
	} else if opts.AgencyID != nil {
		payload["agency_id"] = *opts.AgencyID
	}
	if err := e.Events.Append(ctx, tx, "url.updated", "url", id, opts.ActorID, payload); err != nil {
		return domain.URLItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.URLItem{}, err
	}
	return e.Repo.GetURL(ctx, id)
}

func (e Engine) DeleteURL(ctx context.Context, id, actorID string) error {
	if _, err := e.Repo.GetURL(ctx, id); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteURL(ctx, tx, id); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "url.deleted", "url", id, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// UserCreateOptions are parameters for creating a user account.
type UserCreateOptions struct {
	Name     string
	Username string
	Password string
	Role     string
	ActorID  string
}

func (e Engine) CreateUser(ctx context.Context, opts UserCreateOptions) (domain.User, error) {
	if opts.Name == "" {
		return domain.User{}, errors.New("name is required")
	}
	if opts.Username == "" {
		return domain.User{}, errors.New("username is required")
	}
	if opts.Password == "" {
		return domain.User{}, errors.New("password is required")
	}
	if opts.Role == "" {
		opts.Role = "user"
	}
	if opts.Role != "admin" && opts.Role != "user" {
		return domain.User{}, fmt.Errorf("unknown role %q", opts.Role)
	}
	if _, err := e.Repo.GetUserByUsername(ctx, opts.Username); err == nil {
		return domain.User{}, ErrUsernameTaken
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.User{}, err
	}
	u := domain.User{
		ID:           uuid.NewString(),
		Name:         opts.Name,
		Username:     opts.Username,
		PasswordHash: repo.HashPassword(opts.Password),
		Role:         opts.Role,
		CreatedAt:    e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.User{}, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO users(id,name,username,password_hash,role,created_at) VALUES (?,?,?,?,?,?)`,
		u.ID, u.Name, u.Username, u.PasswordHash, u.Role, u.CreatedAt); err != nil {
		return domain.User{}, fmt.Errorf("insert user: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "user.created", "user", u.ID, opts.ActorID, events.EventPayload{"username": u.Username, "role": u.Role}); err != nil {
		return domain.User{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.User{}, err
	}
	return u, nil
}

func (e Engine) DeleteUser(ctx context.Context, id, actorID string) error {
	if _, err := e.Repo.GetUser(ctx, id); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteUser(ctx, tx, id); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "user.deleted", "user", id, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// Authenticate checks a username/password pair against stored credentials.
func (e Engine) Authenticate(ctx context.Context, username, password string) (domain.User, error) {
	u, err := e.Repo.GetUserByUsername(ctx, username)
	if err != nil {
		return domain.User{}, err
	}
	if u.PasswordHash != repo.HashPassword(password) {
		return domain.User{}, repo.ErrNotFound
	}
	return u, nil
}

// SetTaskStatus directly overrides a task status. Only allowed for tasks
// without URL progress entries; tasks with entries derive their status.
func (e Engine) SetTaskStatus(ctx context.Context, taskID, status, actorID string) (domain.Task, error) {
	if !validStatus(status) {
		return domain.Task{}, fmt.Errorf("unknown task status %q", status)
	}
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if len(t.URLProgress) > 0 {
		return domain.Task{}, errors.New("status is derived from url progress for this task")
	}
	w, err := e.Repo.GetWave(ctx, t.WaveID)
	if err != nil {
		return domain.Task{}, err
	}
	if w.Status == "frozen" {
		return domain.Task{}, ErrFrozen
	}
	prev := t.Status
	t.Status = status
	t.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.status.set", "task", t.ID, actorID, events.EventPayload{"from": prev, "to": status}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// AddComment appends a comment to a task.
func (e Engine) AddComment(ctx context.Context, taskID, text, authorName, actorID string) (domain.TaskComment, error) {
	if text == "" {
		return domain.TaskComment{}, errors.New("text is required")
	}
	if _, err := e.Repo.GetTask(ctx, taskID); err != nil {
		return domain.TaskComment{}, err
	}
	c := domain.TaskComment{
		ID:         uuid.NewString(),
		TaskID:     taskID,
		Text:       text,
		AuthorName: authorName,
		CreatedAt:  e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TaskComment{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTaskComment(ctx, tx, c); err != nil {
		return domain.TaskComment{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.commented", "task", taskID, actorID, events.EventPayload{"comment_id": c.ID}); err != nil {
		return domain.TaskComment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TaskComment{}, err
	}
	return c, nil
}
