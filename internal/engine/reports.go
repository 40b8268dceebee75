package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"matrix/internal/domain"
	"matrix/internal/events"
)

// ReportCreateOptions are parameters for creating a report.
type ReportCreateOptions struct {
	UserID       string
	AgencyID     string
	WaveID       string
	SectionsJSON string
	ActorID      string
}

func (e Engine) CreateReport(ctx context.Context, opts ReportCreateOptions) (domain.Report, error) {
	if opts.UserID == "" {
		return domain.Report{}, errors.New("user_id is required")
	}
	if _, err := e.Repo.GetUser(ctx, opts.UserID); err != nil {
		return domain.Report{}, fmt.Errorf("user %s: %w", opts.UserID, err)
	}
	if _, err := e.Repo.GetAgency(ctx, opts.AgencyID); err != nil {
		return domain.Report{}, fmt.Errorf("agency %s: %w", opts.AgencyID, err)
	}
	if _, err := e.Repo.GetWave(ctx, opts.WaveID); err != nil {
		return domain.Report{}, fmt.Errorf("wave %s: %w", opts.WaveID, err)
	}
	if opts.SectionsJSON == "" {
		opts.SectionsJSON = "[]"
	}
	now := e.now().UTC().Format(time.RFC3339)
	rep := domain.Report{
		ID:           uuid.NewString(),
		UserID:       opts.UserID,
		AgencyID:     opts.AgencyID,
		WaveID:       opts.WaveID,
		SectionsJSON: opts.SectionsJSON,
		Status:       "draft",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Report{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertReport(ctx, tx, rep); err != nil {
		return domain.Report{}, err
	}
	if err := e.Events.Append(ctx, tx, "report.created", "report", rep.ID, opts.ActorID, events.EventPayload{
		"wave_id":   rep.WaveID,
		"agency_id": rep.AgencyID,
	}); err != nil {
		return domain.Report{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Report{}, err
	}
	return rep, nil
}

// ReportUpdateOptions carries mutable report fields. Nil means unchanged.
type ReportUpdateOptions struct {
	SectionsJSON *string
	Status       *string
	ActorID      string
}

func (e Engine) UpdateReport(ctx context.Context, id string, opts ReportUpdateOptions) (domain.Report, error) {
	rep, err := e.Repo.GetReport(ctx, id)
	if err != nil {
		return domain.Report{}, err
	}
	if rep.Status == "submitted" {
		return domain.Report{}, errors.New("report already submitted")
	}
	if opts.Status != nil && *opts.Status != "draft" && *opts.Status != "submitted" {
		return domain.Report{}, fmt.Errorf("unknown report status %q", *opts.Status)
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Report{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateReport(ctx, tx, id, opts.SectionsJSON, opts.Status, now); err != nil {
		return domain.Report{}, err
	}
	payload := events.EventPayload{}
	if opts.SectionsJSON != nil {
		rep.SectionsJSON = *opts.SectionsJSON
		payload["sections_changed"] = true
	}
	if opts.Status != nil {
		payload["status"] = *opts.Status
		rep.Status = *opts.Status
	}
	evtType := "report.updated"
	if rep.Status == "submitted" {
		evtType = "report.submitted"
	}
	if err := e.Events.Append(ctx, tx, evtType, "report", rep.ID, opts.ActorID, payload); err != nil {
		return domain.Report{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Report{}, err
	}
	rep.UpdatedAt = now
	return rep, nil
}

func (e Engine) DeleteReport(ctx context.Context, id, actorID string) error {
	if _, err := e.Repo.GetReport(ctx, id); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteReport(ctx, tx, id); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "report.deleted", "report", id, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) CreateReportCategory(ctx context.Context, name, actorID string) (domain.ReportCategory, error) {
	if name == "" {
		return domain.ReportCategory{}, errors.New("name is required")
	}
	c := domain.ReportCategory{ID: uuid.NewString(), Name: name}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ReportCategory{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertReportCategory(ctx, tx, c); err != nil {
		return domain.ReportCategory{}, err
	}
	if err := e.Events.Append(ctx, tx, "report_category.created", "report_category", c.ID, actorID, events.EventPayload{"name": c.Name}); err != nil {
		return domain.ReportCategory{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ReportCategory{}, err
	}
	return c, nil
}

func (e Engine) DeleteReportCategory(ctx context.Context, id, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteReportCategory(ctx, tx, id); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "report_category.deleted", "report_category", id, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}
