package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"matrix/internal/config"
	"matrix/internal/domain"
	"matrix/internal/repo"
)

// ResolveConfig ensures an app config exists in the DB, seeding the default
// one if missing. A matrix.yml in the workspace takes precedence over the
// built-in default when seeding.
func ResolveConfig(ctx context.Context, workspace string, r repo.Repo) (*config.Config, error) {
	cfg, err := r.SingleAppConfig(ctx)
	if err == nil {
		return cfg, Bootstrap(ctx, r, cfg)
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	cfg, err = config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default("matrix")
	}
	if err := r.UpsertAppConfig(ctx, cfg); err != nil {
		return nil, fmt.Errorf("seed app config: %w", err)
	}
	return cfg, Bootstrap(ctx, r, cfg)
}

// Bootstrap seeds the admin account and report categories from the config.
// It is idempotent: existing rows are left alone.
func Bootstrap(ctx context.Context, r repo.Repo, cfg *config.Config) error {
	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := r.GetUserByUsername(ctx, cfg.Admin.Username); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		password := cfg.Admin.Password
		if password == "" {
			password = cfg.Admin.Username
		}
		admin := domain.User{
			ID:           uuid.NewString(),
			Name:         cfg.Admin.Name,
			Username:     cfg.Admin.Username,
			PasswordHash: repo.HashPassword(password),
			Role:         "admin",
			CreatedAt:    now,
		}
		if err := r.InsertUser(ctx, admin); err != nil {
			return fmt.Errorf("seed admin user: %w", err)
		}
	}
	n, err := r.CountReportCategories(ctx)
	if err != nil {
		return err
	}
	if n == 0 {
		for _, name := range cfg.ReportCategories {
			cat := domain.ReportCategory{ID: uuid.NewString(), Name: name}
			if err := r.InsertReportCategory(ctx, nil, cat); err != nil {
				return fmt.Errorf("seed report category %s: %w", name, err)
			}
		}
	}
	return nil
}
