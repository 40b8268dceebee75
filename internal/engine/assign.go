package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"matrix/internal/domain"
	"matrix/internal/events"
)

// ReconcileResult is the batch produced by ReconcileAssignments: tasks to
// write, task IDs to remove, and whether the wave description changed.
type ReconcileResult struct {
	Upserts            []domain.Task
	DeleteIDs          []string
	DescriptionChanged bool
}

// ReconcileAssignments diffs the desired per-user assignments of a wave
// against its existing tasks.
//
// For every assigned user the resolved URL set is recomputed from scratch:
// explicitly picked URLs plus every URL belonging to an assigned agency.
// Progress already recorded for a URL that stays in the set is carried over;
// URLs new to the set start as pending at 0; progress for URLs that left the
// set is dropped. Tasks of users no longer present in the assignments map
// are scheduled for deletion.
func ReconcileAssignments(wave domain.Wave, waveDescription string, assignments map[string]domain.WaveAssignment, existing []domain.Task, allURLs []domain.URLItem, now string) ReconcileResult {
	res := ReconcileResult{DescriptionChanged: waveDescription != wave.Description}

	byUser := make(map[string]domain.Task, len(existing))
	for _, t := range existing {
		byUser[t.UserID] = t
	}

	title := fmt.Sprintf("Wave %d: %s", wave.Number, wave.Name)
	for userID, a := range assignments {
		resolved := resolveAssignedURLs(a.AgencyIDs, a.URLIDs, allURLs)

		prior := map[string]domain.URLProgress{}
		existingTask, had := byUser[userID]
		if had {
			for _, p := range existingTask.URLProgress {
				prior[p.URLID] = p
			}
		}

		progress := make([]domain.URLProgress, 0, len(resolved))
		for _, urlID := range resolved {
			if p, ok := prior[urlID]; ok {
				progress = append(progress, p)
				continue
			}
			progress = append(progress, domain.URLProgress{URLID: urlID, Status: "pending", ProgressPercentage: 0})
		}

		t := domain.Task{
			Title:             title,
			Description:       waveDescription,
			UserID:            userID,
			WaveID:            wave.ID,
			AssignedAgencyIDs: append([]string{}, a.AgencyIDs...),
			AssignedURLIDs:    append([]string{}, a.URLIDs...),
			URLProgress:       progress,
			UpdatedAt:         now,
		}
		if had {
			t.ID = existingTask.ID
			t.CreatedAt = existingTask.CreatedAt
			t.Status = existingTask.Status
		} else {
			t.ID = uuid.NewString()
			t.CreatedAt = now
			t.Status = "pending"
		}
		res.Upserts = append(res.Upserts, t)
	}

	for _, t := range existing {
		if _, ok := assignments[t.UserID]; !ok {
			res.DeleteIDs = append(res.DeleteIDs, t.ID)
		}
	}
	return res
}

// SaveWaveAssignments applies a full set of desired assignments to a wave in
// one transaction. Upserts are written before deletes.
func (e Engine) SaveWaveAssignments(ctx context.Context, waveID, waveDescription string, assignments map[string]domain.WaveAssignment, actorID string) ([]domain.Task, error) {
	if assignments == nil {
		assignments = map[string]domain.WaveAssignment{}
	}
	for userID := range assignments {
		if _, err := e.Repo.GetUser(ctx, userID); err != nil {
			return nil, fmt.Errorf("user %s: %w", userID, err)
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	wave, err := e.Repo.GetWaveTx(ctx, tx, waveID)
	if err != nil {
		return nil, err
	}
	if wave.Status == "frozen" {
		return nil, ErrFrozen
	}
	existing, err := e.Repo.ListTasksByWaveTx(ctx, tx, waveID)
	if err != nil {
		return nil, err
	}
	allURLs, err := e.Repo.ListURLsTx(ctx, tx)
	if err != nil {
		return nil, err
	}

	now := e.now().UTC().Format(time.RFC3339)
	res := ReconcileAssignments(wave, waveDescription, assignments, existing, allURLs, now)

	if res.DescriptionChanged {
		if err := e.Repo.UpdateWave(ctx, tx, waveID, nil, &waveDescription, nil); err != nil {
			return nil, err
		}
	}

	existingIDs := map[string]bool{}
	for _, t := range existing {
		existingIDs[t.ID] = true
	}
	for _, t := range res.Upserts {
		if existingIDs[t.ID] {
			if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
				return nil, err
			}
		} else {
			if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
				return nil, err
			}
		}
	}
	for _, id := range res.DeleteIDs {
		if err := e.Repo.DeleteTask(ctx, tx, id); err != nil {
			return nil, err
		}
	}
	if err := e.Events.Append(ctx, tx, "wave.assignments.saved", "wave", waveID, actorID, events.EventPayload{
		"upserts": len(res.Upserts),
		"deletes": len(res.DeleteIDs),
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return res.Upserts, nil
}
