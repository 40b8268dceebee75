package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"matrix/internal/domain"
	"matrix/internal/events"
)

// resolveAssignedURLs computes a task's effective URL scope: the union of
// the explicitly assigned URLs and every URL belonging to an assigned
// agency. Order follows allURLs; unknown IDs are ignored.
func resolveAssignedURLs(agencyIDs, urlIDs []string, allURLs []domain.URLItem) []string {
	wantAgency := make(map[string]bool, len(agencyIDs))
	for _, id := range agencyIDs {
		wantAgency[id] = true
	}
	wantURL := make(map[string]bool, len(urlIDs))
	for _, id := range urlIDs {
		wantURL[id] = true
	}
	var resolved []string
	for _, u := range allURLs {
		if wantURL[u.ID] || (u.AgencyID != nil && wantAgency[*u.AgencyID]) {
			resolved = append(resolved, u.ID)
		}
	}
	return resolved
}

func clampPercentage(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// normalizeProgress keeps status and percentage consistent. Statuses force
// their percentage endpoints first, then boundary percentages promote or
// demote an in-progress entry.
func normalizeProgress(p domain.URLProgress) domain.URLProgress {
	p.ProgressPercentage = clampPercentage(p.ProgressPercentage)
	switch p.Status {
	case "completed":
		p.ProgressPercentage = 100
	case "pending":
		p.ProgressPercentage = 0
	case "in-progress":
		if p.ProgressPercentage == 100 {
			p.Status = "completed"
		} else if p.ProgressPercentage == 0 {
			p.Status = "pending"
		}
	}
	return p
}

// deriveTaskStatus folds per-URL progress into the overall task status.
// A task whose entries are all still pending reads as in-progress, matching
// the longstanding behavior the UI depends on; only a task with no entries
// at all is pending.
func deriveTaskStatus(progress []domain.URLProgress) string {
	if len(progress) == 0 {
		return "pending"
	}
	completed := true
	for _, p := range progress {
		if p.Status != "completed" {
			completed = false
			break
		}
	}
	if completed {
		return "completed"
	}
	return "in-progress"
}

// ApplyURLProgress records one URL status update on a task and returns the
// task with its overall status rederived. Entries missing for URLs in the
// resolved set are synthesized as pending/0, and so is the target entry when
// absent. Existing entries whose URL has left the resolved set stay in the
// list and keep counting toward the derived status.
func ApplyURLProgress(t domain.Task, urlID, status string, percentage *int, allURLs []domain.URLItem) (domain.Task, error) {
	if !validStatus(status) {
		return domain.Task{}, fmt.Errorf("unknown url status %q", status)
	}
	progress := make([]domain.URLProgress, len(t.URLProgress))
	copy(progress, t.URLProgress)
	have := make(map[string]bool, len(progress))
	for _, p := range progress {
		have[p.URLID] = true
	}
	for _, id := range resolveAssignedURLs(t.AssignedAgencyIDs, t.AssignedURLIDs, allURLs) {
		if !have[id] {
			progress = append(progress, domain.URLProgress{URLID: id, Status: "pending", ProgressPercentage: 0})
			have[id] = true
		}
	}

	idx := -1
	for i, p := range progress {
		if p.URLID == urlID {
			idx = i
			break
		}
	}
	if idx < 0 {
		progress = append(progress, domain.URLProgress{URLID: urlID, Status: "pending", ProgressPercentage: 0})
		idx = len(progress) - 1
	}
	entry := progress[idx]
	entry.Status = status
	if percentage != nil {
		entry.ProgressPercentage = *percentage
	}
	progress[idx] = normalizeProgress(entry)

	t.URLProgress = progress
	t.Status = deriveTaskStatus(progress)
	return t, nil
}

// UpdateTaskProgress applies a URL progress update to a stored task.
func (e Engine) UpdateTaskProgress(ctx context.Context, taskID, urlID, status string, percentage *int, actorID string) (domain.Task, error) {
	if urlID == "" {
		return domain.Task{}, errors.New("url_id is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	w, err := e.Repo.GetWaveTx(ctx, tx, t.WaveID)
	if err != nil {
		return domain.Task{}, err
	}
	if w.Status == "frozen" {
		return domain.Task{}, ErrFrozen
	}
	allURLs, err := e.Repo.ListURLsTx(ctx, tx)
	if err != nil {
		return domain.Task{}, err
	}
	updated, err := ApplyURLProgress(t, urlID, status, percentage, allURLs)
	if err != nil {
		return domain.Task{}, err
	}
	updated.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateTask(ctx, tx, updated); err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.progress.updated", "task", t.ID, actorID, events.EventPayload{
		"url_id": urlID,
		"status": status,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return updated, nil
}
