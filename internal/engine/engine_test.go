package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"matrix/internal/config"
	"matrix/internal/db"
	"matrix/internal/domain"
	"matrix/internal/engine"
	"matrix/internal/migrate"
	"matrix/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("matrix-test")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func (env testEnv) mustUser(t *testing.T, name, username string) domain.User {
	t.Helper()
	u, err := env.Engine.CreateUser(env.Ctx, engine.UserCreateOptions{
		Name:     name,
		Username: username,
		Password: "pw",
		ActorID:  "tester",
	})
	if err != nil {
		t.Fatalf("create user %s: %v", username, err)
	}
	return u
}

func (env testEnv) mustWave(t *testing.T, name string) domain.Wave {
	t.Helper()
	w, err := env.Engine.CreateWave(env.Ctx, name, "", "tester")
	if err != nil {
		t.Fatalf("create wave %s: %v", name, err)
	}
	return w
}

func (env testEnv) mustAgency(t *testing.T, name string) domain.Agency {
	t.Helper()
	a, err := env.Engine.CreateAgency(env.Ctx, name, "tester")
	if err != nil {
		t.Fatalf("create agency %s: %v", name, err)
	}
	return a
}

func (env testEnv) mustURL(t *testing.T, link, agencyID string) domain.URLItem {
	t.Helper()
	u, err := env.Engine.CreateURL(env.Ctx, link, agencyID, "tester")
	if err != nil {
		t.Fatalf("create url %s: %v", link, err)
	}
	return u
}

func TestWaveNumbering(t *testing.T) {
	env := newTestEnv(t)
	w1 := env.mustWave(t, "Spring")
	w2 := env.mustWave(t, "Summer")
	if w1.Number != 1 || w2.Number != 2 {
		t.Fatalf("expected numbers 1 and 2, got %d and %d", w1.Number, w2.Number)
	}
	if w1.Status != "draft" {
		t.Fatalf("new wave should be draft, got %s", w1.Status)
	}
}

func TestWaveStatusTransitions(t *testing.T) {
	env := newTestEnv(t)
	w := env.mustWave(t, "Spring")
	published := "published"
	w, err := env.Engine.UpdateWave(env.Ctx, w.ID, engine.WaveUpdateOptions{Status: &published, ActorID: "tester"})
	if err != nil || w.Status != "published" {
		t.Fatalf("to published: %v (status %s)", err, w.Status)
	}
	frozen := "frozen"
	w, err = env.Engine.UpdateWave(env.Ctx, w.ID, engine.WaveUpdateOptions{Status: &frozen, ActorID: "tester"})
	if err != nil || w.Status != "frozen" {
		t.Fatalf("to frozen: %v (status %s)", err, w.Status)
	}
	draft := "draft"
	if _, err := env.Engine.UpdateWave(env.Ctx, w.ID, engine.WaveUpdateOptions{Status: &draft, ActorID: "tester"}); err == nil {
		t.Fatalf("expected frozen -> draft to fail")
	}

	w2 := env.mustWave(t, "Summer")
	if _, err := env.Engine.UpdateWave(env.Ctx, w2.ID, engine.WaveUpdateOptions{Status: &frozen, ActorID: "tester"}); err == nil {
		t.Fatalf("expected draft -> frozen to fail")
	}
}

func TestSaveAssignmentsCreatesTasks(t *testing.T) {
	env := newTestEnv(t)
	w := env.mustWave(t, "Spring")
	user := env.mustUser(t, "Alice", "alice")
	agency := env.mustAgency(t, "Transport")
	u1 := env.mustURL(t, "https://a.example.gov", agency.ID)
	u2 := env.mustURL(t, "https://b.example.gov", agency.ID)
	u3 := env.mustURL(t, "https://solo.example.gov", "")

	tasks, err := env.Engine.SaveWaveAssignments(env.Ctx, w.ID, "first round", map[string]domain.WaveAssignment{
		user.ID: {AgencyIDs: []string{agency.ID}, URLIDs: []string{u3.ID}},
	}, "tester")
	if err != nil {
		t.Fatalf("save assignments: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(tasks))
	}
	task := tasks[0]
	if task.Title != "Wave 1: Spring" {
		t.Fatalf("unexpected title %q", task.Title)
	}
	if task.Status != "pending" {
		t.Fatalf("new task should be pending, got %s", task.Status)
	}
	if len(task.URLProgress) != 3 {
		t.Fatalf("expected 3 progress entries, got %d", len(task.URLProgress))
	}
	seen := map[string]bool{}
	for _, p := range task.URLProgress {
		if p.Status != "pending" || p.ProgressPercentage != 0 {
			t.Fatalf("new entry should be pending/0, got %+v", p)
		}
		seen[p.URLID] = true
	}
	for _, id := range []string{u1.ID, u2.ID, u3.ID} {
		if !seen[id] {
			t.Fatalf("url %s missing from resolved set", id)
		}
	}

	updated, err := env.Engine.Repo.GetWave(env.Ctx, w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Description != "first round" {
		t.Fatalf("wave description not updated: %q", updated.Description)
	}
}

func TestSaveAssignmentsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	w := env.mustWave(t, "Spring")
	user := env.mustUser(t, "Alice", "alice")
	u := env.mustURL(t, "https://a.example.gov", "")

	assignments := map[string]domain.WaveAssignment{
		user.ID: {URLIDs: []string{u.ID}},
	}
	first, err := env.Engine.SaveWaveAssignments(env.Ctx, w.ID, "", assignments, "tester")
	if err != nil {
		t.Fatal(err)
	}
	second, err := env.Engine.SaveWaveAssignments(env.Ctx, w.ID, "", assignments, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if first[0].ID != second[0].ID {
		t.Fatalf("task id changed on identical save: %s vs %s", first[0].ID, second[0].ID)
	}
	if len(second[0].URLProgress) != 1 {
		t.Fatalf("expected 1 progress entry, got %d", len(second[0].URLProgress))
	}
}

func TestSaveAssignmentsCarriesProgress(t *testing.T) {
	env := newTestEnv(t)
	w := env.mustWave(t, "Spring")
	user := env.mustUser(t, "Alice", "alice")
	u1 := env.mustURL(t, "https://a.example.gov", "")
	u2 := env.mustURL(t, "https://b.example.gov", "")

	tasks, err := env.Engine.SaveWaveAssignments(env.Ctx, w.ID, "", map[string]domain.WaveAssignment{
		user.ID: {URLIDs: []string{u1.ID}},
	}, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.UpdateTaskProgress(env.Ctx, tasks[0].ID, u1.ID, "completed", nil, "tester"); err != nil {
		t.Fatalf("update progress: %v", err)
	}

	tasks, err = env.Engine.SaveWaveAssignments(env.Ctx, w.ID, "", map[string]domain.WaveAssignment{
		user.ID: {URLIDs: []string{u1.ID, u2.ID}},
	}, "tester")
	if err != nil {
		t.Fatal(err)
	}
	task := tasks[0]
	if len(task.URLProgress) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(task.URLProgress))
	}
	for _, p := range task.URLProgress {
		switch p.URLID {
		case u1.ID:
			if p.Status != "completed" || p.ProgressPercentage != 100 {
				t.Fatalf("progress for %s not carried over: %+v", u1.ID, p)
			}
		case u2.ID:
			if p.Status != "pending" || p.ProgressPercentage != 0 {
				t.Fatalf("new url should start pending/0: %+v", p)
			}
		default:
			t.Fatalf("unexpected url %s", p.URLID)
		}
	}

	// Dropping a URL from the assignment drops its progress too.
	tasks, err = env.Engine.SaveWaveAssignments(env.Ctx, w.ID, "", map[string]domain.WaveAssignment{
		user.ID: {URLIDs: []string{u2.ID}},
	}, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks[0].URLProgress) != 1 || tasks[0].URLProgress[0].URLID != u2.ID {
		t.Fatalf("expected only %s to remain, got %+v", u2.ID, tasks[0].URLProgress)
	}
}

func TestSaveAssignmentsRemovesUnassignedUsers(t *testing.T) {
	env := newTestEnv(t)
	w := env.mustWave(t, "Spring")
	alice := env.mustUser(t, "Alice", "alice")
	bob := env.mustUser(t, "Bob", "bob")
	u := env.mustURL(t, "https://a.example.gov", "")

	tasks, err := env.Engine.SaveWaveAssignments(env.Ctx, w.ID, "", map[string]domain.WaveAssignment{
		alice.ID: {URLIDs: []string{u.ID}},
		bob.ID:   {URLIDs: []string{u.ID}},
	}, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}

	tasks, err = env.Engine.SaveWaveAssignments(env.Ctx, w.ID, "", map[string]domain.WaveAssignment{
		alice.ID: {URLIDs: []string{u.ID}},
	}, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 || tasks[0].UserID != alice.ID {
		t.Fatalf("expected only alice's task to remain")
	}
	remaining, err := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{WaveID: w.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 1 {
		t.Fatalf("expected bob's task removed, %d tasks remain", len(remaining))
	}
}

func TestSaveAssignmentsUnknownUser(t *testing.T) {
	env := newTestEnv(t)
	w := env.mustWave(t, "Spring")
	_, err := env.Engine.SaveWaveAssignments(env.Ctx, w.ID, "", map[string]domain.WaveAssignment{
		"nope": {},
	}, "tester")
	if err == nil {
		t.Fatalf("expected unknown user to fail")
	}
}

func TestFrozenWaveRejectsWrites(t *testing.T) {
	env := newTestEnv(t)
	w := env.mustWave(t, "Spring")
	user := env.mustUser(t, "Alice", "alice")
	u := env.mustURL(t, "https://a.example.gov", "")
	tasks, err := env.Engine.SaveWaveAssignments(env.Ctx, w.ID, "", map[string]domain.WaveAssignment{
		user.ID: {URLIDs: []string{u.ID}},
	}, "tester")
	if err != nil {
		t.Fatal(err)
	}

	published := "published"
	frozen := "frozen"
	if _, err := env.Engine.UpdateWave(env.Ctx, w.ID, engine.WaveUpdateOptions{Status: &published, ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.UpdateWave(env.Ctx, w.ID, engine.WaveUpdateOptions{Status: &frozen, ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}

	if _, err := env.Engine.SaveWaveAssignments(env.Ctx, w.ID, "", map[string]domain.WaveAssignment{
		user.ID: {URLIDs: []string{u.ID}},
	}, "tester"); !errors.Is(err, engine.ErrFrozen) {
		t.Fatalf("expected ErrFrozen on assignment save, got %v", err)
	}
	if _, err := env.Engine.UpdateTaskProgress(env.Ctx, tasks[0].ID, u.ID, "completed", nil, "tester"); !errors.Is(err, engine.ErrFrozen) {
		t.Fatalf("expected ErrFrozen on progress update, got %v", err)
	}
}

func TestProgressNormalization(t *testing.T) {
	urls := []domain.URLItem{{ID: "u1"}}
	base := domain.Task{AssignedURLIDs: []string{"u1"}}

	pct := func(n int) *int { return &n }
	cases := []struct {
		name       string
		status     string
		percentage *int
		wantStatus string
		wantPct    int
	}{
		{"completed forces 100", "completed", pct(10), "completed", 100},
		{"pending forces 0", "pending", pct(50), "pending", 0},
		{"in-progress at 100 promotes", "in-progress", pct(100), "completed", 100},
		{"in-progress at 0 demotes", "in-progress", pct(0), "pending", 0},
		{"clamp above 100", "in-progress", pct(250), "completed", 100},
		{"clamp below 0", "in-progress", pct(-5), "pending", 0},
		{"plain in-progress", "in-progress", pct(40), "in-progress", 40},
		{"nil percentage keeps prior", "in-progress", nil, "pending", 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := engine.ApplyURLProgress(base, "u1", tc.status, tc.percentage, urls)
			if err != nil {
				t.Fatal(err)
			}
			p := got.URLProgress[0]
			if p.Status != tc.wantStatus || p.ProgressPercentage != tc.wantPct {
				t.Fatalf("got %s/%d, want %s/%d", p.Status, p.ProgressPercentage, tc.wantStatus, tc.wantPct)
			}
		})
	}
}

func TestDerivedTaskStatus(t *testing.T) {
	urls := []domain.URLItem{{ID: "u1"}, {ID: "u2"}}
	task := domain.Task{
		AssignedURLIDs: []string{"u1", "u2"},
		URLProgress: []domain.URLProgress{
			{URLID: "u1", Status: "pending"},
			{URLID: "u2", Status: "pending"},
		},
	}

	// Recording pending progress still flips the task to in-progress.
	got, err := engine.ApplyURLProgress(task, "u1", "pending", nil, urls)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "in-progress" {
		t.Fatalf("all-pending task should read in-progress, got %s", got.Status)
	}

	got, err = engine.ApplyURLProgress(got, "u1", "completed", nil, urls)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "in-progress" {
		t.Fatalf("partially completed task should be in-progress, got %s", got.Status)
	}

	got, err = engine.ApplyURLProgress(got, "u2", "completed", nil, urls)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "completed" {
		t.Fatalf("fully completed task should be completed, got %s", got.Status)
	}
}

func TestProgressSynthesizesOutOfScopeEntry(t *testing.T) {
	urls := []domain.URLItem{{ID: "u1"}, {ID: "u2"}}
	task := domain.Task{AssignedURLIDs: []string{"u1"}}

	got, err := engine.ApplyURLProgress(task, "u2", "completed", nil, urls)
	if err != nil {
		t.Fatalf("apply progress: %v", err)
	}
	if len(got.URLProgress) != 2 {
		t.Fatalf("expected synthesized entries for u1 and u2, got %+v", got.URLProgress)
	}
	var u2 *domain.URLProgress
	for i := range got.URLProgress {
		if got.URLProgress[i].URLID == "u2" {
			u2 = &got.URLProgress[i]
		}
	}
	if u2 == nil || u2.Status != "completed" || u2.ProgressPercentage != 100 {
		t.Fatalf("out-of-scope url should get its own entry: %+v", got.URLProgress)
	}
	if got.Status != "in-progress" {
		t.Fatalf("expected in-progress with one pending entry, got %s", got.Status)
	}
}

func TestProgressKeepsStaleEntries(t *testing.T) {
	urls := []domain.URLItem{{ID: "u1"}}
	task := domain.Task{
		AssignedURLIDs: []string{"u1"},
		URLProgress: []domain.URLProgress{
			{URLID: "u1", Status: "pending", ProgressPercentage: 0},
			{URLID: "gone", Status: "in-progress", ProgressPercentage: 40},
		},
	}

	got, err := engine.ApplyURLProgress(task, "u1", "completed", nil, urls)
	if err != nil {
		t.Fatalf("apply progress: %v", err)
	}
	if len(got.URLProgress) != 2 {
		t.Fatalf("stale entry should survive: %+v", got.URLProgress)
	}
	// The stale in-progress entry keeps the task from reading completed.
	if got.Status != "in-progress" {
		t.Fatalf("expected in-progress, got %s", got.Status)
	}
}

func TestSetTaskStatusOverride(t *testing.T) {
	env := newTestEnv(t)
	w := env.mustWave(t, "Spring")
	user := env.mustUser(t, "Alice", "alice")
	u := env.mustURL(t, "https://a.example.gov", "")

	tasks, err := env.Engine.SaveWaveAssignments(env.Ctx, w.ID, "", map[string]domain.WaveAssignment{
		user.ID: {URLIDs: []string{u.ID}},
	}, "tester")
	if err != nil {
		t.Fatal(err)
	}
	// Tasks with progress entries derive their status; overrides are refused.
	if _, err := env.Engine.SetTaskStatus(env.Ctx, tasks[0].ID, "completed", "tester"); err == nil {
		t.Fatalf("expected override to fail for task with progress entries")
	}

	empty, err := env.Engine.SaveWaveAssignments(env.Ctx, w.ID, "", map[string]domain.WaveAssignment{
		user.ID: {},
	}, "tester")
	if err != nil {
		t.Fatal(err)
	}
	got, err := env.Engine.SetTaskStatus(env.Ctx, empty[0].ID, "completed", "tester")
	if err != nil {
		t.Fatalf("override for empty task: %v", err)
	}
	if got.Status != "completed" {
		t.Fatalf("expected completed, got %s", got.Status)
	}
}

func TestDuplicateUsername(t *testing.T) {
	env := newTestEnv(t)
	env.mustUser(t, "Alice", "alice")
	_, err := env.Engine.CreateUser(env.Ctx, engine.UserCreateOptions{
		Name:     "Other Alice",
		Username: "alice",
		ActorID:  "tester",
	})
	if !errors.Is(err, engine.ErrUsernameTaken) {
		t.Fatalf("expected ErrUsernameTaken, got %v", err)
	}
}

func TestAuthenticate(t *testing.T) {
	env := newTestEnv(t)
	u, err := env.Engine.CreateUser(env.Ctx, engine.UserCreateOptions{
		Name:     "Alice",
		Username: "alice",
		Password: "s3cret",
		ActorID:  "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	got, err := env.Engine.Authenticate(env.Ctx, "alice", "s3cret")
	if err != nil || got.ID != u.ID {
		t.Fatalf("authenticate: %v", err)
	}
	if _, err := env.Engine.Authenticate(env.Ctx, "alice", "wrong"); err == nil {
		t.Fatalf("expected bad password to fail")
	}
}

func TestReportLifecycle(t *testing.T) {
	env := newTestEnv(t)
	w := env.mustWave(t, "Spring")
	user := env.mustUser(t, "Alice", "alice")
	agency := env.mustAgency(t, "Transport")

	rep, err := env.Engine.CreateReport(env.Ctx, engine.ReportCreateOptions{
		UserID:       user.ID,
		AgencyID:     agency.ID,
		WaveID:       w.ID,
		SectionsJSON: `[{"category":"Access","notes":"ok"}]`,
		ActorID:      "tester",
	})
	if err != nil {
		t.Fatalf("create report: %v", err)
	}
	if rep.Status != "draft" {
		t.Fatalf("new report should be draft, got %s", rep.Status)
	}

	submitted := "submitted"
	rep, err = env.Engine.UpdateReport(env.Ctx, rep.ID, engine.ReportUpdateOptions{Status: &submitted, ActorID: "tester"})
	if err != nil || rep.Status != "submitted" {
		t.Fatalf("submit: %v (status %s)", err, rep.Status)
	}

	// Submitted reports are final.
	other := `[]`
	if _, err := env.Engine.UpdateReport(env.Ctx, rep.ID, engine.ReportUpdateOptions{SectionsJSON: &other, ActorID: "tester"}); err == nil {
		t.Fatalf("expected update after submit to fail")
	}
}

func TestDeleteUserCascadesTasks(t *testing.T) {
	env := newTestEnv(t)
	w := env.mustWave(t, "Spring")
	user := env.mustUser(t, "Alice", "alice")
	u := env.mustURL(t, "https://a.example.gov", "")
	tasks, err := env.Engine.SaveWaveAssignments(env.Ctx, w.ID, "", map[string]domain.WaveAssignment{
		user.ID: {URLIDs: []string{u.ID}},
	}, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AddComment(env.Ctx, tasks[0].ID, "looks fine", "Alice", "tester"); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.DeleteUser(env.Ctx, user.ID, "tester"); err != nil {
		t.Fatalf("delete user: %v", err)
	}
	if _, err := env.Engine.Repo.GetTask(env.Ctx, tasks[0].ID); err == nil {
		t.Fatalf("expected task to be deleted with its user")
	}
}

func TestMutationsAppendEvents(t *testing.T) {
	env := newTestEnv(t)
	w := env.mustWave(t, "Spring")
	user := env.mustUser(t, "Alice", "alice")
	agency := env.mustAgency(t, "Transport")
	u := env.mustURL(t, "https://a.example.gov", agency.ID)

	if _, err := env.Engine.UpdateAgency(env.Ctx, agency.ID, "Transport & Roads", "tester"); err != nil {
		t.Fatal(err)
	}
	link := "https://a2.example.gov"
	if _, err := env.Engine.UpdateURL(env.Ctx, u.ID, engine.URLUpdateOptions{Link: &link, ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.DeleteURL(env.Ctx, u.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	rep, err := env.Engine.CreateReport(env.Ctx, engine.ReportCreateOptions{
		UserID: user.ID, AgencyID: agency.ID, WaveID: w.ID, ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.DeleteReport(env.Ctx, rep.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	cat, err := env.Engine.CreateReportCategory(env.Ctx, "Misconfiguration", "tester")
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.DeleteReportCategory(env.Ctx, cat.ID, "tester"); err != nil {
		t.Fatal(err)
	}

	for _, evtType := range []string{
		"agency.updated",
		"url.updated",
		"url.deleted",
		"report.deleted",
		"report_category.created",
		"report_category.deleted",
	} {
		evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 1, evtType, "", "")
		if err != nil {
			t.Fatal(err)
		}
		if len(evts) == 0 {
			t.Fatalf("no %s event recorded", evtType)
		}
	}
}
