package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"matrix/internal/app"
	"matrix/internal/config"
	"matrix/internal/db"
	"matrix/internal/engine"
	"matrix/internal/migrate"
	"matrix/internal/repo"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("matrix-test")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	if err := r.UpsertAppConfig(context.Background(), cfg); err != nil {
		t.Fatalf("seed config: %v", err)
	}
	if err := app.Bootstrap(context.Background(), r, cfg); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	e := engine.New(conn, cfg)
	handler, err := New(Config{Engine: e, BasePath: "/v1", Auth: AuthConfig{JWTSecret: "test-secret"}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func login(t *testing.T, srv *testServer, username, password string) (string, map[string]any) {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/auth/login", map[string]any{
		"username": username,
		"password": password,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("login %s: %d %s", username, res.StatusCode, string(data))
	}
	var out struct {
		Token string         `json:"token"`
		User  map[string]any `json:"user"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal login: %v", err)
	}
	return out.Token, out.User
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func TestLoginAndMe(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	token, user := login(t, srv, "admin", "admin")
	if user["role"] != "admin" {
		t.Fatalf("bootstrap admin role: %v", user["role"])
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, bearer(token))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me: %d %s", res.StatusCode, string(data))
	}
	var me map[string]any
	_ = json.Unmarshal(data, &me)
	if me["username"] != "admin" {
		t.Fatalf("unexpected me: %s", string(data))
	}

	badRes, _ := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/auth/login", map[string]any{
		"username": "admin",
		"password": "wrong",
	}, nil)
	if badRes.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad password, got %d", badRes.StatusCode)
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/waves", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", res.StatusCode)
	}
	healthRes, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if healthRes.StatusCode != http.StatusOK {
		t.Fatalf("health should be open, got %d", healthRes.StatusCode)
	}
}

func TestWaveAssignmentFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	admin, _ := login(t, srv, "admin", "admin")
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/users", map[string]any{
		"name":     "Alice",
		"username": "alice",
		"password": "s3cret",
	}, bearer(admin))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create user: %d %s", res.StatusCode, string(data))
	}
	var alice map[string]any
	_ = json.Unmarshal(data, &alice)
	aliceID := alice["id"].(string)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/agencies", map[string]any{
		"name": "Transport",
	}, bearer(admin))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create agency: %d %s", res.StatusCode, string(data))
	}
	var agency map[string]any
	_ = json.Unmarshal(data, &agency)
	agencyID := agency["id"].(string)

	var urlIDs []string
	for _, link := range []string{"https://a.example.gov", "https://b.example.gov"} {
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/urls", map[string]any{
			"link":      link,
			"agency_id": agencyID,
		}, bearer(admin))
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create url: %d %s", res.StatusCode, string(data))
		}
		var u map[string]any
		_ = json.Unmarshal(data, &u)
		urlIDs = append(urlIDs, u["id"].(string))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/waves", map[string]any{
		"name": "Spring",
	}, bearer(admin))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create wave: %d %s", res.StatusCode, string(data))
	}
	var wave map[string]any
	_ = json.Unmarshal(data, &wave)
	waveID := wave["id"].(string)

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v1/waves/"+waveID+"/assignments", map[string]any{
		"wave_description": "first round",
		"assignments": map[string]any{
			aliceID: map[string]any{"agency_ids": []string{agencyID}},
		},
	}, bearer(admin))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("save assignments: %d %s", res.StatusCode, string(data))
	}
	var tasks []map[string]any
	if err := json.Unmarshal(data, &tasks); err != nil || len(tasks) != 1 {
		t.Fatalf("expected 1 task: %v %s", err, string(data))
	}
	task := tasks[0]
	if task["title"] != "Wave 1: Spring" {
		t.Fatalf("unexpected title %v", task["title"])
	}
	taskID := task["id"].(string)

	// Alice sees her own task and can record progress on it.
	aliceToken, _ := login(t, srv, "alice", "s3cret")
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/tasks", nil, bearer(aliceToken))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list tasks: %d %s", res.StatusCode, string(data))
	}
	var mine []map[string]any
	_ = json.Unmarshal(data, &mine)
	if len(mine) != 1 || mine[0]["id"] != taskID {
		t.Fatalf("alice should see exactly her task: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v1/tasks/"+taskID+"/progress", map[string]any{
		"url_id": urlIDs[0],
		"status": "completed",
	}, bearer(aliceToken))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("update progress: %d %s", res.StatusCode, string(data))
	}
	var updated map[string]any
	_ = json.Unmarshal(data, &updated)
	if updated["status"] != "in-progress" {
		t.Fatalf("partially completed task should be in-progress, got %v", updated["status"])
	}

	// A URL outside the task scope still gets its own progress entry.
	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v1/tasks/"+taskID+"/progress", map[string]any{
		"url_id": "extra",
		"status": "completed",
	}, bearer(aliceToken))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("progress on out-of-scope url: %d %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &updated)
	entries, _ := updated["url_progress"].([]any)
	if len(entries) != 3 {
		t.Fatalf("expected 3 progress entries after out-of-scope update, got %s", string(data))
	}
}

func TestRoleEnforcement(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	admin, _ := login(t, srv, "admin", "admin")
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/users", map[string]any{
		"name":     "Bob",
		"username": "bob",
		"password": "hunter2",
	}, bearer(admin))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create user: %d %s", res.StatusCode, string(data))
	}
	bob, _ := login(t, srv, "bob", "hunter2")

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/waves", map[string]any{
		"name": "Nope",
	}, bearer(bob))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin wave create, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/users", nil, bearer(bob))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin user list, got %d %s", res.StatusCode, string(data))
	}

	// Duplicate usernames conflict.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/users", map[string]any{
		"name":     "Bob Again",
		"username": "bob",
		"password": "hunter3",
	}, bearer(admin))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate username, got %d %s", res.StatusCode, string(data))
	}
}

func TestFrozenWaveConflict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	admin, _ := login(t, srv, "admin", "admin")
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/waves", map[string]any{
		"name": "Spring",
	}, bearer(admin))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create wave: %d %s", res.StatusCode, string(data))
	}
	var wave map[string]any
	_ = json.Unmarshal(data, &wave)
	waveID := wave["id"].(string)

	for _, status := range []string{"published", "frozen"} {
		res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v1/waves/"+waveID, map[string]any{
			"status": status,
		}, bearer(admin))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("set %s: %d %s", status, res.StatusCode, string(data))
		}
	}

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v1/waves/"+waveID+"/assignments", map[string]any{
		"wave_description": "",
		"assignments":      map[string]any{},
	}, bearer(admin))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for frozen wave, got %d %s", res.StatusCode, string(data))
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	admin, adminUser := login(t, srv, "admin", "admin")
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/apikeys", map[string]any{
		"user_id": adminUser["id"],
		"name":    "ci",
	}, bearer(admin))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create apikey: %d %s", res.StatusCode, string(data))
	}
	var key map[string]any
	_ = json.Unmarshal(data, &key)
	plaintext, _ := key["key"].(string)
	if plaintext == "" {
		t.Fatalf("plaintext key missing from create response: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"X-Api-Key": plaintext})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me via apikey: %d %s", res.StatusCode, string(data))
	}

	// Listing never returns the plaintext or the hash.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/apikeys", nil, bearer(admin))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list apikeys: %d %s", res.StatusCode, string(data))
	}
	if bytes.Contains(data, []byte(plaintext)) {
		t.Fatalf("plaintext key leaked in listing")
	}
}

func TestReportVisibility(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	admin, _ := login(t, srv, "admin", "admin")
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/users", map[string]any{
		"name": "Alice", "username": "alice", "password": "pw",
	}, bearer(admin))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create user: %d %s", res.StatusCode, string(data))
	}
	var alice map[string]any
	_ = json.Unmarshal(data, &alice)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/agencies", map[string]any{"name": "Transport"}, bearer(admin))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create agency: %d", res.StatusCode)
	}
	var agency map[string]any
	_ = json.Unmarshal(data, &agency)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/waves", map[string]any{"name": "Spring"}, bearer(admin))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create wave: %d", res.StatusCode)
	}
	var wave map[string]any
	_ = json.Unmarshal(data, &wave)

	aliceToken, _ := login(t, srv, "alice", "pw")
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/reports", map[string]any{
		"agency_id": agency["id"],
		"wave_id":   wave["id"],
		"sections":  []any{map[string]any{"category": "Injection", "notes": "none found"}},
	}, bearer(aliceToken))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create report: %d %s", res.StatusCode, string(data))
	}
	var report map[string]any
	_ = json.Unmarshal(data, &report)
	if report["status"] != "draft" {
		t.Fatalf("new report should be draft: %v", report["status"])
	}
	reportID := report["id"].(string)

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v1/reports/"+reportID, map[string]any{
		"status": "submitted",
	}, bearer(aliceToken))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit report: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v1/reports/"+reportID, map[string]any{
		"status": "draft",
	}, bearer(aliceToken))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for editing submitted report, got %d %s", res.StatusCode, string(data))
	}

	// Owners cannot delete submitted reports; admins can.
	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v1/reports/"+reportID, nil, bearer(aliceToken))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for owner deleting submitted report, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v1/reports/"+reportID, nil, bearer(admin))
	if res.StatusCode >= 300 {
		t.Fatalf("admin delete report: %d %s", res.StatusCode, string(data))
	}
}
