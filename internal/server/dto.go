package server

import (
	"encoding/json"

	"matrix/internal/domain"
)

// Request payloads

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type CreateWaveRequest struct {
	Name        string  `json:"name"`
	Description *string `json:"description,omitempty"`
}

type UpdateWaveRequest struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	Status      *string `json:"status,omitempty" enum:"draft,published,frozen"`
}

type SaveAssignmentsRequest struct {
	WaveDescription string                           `json:"wave_description"`
	Assignments     map[string]WaveAssignmentRequest `json:"assignments"`
}

type WaveAssignmentRequest struct {
	AgencyIDs []string `json:"agency_ids,omitempty"`
	URLIDs    []string `json:"url_ids,omitempty"`
}

type CreateAgencyRequest struct {
	Name string `json:"name"`
}

type CreateURLRequest struct {
	Link     string  `json:"link"`
	AgencyID *string `json:"agency_id,omitempty"`
}

type UpdateURLRequest struct {
	Link     *string `json:"link,omitempty"`
	AgencyID *string `json:"agency_id,omitempty"`
}

type PingURLRequest struct {
	Link string `json:"link"`
}

type CreateUserRequest struct {
	Name     string `json:"name"`
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role,omitempty" enum:"admin,user"`
}

type UpdateProgressRequest struct {
	URLID              string `json:"url_id"`
	Status             string `json:"status" enum:"pending,in-progress,completed"`
	ProgressPercentage *int   `json:"progress_percentage,omitempty"`
}

type SetTaskStatusRequest struct {
	Status string `json:"status" enum:"pending,in-progress,completed"`
}

type AddCommentRequest struct {
	Text string `json:"text"`
}

type CreateReportRequest struct {
	UserID   string `json:"user_id,omitempty"`
	AgencyID string `json:"agency_id"`
	WaveID   string `json:"wave_id"`
	Sections []any  `json:"sections,omitempty"`
}

type UpdateReportRequest struct {
	Sections *[]any  `json:"sections,omitempty"`
	Status   *string `json:"status,omitempty" enum:"draft,submitted"`
}

type CreateReportCategoryRequest struct {
	Name string `json:"name"`
}

type CreateAPIKeyRequest struct {
	UserID string `json:"user_id"`
	Name   string `json:"name,omitempty"`
}

// Response payloads

type WaveResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Number      int    `json:"number"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status" enum:"draft,published,frozen"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type AgencyResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type URLResponse struct {
	ID        string  `json:"id"`
	Link      string  `json:"link"`
	AgencyID  *string `json:"agency_id,omitempty"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

type UserResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Username  string `json:"username"`
	Role      string `json:"role" enum:"admin,user"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type URLProgressResponse struct {
	URLID              string `json:"url_id"`
	Status             string `json:"status" enum:"pending,in-progress,completed"`
	ProgressPercentage int    `json:"progress_percentage"`
}

type TaskResponse struct {
	ID                string                `json:"id"`
	Title             string                `json:"title"`
	Description       string                `json:"description,omitempty"`
	UserID            string                `json:"user_id"`
	WaveID            string                `json:"wave_id"`
	AssignedAgencyIDs []string              `json:"assigned_agency_ids"`
	AssignedURLIDs    []string              `json:"assigned_url_ids"`
	URLProgress       []URLProgressResponse `json:"url_progress"`
	Status            string                `json:"status" enum:"pending,in-progress,completed"`
	CreatedAt         string                `json:"created_at" format:"date-time"`
	UpdatedAt         string                `json:"updated_at" format:"date-time"`
}

type CommentResponse struct {
	ID         string `json:"id"`
	TaskID     string `json:"task_id"`
	Text       string `json:"text"`
	AuthorName string `json:"author_name"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type ReportResponse struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	AgencyID  string `json:"agency_id"`
	WaveID    string `json:"wave_id"`
	Sections  []any  `json:"sections"`
	Status    string `json:"status" enum:"draft,submitted"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type ReportCategoryResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type LoginResponse struct {
	Token string       `json:"token"`
	User  UserResponse `json:"user"`
}

type PingURLResponse struct {
	Reachable  bool   `json:"reachable"`
	StatusCode int    `json:"status_code,omitempty"`
	Error      string `json:"error,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func waveResponse(w domain.Wave) WaveResponse {
	return WaveResponse(w)
}

func agencyResponse(a domain.Agency) AgencyResponse {
	return AgencyResponse(a)
}

func urlResponse(u domain.URLItem) URLResponse {
	return URLResponse(u)
}

func userResponse(u domain.User) UserResponse {
	return UserResponse{
		ID:        u.ID,
		Name:      u.Name,
		Username:  u.Username,
		Role:      u.Role,
		CreatedAt: u.CreatedAt,
	}
}

func taskResponse(t domain.Task) TaskResponse {
	progress := make([]URLProgressResponse, 0, len(t.URLProgress))
	for _, p := range t.URLProgress {
		progress = append(progress, URLProgressResponse(p))
	}
	return TaskResponse{
		ID:                t.ID,
		Title:             t.Title,
		Description:       t.Description,
		UserID:            t.UserID,
		WaveID:            t.WaveID,
		AssignedAgencyIDs: nonNilSlice(t.AssignedAgencyIDs),
		AssignedURLIDs:    nonNilSlice(t.AssignedURLIDs),
		URLProgress:       progress,
		Status:            t.Status,
		CreatedAt:         t.CreatedAt,
		UpdatedAt:         t.UpdatedAt,
	}
}

func commentResponse(c domain.TaskComment) CommentResponse {
	return CommentResponse(c)
}

func reportResponse(r domain.Report) ReportResponse {
	return ReportResponse{
		ID:        r.ID,
		UserID:    r.UserID,
		AgencyID:  r.AgencyID,
		WaveID:    r.WaveID,
		Sections:  decodeJSONSlice(r.SectionsJSON),
		Status:    r.Status,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func decodeJSONSlice(raw string) []any {
	if raw == "" {
		return []any{}
	}
	var arr []any
	if err := json.Unmarshal([]byte(raw), &arr); err != nil {
		return []any{}
	}
	if arr == nil {
		return []any{}
	}
	return arr
}

func encodeJSONSlice(in []any) string {
	if in == nil {
		in = []any{}
	}
	data, err := json.Marshal(in)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
