package domain

type Wave struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Number      int    `json:"number"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status" enum:"draft,published,frozen"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Agency struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type URLItem struct {
	ID        string  `json:"id"`
	Link      string  `json:"link"`
	AgencyID  *string `json:"agency_id,omitempty"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

type User struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Username     string `json:"username"`
	PasswordHash string `json:"-"`
	Role         string `json:"role" enum:"admin,user"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

type URLProgress struct {
	URLID              string `json:"url_id"`
	Status             string `json:"status" enum:"pending,in-progress,completed"`
	ProgressPercentage int    `json:"progress_percentage" minimum:"0" maximum:"100"`
}

type Task struct {
	ID                string        `json:"id"`
	Title             string        `json:"title"`
	Description       string        `json:"description,omitempty"`
	UserID            string        `json:"user_id"`
	WaveID            string        `json:"wave_id"`
	AssignedAgencyIDs []string      `json:"assigned_agency_ids"`
	AssignedURLIDs    []string      `json:"assigned_url_ids"`
	URLProgress       []URLProgress `json:"url_progress"`
	Status            string        `json:"status" enum:"pending,in-progress,completed"`
	CreatedAt         string        `json:"created_at" format:"date-time"`
	UpdatedAt         string        `json:"updated_at" format:"date-time"`
}

type TaskComment struct {
	ID         string `json:"id"`
	TaskID     string `json:"task_id"`
	Text       string `json:"text"`
	AuthorName string `json:"author_name"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

// WaveAssignment is one user's desired scope inside a wave: the agencies
// whose URLs they cover plus any individually picked URLs.
type WaveAssignment struct {
	AgencyIDs []string `json:"agency_ids"`
	URLIDs    []string `json:"url_ids"`
}

type Report struct {
	ID           string `json:"id"`
	UserID       string `json:"user_id"`
	AgencyID     string `json:"agency_id"`
	WaveID       string `json:"wave_id"`
	SectionsJSON string `json:"sections_json,omitempty"`
	Status       string `json:"status" enum:"draft,submitted"`
	CreatedAt    string `json:"created_at" format:"date-time"`
	UpdatedAt    string `json:"updated_at" format:"date-time"`
}

type ReportCategory struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
