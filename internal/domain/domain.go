package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Activity entry types.
const (
	ActivityStage      = "stage"
	ActivityEdit       = "edit"
	ActivityComment    = "comment"
	ActivityAttachment = "attachment"
	ActivityDelete     = "delete"
)

// ActivityTypes lists every activity type in display order.
var ActivityTypes = []string{ActivityStage, ActivityEdit, ActivityComment, ActivityAttachment, ActivityDelete}

type Board struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type Stage struct {
	ID       string `json:"id" validate:"required"`
	Name     string `json:"name" validate:"required"`
	Order    int    `json:"order" validate:"gte=0"`
	WIPLimit *int   `json:"wip_limit,omitempty" validate:"omitempty,gte=0"`
}

type Deal struct {
	ID           string          `json:"id" validate:"required"`
	Title        string          `json:"title" validate:"required"`
	Value        decimal.Decimal `json:"value"`
	OwnerID      string          `json:"owner_id,omitempty"`
	StageID      string          `json:"stage_id" validate:"required"`
	Position     int             `json:"position" validate:"gte=0"`
	Tags         []string        `json:"tags,omitempty" validate:"dive,required"`
	Watchers     []string        `json:"watchers,omitempty" validate:"dive,required"`
	ContactName  string          `json:"contact_name,omitempty"`
	Company      string          `json:"company,omitempty"`
	ReminderDate *time.Time      `json:"reminder_date,omitempty"`
	CreatedAt    time.Time       `json:"created_at" validate:"required"`
	ClosedAt     *time.Time      `json:"closed_at,omitempty"`
}

type Comment struct {
	ID        string    `json:"id" validate:"required"`
	DealID    string    `json:"deal_id" validate:"required"`
	Author    string    `json:"author"`
	Text      string    `json:"text" validate:"required"`
	Timestamp time.Time `json:"timestamp"`
}

type Attachment struct {
	ID         string    `json:"id" validate:"required"`
	DealID     string    `json:"deal_id" validate:"required"`
	Name       string    `json:"name" validate:"required"`
	Size       int64     `json:"size" validate:"gte=0"`
	MimeType   string    `json:"mime_type"`
	ContentURL string    `json:"content_url"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// ActivityEntry is an immutable record of a change to a deal. Seq is the
// insertion counter and the only ordering key; timestamps may collide.
type ActivityEntry struct {
	ID        string    `json:"id" validate:"required"`
	Seq       int64     `json:"seq" validate:"gt=0"`
	DealID    string    `json:"deal_id" validate:"required"`
	Type      string    `json:"type" enum:"stage,edit,comment,attachment,delete" validate:"oneof=stage edit comment attachment delete"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	User      string    `json:"user"`
}

// Snapshot is the full board image exchanged at the fetch boundary.
// Stages are ordered by Order, deals by stage order then position, and
// comments, attachments and activity newest-first.
type Snapshot struct {
	Stages      []Stage         `json:"stages" validate:"dive"`
	Deals       []Deal          `json:"deals" validate:"dive"`
	Comments    []Comment       `json:"comments,omitempty" validate:"dive"`
	Attachments []Attachment    `json:"attachments,omitempty" validate:"dive"`
	Activity    []ActivityEntry `json:"activity,omitempty" validate:"dive"`
}

// StageByID returns the stage with the given id.
func (s Snapshot) StageByID(id string) (Stage, bool) {
	for _, st := range s.Stages {
		if st.ID == id {
			return st, true
		}
	}
	return Stage{}, false
}

// Event is a board-level change record in the events table. Webhooks are
// delivered from it.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	BoardID    string `json:"board_id"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload,omitempty"`
}
