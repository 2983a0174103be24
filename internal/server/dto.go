package server

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"dealboard/internal/board"
	"dealboard/internal/domain"
)

// Request payloads

type CreateStageRequest struct {
	Name     string `json:"name" validate:"required"`
	WIPLimit *int   `json:"wip_limit,omitempty" validate:"omitempty,gte=0"`
}

type UpdateStageRequest struct {
	Name          *string `json:"name,omitempty" validate:"omitempty,min=1"`
	WIPLimit      *int    `json:"wip_limit,omitempty" validate:"omitempty,gte=0"`
	ClearWIPLimit bool    `json:"clear_wip_limit,omitempty"`
}

type ReorderStageRequest struct {
	Index int `json:"index"`
}

type CreateDealRequest struct {
	ID           string     `json:"id,omitempty"`
	Title        string     `json:"title" validate:"required"`
	Value        string     `json:"value,omitempty" example:"1500.00"`
	OwnerID      string     `json:"owner_id,omitempty"`
	StageID      string     `json:"stage_id,omitempty"`
	Tags         []string   `json:"tags,omitempty" validate:"dive,required"`
	Watchers     []string   `json:"watchers,omitempty" validate:"dive,required"`
	ContactName  string     `json:"contact_name,omitempty"`
	Company      string     `json:"company,omitempty"`
	ReminderDate *time.Time `json:"reminder_date,omitempty"`
}

type UpdateDealRequest struct {
	Title         *string    `json:"title,omitempty" validate:"omitempty,min=1"`
	Value         *string    `json:"value,omitempty"`
	OwnerID       *string    `json:"owner_id,omitempty"`
	Tags          *[]string  `json:"tags,omitempty"`
	Watchers      *[]string  `json:"watchers,omitempty"`
	ContactName   *string    `json:"contact_name,omitempty"`
	Company       *string    `json:"company,omitempty"`
	ReminderDate  *time.Time `json:"reminder_date,omitempty"`
	ClearReminder bool       `json:"clear_reminder,omitempty"`
}

type MoveDealRequest struct {
	StageID string `json:"stage_id" validate:"required"`
	Index   int    `json:"index"`
}

type AddCommentRequest struct {
	Text string `json:"text"`
}

type AddAttachmentRequest struct {
	Name     string `json:"name" validate:"required"`
	MimeType string `json:"mime_type,omitempty"`
	Content  string `json:"content" doc:"base64 encoded file content" validate:"omitempty,base64"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

// Response payloads

type MoveResponse struct {
	Deal    domain.Deal           `json:"deal"`
	Moved   bool                  `json:"moved"`
	Warning string                `json:"warning,omitempty"`
	Entry   *domain.ActivityEntry `json:"entry,omitempty"`
}

type DeleteStageResponse struct {
	Removed    domain.Stage           `json:"removed"`
	Target     domain.Stage           `json:"target"`
	Reassigned []domain.Deal          `json:"reassigned"`
	Activity   []domain.ActivityEntry `json:"activity"`
}

type ScoreResponse struct {
	DealID string `json:"deal_id"`
	Score  int    `json:"score"`
}

type EventResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts"`
	Type       string          `json:"type"`
	BoardID    string          `json:"board_id"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type WhoAmIResponse struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles"`
	Source  string   `json:"source"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Mapping helpers

func (r CreateDealRequest) input() (board.DealInput, error) {
	value, err := parseValue(r.Value)
	if err != nil {
		return board.DealInput{}, err
	}
	return board.DealInput{
		ID:           r.ID,
		Title:        r.Title,
		Value:        value,
		OwnerID:      r.OwnerID,
		StageID:      r.StageID,
		Tags:         r.Tags,
		Watchers:     r.Watchers,
		ContactName:  r.ContactName,
		Company:      r.Company,
		ReminderDate: r.ReminderDate,
	}, nil
}

func (r UpdateDealRequest) patch() (board.DealPatch, error) {
	p := board.DealPatch{
		Title:         r.Title,
		OwnerID:       r.OwnerID,
		Tags:          r.Tags,
		Watchers:      r.Watchers,
		ContactName:   r.ContactName,
		Company:       r.Company,
		ReminderDate:  r.ReminderDate,
		ClearReminder: r.ClearReminder,
	}
	if r.Value != nil {
		v, err := parseValue(*r.Value)
		if err != nil {
			return board.DealPatch{}, err
		}
		p.Value = &v
	}
	return p, nil
}

func parseValue(raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid value %q", raw)
	}
	if v.IsNegative() {
		return decimal.Zero, fmt.Errorf("invalid value %q: must be >= 0", raw)
	}
	return v, nil
}

func moveResponse(res board.MoveResult) MoveResponse {
	return MoveResponse{Deal: res.Deal, Moved: res.Moved, Warning: res.Warning, Entry: res.Entry}
}

func deleteStageResponse(res board.DeleteStageResult) DeleteStageResponse {
	return DeleteStageResponse{
		Removed:    res.Removed,
		Target:     res.Target,
		Reassigned: nonNilSlice(res.Reassigned),
		Activity:   nonNilSlice(res.Activity),
	}
}

func eventResponse(evt domain.Event) EventResponse {
	resp := EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		BoardID:    evt.BoardID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
	}
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		resp.Payload = json.RawMessage(evt.Payload)
	}
	return resp
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
