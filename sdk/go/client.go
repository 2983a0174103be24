package dealboardsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"dealboard/internal/board"
	"dealboard/internal/domain"
)

// Client is a minimal Dealboard HTTP API client. It satisfies the board
// fetch and move persistence contract of the drag-and-drop adapter.
type Client struct {
	BaseURL     string
	BoardID     string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no bearer token is set.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, boardID string) *Client {
	return &Client{
		BaseURL: baseURL,
		BoardID: boardID,
		Timeout: 10 * time.Second,
	}
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	BoardID    string         `json:"board_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// MoveResult is the server's answer to a move.
type MoveResult struct {
	Deal    domain.Deal           `json:"deal"`
	Moved   bool                  `json:"moved"`
	Warning string                `json:"warning"`
	Entry   *domain.ActivityEntry `json:"entry"`
}

// APIError wraps non-2xx responses. Known error codes unwrap to the board's
// typed errors.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

func (e *APIError) Unwrap() error {
	str := func(k string) string {
		v, _ := e.Details[k].(string)
		return v
	}
	num := func(k string) int {
		v, _ := e.Details[k].(float64)
		return int(v)
	}
	switch e.Code {
	case "deal_not_found":
		return board.DealNotFoundError{DealID: str("deal_id")}
	case "stage_not_found":
		return board.StageNotFoundError{StageID: str("stage_id")}
	case "duplicate_name":
		return board.DuplicateNameError{Name: str("name")}
	case "last_stage":
		return board.LastStageError{StageID: str("stage_id")}
	case "wip_limit_exceeded":
		return board.WipLimitExceededError{StageID: str("stage_id"), Limit: num("limit")}
	case "invalid_move_target":
		return board.InvalidMoveTargetError{StageID: str("stage_id"), Index: num("index")}
	case "deal_exists":
		return board.DealExistsError{DealID: str("deal_id")}
	}
	return nil
}

// FetchBoard returns the whole board.
func (c *Client) FetchBoard(ctx context.Context) (domain.Snapshot, error) {
	var resp domain.Snapshot
	err := c.do(ctx, http.MethodGet, c.boardPath(""), nil, &resp)
	return resp, err
}

// PersistMove stores a move and returns the deal as the server placed it.
func (c *Client) PersistMove(ctx context.Context, dealID, stageID string, index int) (domain.Deal, error) {
	res, err := c.MoveDeal(ctx, dealID, stageID, index)
	return res.Deal, err
}

func (c *Client) MoveDeal(ctx context.Context, dealID, stageID string, index int) (MoveResult, error) {
	body := map[string]any{
		"stage_id": stageID,
		"index":    index,
	}
	var resp MoveResult
	err := c.do(ctx, http.MethodPost, c.boardPath("deals/"+url.PathEscape(dealID)+"/move"), body, &resp)
	return resp, err
}

// ListStages returns stages in board order.
func (c *Client) ListStages(ctx context.Context) ([]domain.Stage, error) {
	var resp []domain.Stage
	err := c.do(ctx, http.MethodGet, c.boardPath("stages"), nil, &resp)
	return resp, err
}

// CreateStage appends a stage. A nil wipLimit means no limit.
func (c *Client) CreateStage(ctx context.Context, name string, wipLimit *int) (domain.Stage, error) {
	body := map[string]any{"name": name}
	if wipLimit != nil {
		body["wip_limit"] = *wipLimit
	}
	var resp domain.Stage
	err := c.do(ctx, http.MethodPost, c.boardPath("stages"), body, &resp)
	return resp, err
}

func (c *Client) RenameStage(ctx context.Context, stageID, name string) (domain.Stage, error) {
	var resp domain.Stage
	err := c.do(ctx, http.MethodPatch, c.boardPath("stages/"+url.PathEscape(stageID)), map[string]any{"name": name}, &resp)
	return resp, err
}

// SetWIPLimit sets or, with nil, clears a stage's WIP limit.
func (c *Client) SetWIPLimit(ctx context.Context, stageID string, limit *int) (domain.Stage, error) {
	body := map[string]any{"clear_wip_limit": true}
	if limit != nil {
		body = map[string]any{"wip_limit": *limit}
	}
	var resp domain.Stage
	err := c.do(ctx, http.MethodPatch, c.boardPath("stages/"+url.PathEscape(stageID)), body, &resp)
	return resp, err
}

func (c *Client) ReorderStage(ctx context.Context, stageID string, index int) ([]domain.Stage, error) {
	var resp []domain.Stage
	err := c.do(ctx, http.MethodPost, c.boardPath("stages/"+url.PathEscape(stageID)+"/reorder"), map[string]any{"index": index}, &resp)
	return resp, err
}

// DeleteStage removes a stage; the server moves its deals to the first stage.
func (c *Client) DeleteStage(ctx context.Context, stageID string) error {
	return c.do(ctx, http.MethodDelete, c.boardPath("stages/"+url.PathEscape(stageID)), nil, nil)
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := c.boardPath("events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message, apiErr.Details = env.Error.Code, env.Error.Message, env.Error.Details
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) boardPath(p string) string {
	b := fmt.Sprintf("v0/boards/%s", url.PathEscape(c.BoardID))
	if p == "" {
		return b
	}
	return b + "/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
