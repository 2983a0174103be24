package dealboardsdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"dealboard/internal/board"
	"dealboard/internal/dnd"
	"dealboard/internal/domain"
)

var _ dnd.Syncer = (*Client)(nil)

func TestPersistMoveSendsActorAndDecodesDeal(t *testing.T) {
	var gotActor, gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotActor = r.Header.Get("X-Actor-Id")
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"deal":{"id":"d-1","title":"Acme","value":"10","stage_id":"s-2","position":0,"created_at":"2024-01-01T00:00:00Z"},"moved":true}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "board-1")
	c.ActorID = "alice"
	deal, err := c.PersistMove(context.Background(), "d-1", "s-2", 0)
	if err != nil {
		t.Fatalf("persist move: %v", err)
	}
	if gotPath != "/v0/boards/board-1/deals/d-1/move" {
		t.Fatalf("unexpected path %s", gotPath)
	}
	if gotActor != "alice" {
		t.Fatalf("expected actor header, got %q", gotActor)
	}
	if gotBody["stage_id"] != "s-2" || gotBody["index"] != float64(0) {
		t.Fatalf("unexpected body %v", gotBody)
	}
	if deal.ID != "d-1" || deal.StageID != "s-2" {
		t.Fatalf("unexpected deal %+v", deal)
	}
}

func TestBearerTokenWinsOverActorHeader(t *testing.T) {
	var auth, actor string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		actor = r.Header.Get("X-Actor-Id")
		_, _ = w.Write([]byte(`{"stages":[{"id":"s-1","name":"New","order":0}],"deals":[]}`))
	}))
	defer srv.Close()

	c := New(srv.URL+"/", "board-1")
	c.ActorID = "alice"
	c.BearerToken = "tok"
	snap, err := c.FetchBoard(context.Background())
	if err != nil {
		t.Fatalf("fetch board: %v", err)
	}
	if auth != "Bearer tok" || actor != "" {
		t.Fatalf("unexpected auth headers %q %q", auth, actor)
	}
	if len(snap.Stages) != 1 || snap.Stages[0].Name != "New" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestAPIErrorUnwrapsBoardErrors(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		check  func(error) bool
	}{
		{
			name:   "wip",
			status: http.StatusConflict,
			body:   `{"error":{"code":"wip_limit_exceeded","message":"full","details":{"stage_id":"s-2","limit":3}}}`,
			check: func(err error) bool {
				var wip board.WipLimitExceededError
				return errors.As(err, &wip) && wip.Limit == 3 && wip.StageID == "s-2"
			},
		},
		{
			name:   "deal",
			status: http.StatusNotFound,
			body:   `{"error":{"code":"deal_not_found","message":"gone","details":{"deal_id":"d-9"}}}`,
			check: func(err error) bool {
				var nf board.DealNotFoundError
				return errors.As(err, &nf) && nf.DealID == "d-9"
			},
		},
		{
			name:   "target",
			status: http.StatusUnprocessableEntity,
			body:   `{"error":{"code":"invalid_move_target","message":"bad","details":{"stage_id":"s-x","index":4}}}`,
			check: func(err error) bool {
				var target board.InvalidMoveTargetError
				return errors.As(err, &target) && target.Index == 4
			},
		},
		{
			name:   "plain",
			status: http.StatusBadGateway,
			body:   `upstream down`,
			check: func(err error) bool {
				var apiErr *APIError
				return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusBadGateway && apiErr.Body == "upstream down" && errors.Unwrap(err) == nil
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			_, err := New(srv.URL, "board-1").MoveDeal(context.Background(), "d-1", "s-2", 0)
			if err == nil || !tc.check(err) {
				t.Fatalf("unexpected error %v", err)
			}
		})
	}
}

func TestStageCalls(t *testing.T) {
	type call struct {
		method, path string
		body         map[string]any
	}
	var calls []call
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := call{method: r.Method, path: r.URL.Path}
		_ = json.NewDecoder(r.Body).Decode(&c.body)
		calls = append(calls, c)
		switch {
		case r.Method == http.MethodDelete:
			_, _ = w.Write([]byte(`{"removed":{"id":"s-2","name":"Old","order":1},"target":{"id":"s-1","name":"New","order":0},"reassigned":[],"activity":[]}`))
		case r.URL.Path == "/v0/boards/b/stages/s-2/reorder":
			_, _ = w.Write([]byte(`[{"id":"s-2","name":"Old","order":0}]`))
		default:
			_, _ = w.Write([]byte(`{"id":"s-2","name":"Old","order":1}`))
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	c := New(srv.URL, "b")
	limit := 2
	if _, err := c.CreateStage(ctx, "Old", &limit); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := c.SetWIPLimit(ctx, "s-2", nil); err != nil {
		t.Fatalf("clear wip: %v", err)
	}
	stages, err := c.ReorderStage(ctx, "s-2", 0)
	if err != nil || len(stages) != 1 {
		t.Fatalf("reorder: %v %v", stages, err)
	}
	if err := c.DeleteStage(ctx, "s-2"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if len(calls) != 4 {
		t.Fatalf("expected 4 calls, got %d", len(calls))
	}
	if calls[0].method != http.MethodPost || calls[0].body["wip_limit"] != float64(2) {
		t.Fatalf("unexpected create call %+v", calls[0])
	}
	if calls[1].method != http.MethodPatch || calls[1].body["clear_wip_limit"] != true {
		t.Fatalf("unexpected wip call %+v", calls[1])
	}
	if calls[3].method != http.MethodDelete || calls[3].path != "/v0/boards/b/stages/s-2" {
		t.Fatalf("unexpected delete call %+v", calls[3])
	}
}

type fakeBoard struct {
	loaded domain.Snapshot
}

func (f *fakeBoard) MoveDeal(dealID, toStageID string, toIndex int, actingUser string) (board.MoveResult, error) {
	return board.MoveResult{Deal: domain.Deal{ID: dealID, StageID: toStageID, Position: toIndex}, Moved: true}, nil
}

func (f *fakeBoard) DealAt(stageID string, index int) (domain.Deal, error) {
	return domain.Deal{ID: "d-1", StageID: stageID, Position: index}, nil
}

func (f *fakeBoard) Load(s domain.Snapshot) error {
	f.loaded = s
	return nil
}

func TestAdapterSyncsThroughClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"error":{"code":"wip_limit_exceeded","message":"full","details":{"stage_id":"s-2","limit":1}}}`))
			return
		}
		_, _ = w.Write([]byte(`{"stages":[{"id":"s-1","name":"New","order":0},{"id":"s-2","name":"Won","order":1}],"deals":[]}`))
	}))
	defer srv.Close()

	fb := &fakeBoard{}
	var notices []dnd.Notice
	a, err := dnd.New(dnd.Config{
		Board:    fb,
		Syncer:   New(srv.URL, "board-1"),
		OnNotice: func(n dnd.Notice) { notices = append(notices, n) },
	})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	out := a.HandleDragEnd(dnd.DragEvent{
		DealID:      "d-1",
		Source:      dnd.Location{StageID: "s-1", Index: 0},
		Destination: &dnd.Location{StageID: "s-2", Index: 0},
	}, "alice")
	a.Wait()
	a.Close()

	if !out.Applied {
		t.Fatalf("expected local move to apply, got %+v", out)
	}
	if len(fb.loaded.Stages) != 2 {
		t.Fatalf("expected board reload from server, got %+v", fb.loaded)
	}
	if len(notices) == 0 || notices[len(notices)-1].Level != dnd.LevelError {
		t.Fatalf("expected error notice after rejected persist, got %+v", notices)
	}
}
