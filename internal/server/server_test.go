package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"dealboard/internal/analytics"
	"dealboard/internal/blob"
	"dealboard/internal/config"
	"dealboard/internal/db"
	"dealboard/internal/domain"
	"dealboard/internal/engine"
	"dealboard/internal/migrate"
)

const (
	testBoard  = "board-1"
	testSecret = "test-secret"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	log := logrus.New()
	log.SetOutput(io.Discard)
	cfg := config.Default(testBoard)
	e := engine.New(conn, cfg, engine.Options{
		Blobs:  blob.FSStore{Fs: afero.NewMemMapFs(), Root: "/attachments"},
		Logger: log,
		Now:    func() time.Time { return time.Date(2024, 5, 2, 9, 30, 0, 0, time.UTC) },
	})
	if _, err := e.InitBoard(context.Background(), "", "tester"); err != nil {
		t.Fatalf("init board: %v", err)
	}
	if err := e.Load(context.Background()); err != nil {
		t.Fatalf("load board: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0", Logger: log, Auth: AuthConfig{
		JWTSecret:              testSecret,
		AllowLegacyActorHeader: true,
		EnableDevLogin:         true,
	}})
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
		URL:    "http://" + ln.Addr().String() + "/v0/boards/" + testBoard,
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

var actor = map[string]string{"X-Actor-Id": "alice"}

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

func stageByName(t *testing.T, srv *testServer, name string) domain.Stage {
	t.Helper()
	st, err := srv.Engine.Board.FindStage(name)
	if err != nil {
		t.Fatalf("find stage %s: %v", name, err)
	}
	return st
}

func createDeal(t *testing.T, srv *testServer, body map[string]any) domain.Deal {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/deals", body, actor)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create deal status %d: %s", res.StatusCode, string(data))
	}
	var d domain.Deal
	if err := json.Unmarshal(data, &d); err != nil {
		t.Fatalf("unmarshal deal: %v", err)
	}
	return d
}

func TestMoveDealOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	proposal := stageByName(t, srv, "Proposal")

	d := createDeal(t, srv, map[string]any{"title": "Acme", "value": "1200.50", "owner_id": "alice"})
	if d.Position != 0 || d.Value.String() != "1200.5" {
		t.Fatalf("unexpected deal %+v", d)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/deals/"+d.ID+"/move", map[string]any{
		"stage_id": proposal.ID,
		"index":    0,
	}, actor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("move status %d: %s", res.StatusCode, string(data))
	}
	var moved MoveResponse
	if err := json.Unmarshal(data, &moved); err != nil {
		t.Fatal(err)
	}
	if !moved.Moved || moved.Deal.StageID != proposal.ID || moved.Entry == nil || moved.Entry.Message != "Moved to Proposal" {
		t.Fatalf("unexpected move response %+v", moved)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL, nil, actor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("fetch board status %d: %s", res.StatusCode, string(data))
	}
	var snap domain.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatal(err)
	}
	if len(snap.Stages) != 6 || len(snap.Deals) != 1 || snap.Deals[0].StageID != proposal.ID {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/deals/"+d.ID+"/activity", nil, actor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("activity status %d: %s", res.StatusCode, string(data))
	}
	var log []domain.ActivityEntry
	_ = json.Unmarshal(data, &log)
	if len(log) != 2 || log[0].User != "alice" || log[0].Type != domain.ActivityStage {
		t.Fatalf("unexpected activity %+v", log)
	}
}

func TestErrorMapping(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	d := createDeal(t, srv, map[string]any{"title": "Initech"})

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"unknown deal", http.MethodGet, "/deals/nope", nil, http.StatusNotFound, "deal_not_found"},
		{"unknown move target", http.MethodPost, "/deals/" + d.ID + "/move", map[string]any{"stage_id": "nope", "index": 0}, http.StatusUnprocessableEntity, "invalid_move_target"},
		{"duplicate stage", http.MethodPost, "/stages", map[string]any{"name": " new "}, http.StatusConflict, "duplicate_name"},
		{"empty comment", http.MethodPost, "/deals/" + d.ID + "/comments", map[string]any{"text": "   "}, http.StatusBadRequest, "bad_request"},
		{"bad value", http.MethodPost, "/deals", map[string]any{"title": "x", "value": "lots"}, http.StatusBadRequest, "bad_request"},
		{"duplicate deal id", http.MethodPost, "/deals", map[string]any{"id": d.ID, "title": "again"}, http.StatusConflict, "deal_exists"},
		{"negative wip limit", http.MethodPost, "/stages", map[string]any{"name": "Extra", "wip_limit": -1}, http.StatusBadRequest, "bad_request"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, data := doJSON(t, client, tc.method, srv.URL+tc.path, tc.body, actor)
			if res.StatusCode != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, res.StatusCode, string(data))
			}
			var env struct {
				Error apiErrorBody `json:"error"`
			}
			if err := json.Unmarshal(data, &env); err != nil {
				t.Fatalf("unmarshal error envelope: %v", err)
			}
			if env.Error.Code != tc.code {
				t.Fatalf("expected code %s, got %+v", tc.code, env.Error)
			}
		})
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/stages", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL[:len(srv.URL)-len(testBoard)]+"other/stages", nil, actor)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for another board, got %d", res.StatusCode)
	}
}

func TestStageLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/stages", map[string]any{"name": "Demo", "wip_limit": 2}, actor)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create stage %d: %s", res.StatusCode, string(data))
	}
	var st domain.Stage
	_ = json.Unmarshal(data, &st)
	if st.Order != 6 || st.WIPLimit == nil || *st.WIPLimit != 2 {
		t.Fatalf("unexpected stage %+v", st)
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/stages/"+st.ID, map[string]any{"name": "Product demo", "clear_wip_limit": true}, actor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("update stage %d: %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &st)
	if st.Name != "Product demo" || st.WIPLimit != nil {
		t.Fatalf("unexpected updated stage %+v", st)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/stages/"+st.ID+"/reorder", map[string]any{"index": 1}, actor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reorder %d: %s", res.StatusCode, string(data))
	}
	var stages []domain.Stage
	_ = json.Unmarshal(data, &stages)
	if len(stages) != 7 || stages[1].ID != st.ID || stages[1].Order != 1 {
		t.Fatalf("unexpected order %+v", stages)
	}

	d := createDeal(t, srv, map[string]any{"title": "Hooli", "stage_id": st.ID})
	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/stages/"+st.ID, nil, actor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("delete stage %d: %s", res.StatusCode, string(data))
	}
	var del DeleteStageResponse
	_ = json.Unmarshal(data, &del)
	if del.Target.Name != "New" || len(del.Reassigned) != 1 || del.Reassigned[0].ID != d.ID {
		t.Fatalf("unexpected delete response %+v", del)
	}
}

func TestAttachmentsAndAnalytics(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	d := createDeal(t, srv, map[string]any{"title": "Umbrella", "value": "5000", "owner_id": "bob"})

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/deals/"+d.ID+"/attachments", map[string]any{
		"name":    "quote.txt",
		"content": base64.StdEncoding.EncodeToString([]byte("total: 5000")),
	}, actor)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("attach %d: %s", res.StatusCode, string(data))
	}
	var att domain.Attachment
	_ = json.Unmarshal(data, &att)
	if att.Size != int64(len("total: 5000")) || att.MimeType == "" {
		t.Fatalf("unexpected attachment %+v", att)
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/deals/"+d.ID+"/attachments/"+att.ID, nil, actor)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete attachment %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/deals/"+d.ID+"/score", nil, actor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("score %d: %s", res.StatusCode, string(data))
	}
	var score ScoreResponse
	_ = json.Unmarshal(data, &score)
	if score.DealID != d.ID || score.Score <= 0 || score.Score > 100 {
		t.Fatalf("unexpected score %+v", score)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/analytics", nil, actor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("analytics %d: %s", res.StatusCode, string(data))
	}
	var rep analytics.Report
	if err := json.Unmarshal(data, &rep); err != nil {
		t.Fatal(err)
	}
	if len(rep.Funnel) != 6 || rep.Funnel[0].Count != 1 || rep.ActivityByHour[9] != 3 {
		t.Fatalf("unexpected report %+v", rep)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/activity?type=attachment", nil, actor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("board activity %d: %s", res.StatusCode, string(data))
	}
	var entries []domain.ActivityEntry
	_ = json.Unmarshal(data, &entries)
	if len(entries) != 2 || entries[0].Message != "Attachment removed: quote.txt" {
		t.Fatalf("unexpected stored activity %+v", entries)
	}
}

func TestDevLoginToken(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	root := srv.URL[:len(srv.URL)-len("/boards/"+testBoard)]

	res, data := doJSON(t, client, http.MethodPost, root+"/auth/dev/login", map[string]any{"actor_id": "carol"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login %d: %s", res.StatusCode, string(data))
	}
	var tok DevLoginResponse
	_ = json.Unmarshal(data, &tok)

	res, data = doJSON(t, client, http.MethodGet, root+"/me", nil, map[string]string{"Authorization": "Bearer " + tok.Token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me %d: %s", res.StatusCode, string(data))
	}
	var who WhoAmIResponse
	_ = json.Unmarshal(data, &who)
	if who.ActorID != "carol" || who.Source != "jwt" {
		t.Fatalf("unexpected principal %+v", who)
	}

	res, _ = doJSON(t, client, http.MethodGet, root+"/me", nil, map[string]string{"Authorization": "Bearer garbage"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", res.StatusCode)
	}
}

func TestWebhookDelivery(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	var mu sync.Mutex
	var got []webhookEvent
	var headers []string
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		_ = json.NewDecoder(r.Body).Decode(&evt)
		mu.Lock()
		got = append(got, evt)
		headers = append(headers, r.Header.Get("X-Dealboard-Secret"))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	d := NewWebhookDispatcher(srv.Engine.Repo, testBoard, []config.WebhookConfig{{
		ID:     "crm",
		URL:    hook.URL,
		Secret: "s3cret",
		Events: []string{"deal.moved"},
	}}, nil)
	ctx := context.Background()
	// the first pass only pins the cursor at the end of the log
	d.DispatchAll(ctx)

	deal := createDeal(t, srv, map[string]any{"title": "Stark"})
	won := stageByName(t, srv, "Won")
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/deals/"+deal.ID+"/move", map[string]any{"stage_id": won.ID, "index": 0}, actor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("move %d: %s", res.StatusCode, string(data))
	}
	d.DispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("expected exactly one delivery, got %+v", got)
	}
	if got[0].Type != "deal.moved" || got[0].EntityID != deal.ID || got[0].ActorID != "alice" || headers[0] != "s3cret" {
		t.Fatalf("unexpected delivery %+v", got[0])
	}
	var payload map[string]any
	_ = json.Unmarshal(got[0].Payload, &payload)
	if payload["stage_id"] != won.ID {
		t.Fatalf("unexpected payload %s", string(got[0].Payload))
	}
}
