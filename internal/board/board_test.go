package board_test

import (
	"errors"
	"fmt"
	"io"
	"math/rand"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"dealboard/internal/blob"
	"dealboard/internal/board"
	"dealboard/internal/domain"
)

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type testBoard struct {
	*board.Board
	stages map[string]string
}

func newTestBoard(t *testing.T, policy board.Policy, stageNames ...string) testBoard {
	t.Helper()
	return newTestBoardWithBlobs(t, policy, nil, stageNames...)
}

func newTestBoardWithBlobs(t *testing.T, policy board.Policy, blobs blob.Store, stageNames ...string) testBoard {
	t.Helper()
	n := 0
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	b := board.New(board.Options{
		Policy: policy,
		Blobs:  blobs,
		Logger: logger,
		Now:    func() time.Time { return fixedNow },
		NewID: func() string {
			n++
			return fmt.Sprintf("id-%d", n)
		},
	})
	tb := testBoard{Board: b, stages: map[string]string{}}
	for _, name := range stageNames {
		st, err := b.CreateStage(name, nil, "tester")
		if err != nil {
			t.Fatalf("create stage %s: %v", name, err)
		}
		tb.stages[name] = st.ID
	}
	return tb
}

func (tb testBoard) addDeal(t *testing.T, id, stage string, value int64) domain.Deal {
	t.Helper()
	d, err := tb.CreateDeal(board.DealInput{
		ID:      id,
		Title:   "Deal " + id,
		Value:   decimal.NewFromInt(value),
		OwnerID: "owner-1",
		StageID: tb.stages[stage],
	}, "tester")
	if err != nil {
		t.Fatalf("create deal %s: %v", id, err)
	}
	return d
}

func (tb testBoard) column(t *testing.T, stage string) []string {
	t.Helper()
	deals, err := tb.StageDeals(tb.stages[stage])
	if err != nil {
		t.Fatalf("stage deals %s: %v", stage, err)
	}
	ids := make([]string, len(deals))
	for i, d := range deals {
		ids[i] = d.ID
	}
	return ids
}

func stageEntries(t *testing.T, b *board.Board, dealID string) []domain.ActivityEntry {
	t.Helper()
	entries, err := b.Activity(dealID)
	if err != nil {
		t.Fatalf("activity %s: %v", dealID, err)
	}
	var out []domain.ActivityEntry
	for _, e := range entries {
		if e.Type == domain.ActivityStage {
			out = append(out, e)
		}
	}
	return out
}

// checkInvariants verifies the partition and density properties against the
// full set of deal ids the board should hold.
func checkInvariants(t *testing.T, b *board.Board, want map[string]bool) {
	t.Helper()
	snap := b.Snapshot()
	for i, st := range snap.Stages {
		if st.Order != i {
			t.Fatalf("stage %s has order %d at index %d", st.ID, st.Order, i)
		}
	}
	seen := map[string]int{}
	for _, st := range snap.Stages {
		deals, err := b.StageDeals(st.ID)
		if err != nil {
			t.Fatalf("stage deals: %v", err)
		}
		for pos, d := range deals {
			seen[d.ID]++
			if d.StageID != st.ID || d.Position != pos {
				t.Fatalf("deal %s at %s/%d reports %s/%d", d.ID, st.ID, pos, d.StageID, d.Position)
			}
		}
	}
	if len(seen) != len(want) {
		t.Fatalf("expected %d deals on the board, got %d", len(want), len(seen))
	}
	for id, n := range seen {
		if !want[id] || n != 1 {
			t.Fatalf("deal %s appears %d times (expected: %v)", id, n, want[id])
		}
	}
	if err := snap.Validate(); err != nil {
		t.Fatalf("snapshot invalid: %v", err)
	}
}

func TestMoveDealAcrossStages(t *testing.T) {
	tb := newTestBoard(t, board.DefaultPolicy(), "New", "Qualified", "Won")
	tb.addDeal(t, "D1", "New", 1000)

	res, err := tb.MoveDeal("D1", tb.stages["Qualified"], 0, "alice")
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if !res.Moved || res.Deal.StageID != tb.stages["Qualified"] || res.Deal.Position != 0 {
		t.Fatalf("unexpected move result: %+v", res)
	}
	if got := tb.column(t, "New"); len(got) != 0 {
		t.Fatalf("expected New to be empty, got %v", got)
	}
	if got := tb.column(t, "Qualified"); !reflect.DeepEqual(got, []string{"D1"}) {
		t.Fatalf("expected Qualified=[D1], got %v", got)
	}
	entries := stageEntries(t, tb.Board, "D1")
	if len(entries) != 1 || !strings.Contains(entries[0].Message, "Qualified") || entries[0].User != "alice" {
		t.Fatalf("expected one stage entry naming Qualified, got %+v", entries)
	}
	if res.Entry == nil || res.Entry.ID != entries[0].ID {
		t.Fatalf("move result should carry the stage entry")
	}
}

func TestMoveDealSameSlotIsNoop(t *testing.T) {
	tb := newTestBoard(t, board.DefaultPolicy(), "New", "Qualified")
	tb.addDeal(t, "D1", "New", 10)
	tb.addDeal(t, "D2", "New", 20)

	before := tb.Snapshot()
	res, err := tb.MoveDeal("D2", tb.stages["New"], 1, "tester")
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if res.Moved {
		t.Fatalf("expected no-op")
	}
	if after := tb.Snapshot(); !reflect.DeepEqual(before, after) {
		t.Fatalf("snapshot changed on no-op move")
	}

	// an out-of-range index that clamps back to the current slot is also a no-op
	res, err = tb.MoveDeal("D2", tb.stages["New"], 99, "tester")
	if err != nil || res.Moved {
		t.Fatalf("expected clamped no-op, got moved=%v err=%v", res.Moved, err)
	}
	if after := tb.Snapshot(); !reflect.DeepEqual(before, after) {
		t.Fatalf("snapshot changed on clamped no-op move")
	}
}

func TestMoveDealReorderWithinStageIsSilent(t *testing.T) {
	tb := newTestBoard(t, board.DefaultPolicy(), "New")
	for _, id := range []string{"D1", "D2", "D3"} {
		tb.addDeal(t, id, "New", 1)
	}
	res, err := tb.MoveDeal("D3", tb.stages["New"], 0, "tester")
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if !res.Moved || res.Entry != nil {
		t.Fatalf("expected silent reorder, got %+v", res)
	}
	if got := tb.column(t, "New"); !reflect.DeepEqual(got, []string{"D3", "D1", "D2"}) {
		t.Fatalf("unexpected order %v", got)
	}
	if entries := stageEntries(t, tb.Board, "D3"); len(entries) != 0 {
		t.Fatalf("reorder must not log, got %+v", entries)
	}

	// moving down within the list clamps against the list without the deal
	if _, err := tb.MoveDeal("D3", tb.stages["New"], 10, "tester"); err != nil {
		t.Fatalf("move: %v", err)
	}
	if got := tb.column(t, "New"); !reflect.DeepEqual(got, []string{"D1", "D2", "D3"}) {
		t.Fatalf("unexpected order %v", got)
	}
}

func TestMoveDealClampsNegativeIndex(t *testing.T) {
	tb := newTestBoard(t, board.DefaultPolicy(), "New", "Qualified")
	tb.addDeal(t, "D1", "New", 1)
	tb.addDeal(t, "D2", "Qualified", 1)
	if _, err := tb.MoveDeal("D1", tb.stages["Qualified"], -5, "tester"); err != nil {
		t.Fatalf("move: %v", err)
	}
	if got := tb.column(t, "Qualified"); !reflect.DeepEqual(got, []string{"D1", "D2"}) {
		t.Fatalf("unexpected order %v", got)
	}
}

func TestMoveDealErrors(t *testing.T) {
	tb := newTestBoard(t, board.DefaultPolicy(), "New")
	tb.addDeal(t, "D1", "New", 1)
	before := tb.Snapshot()

	_, err := tb.MoveDeal("missing", tb.stages["New"], 0, "tester")
	var notFound board.DealNotFoundError
	if !errors.As(err, &notFound) || notFound.DealID != "missing" {
		t.Fatalf("expected DealNotFoundError, got %v", err)
	}
	_, err = tb.MoveDeal("D1", "no-such-stage", 0, "tester")
	var badTarget board.InvalidMoveTargetError
	if !errors.As(err, &badTarget) {
		t.Fatalf("expected InvalidMoveTargetError, got %v", err)
	}
	if after := tb.Snapshot(); !reflect.DeepEqual(before, after) {
		t.Fatalf("failed moves must not change the board")
	}
}

func TestMovePartitionAndDensity(t *testing.T) {
	names := []string{"New", "Qualified", "Proposal", "Negotiation", "Won", "Lost"}
	tb := newTestBoard(t, board.DefaultPolicy(), names...)
	rng := rand.New(rand.NewSource(42))
	want := map[string]bool{}
	for i := 0; i < 40; i++ {
		id := fmt.Sprintf("D%d", i)
		tb.addDeal(t, id, names[rng.Intn(len(names))], int64(rng.Intn(50000)))
		want[id] = true
	}
	checkInvariants(t, tb.Board, want)

	for i := 0; i < 2000; i++ {
		id := fmt.Sprintf("D%d", rng.Intn(40))
		to := tb.stages[names[rng.Intn(len(names))]]
		idx := rng.Intn(20) - 5
		if _, err := tb.MoveDeal(id, to, idx, "tester"); err != nil {
			t.Fatalf("move %d: %v", i, err)
		}
		checkInvariants(t, tb.Board, want)
	}
}

func TestMoveSetsAndClearsClosedAt(t *testing.T) {
	tb := newTestBoard(t, board.DefaultPolicy(), "New", "Won", "Lost")
	tb.addDeal(t, "D1", "New", 1)

	res, err := tb.MoveDeal("D1", tb.stages["Won"], 0, "tester")
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if res.Deal.ClosedAt == nil || !res.Deal.ClosedAt.Equal(fixedNow) {
		t.Fatalf("expected closed_at set on entering Won, got %v", res.Deal.ClosedAt)
	}
	res, err = tb.MoveDeal("D1", tb.stages["New"], 0, "tester")
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if res.Deal.ClosedAt != nil {
		t.Fatalf("expected closed_at cleared on leaving Won")
	}
}

func TestWIPPolicies(t *testing.T) {
	limit := 1
	cases := []struct {
		policy  string
		wantErr bool
		warn    bool
	}{
		{policy: board.WIPAllow},
		{policy: board.WIPWarn, warn: true},
		{policy: board.WIPReject, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.policy, func(t *testing.T) {
			p := board.DefaultPolicy()
			p.WIP = tc.policy
			tb := newTestBoard(t, p, "New", "Qualified")
			if _, err := tb.SetWIPLimit(tb.stages["Qualified"], &limit, "tester"); err != nil {
				t.Fatalf("set limit: %v", err)
			}
			tb.addDeal(t, "D1", "New", 1)
			tb.addDeal(t, "D2", "Qualified", 1)
			before := tb.Snapshot()

			res, err := tb.MoveDeal("D1", tb.stages["Qualified"], 0, "tester")
			if tc.wantErr {
				var wip board.WipLimitExceededError
				if !errors.As(err, &wip) || wip.Limit != 1 {
					t.Fatalf("expected WipLimitExceededError, got %v", err)
				}
				if after := tb.Snapshot(); !reflect.DeepEqual(before, after) {
					t.Fatalf("rejected move changed the board")
				}
				return
			}
			if err != nil {
				t.Fatalf("move: %v", err)
			}
			if (res.Warning != "") != tc.warn {
				t.Fatalf("warning = %q, want warning %v", res.Warning, tc.warn)
			}
			if got := tb.column(t, "Qualified"); len(got) != 2 {
				t.Fatalf("expected move applied, got %v", got)
			}
		})
	}
}

func TestWIPRejectAllowsReorderInFullStage(t *testing.T) {
	p := board.DefaultPolicy()
	p.WIP = board.WIPReject
	tb := newTestBoard(t, p, "New")
	tb.addDeal(t, "D1", "New", 1)
	tb.addDeal(t, "D2", "New", 1)
	limit := 2
	if _, err := tb.SetWIPLimit(tb.stages["New"], &limit, "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := tb.MoveDeal("D2", tb.stages["New"], 0, "tester"); err != nil {
		t.Fatalf("reorder within a full stage should pass: %v", err)
	}
	_, err := tb.CreateDeal(board.DealInput{Title: "third", StageID: tb.stages["New"]}, "tester")
	var wip board.WipLimitExceededError
	if !errors.As(err, &wip) {
		t.Fatalf("expected create to be rejected, got %v", err)
	}
}

func TestLoadSnapshotRoundTrip(t *testing.T) {
	tb := newTestBoard(t, board.DefaultPolicy(), "New", "Qualified", "Won")
	tb.addDeal(t, "D1", "New", 100)
	tb.addDeal(t, "D2", "New", 200)
	tb.addDeal(t, "D3", "Qualified", 300)
	if _, err := tb.AddComment("D1", "alice", "first"); err != nil {
		t.Fatal(err)
	}
	if _, err := tb.AddComment("D1", "bob", "second"); err != nil {
		t.Fatal(err)
	}
	if _, err := tb.MoveDeal("D2", tb.stages["Won"], 0, "tester"); err != nil {
		t.Fatal(err)
	}
	snap := tb.Snapshot()

	other := newTestBoard(t, board.DefaultPolicy())
	if err := other.Load(snap); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := other.Snapshot(); !reflect.DeepEqual(snap, got) {
		t.Fatalf("round trip mismatch:\n%+v\n%+v", snap, got)
	}
	if other.LastSeq() != tb.LastSeq() {
		t.Fatalf("expected seq %d after load, got %d", tb.LastSeq(), other.LastSeq())
	}
	comments, err := other.Comments("D1")
	if err != nil || len(comments) != 2 || comments[0].Text != "second" {
		t.Fatalf("expected newest-first comments after load, got %+v (%v)", comments, err)
	}
}

func TestLoadRejectsBrokenSnapshot(t *testing.T) {
	tb := newTestBoard(t, board.DefaultPolicy(), "New")
	tb.addDeal(t, "D1", "New", 1)
	before := tb.Snapshot()

	broken := tb.Snapshot()
	broken.Deals[0].StageID = "gone"
	if err := tb.Load(broken); err == nil {
		t.Fatalf("expected validation error")
	}
	if after := tb.Snapshot(); !reflect.DeepEqual(before, after) {
		t.Fatalf("failed load must not change the board")
	}

	for _, pos := range []int{1, 50_000_000} {
		broken := tb.Snapshot()
		broken.Deals[0].Position = pos
		if err := tb.Load(broken); err == nil || !strings.Contains(err.Error(), "out of range") {
			t.Fatalf("position %d: expected out of range error, got %v", pos, err)
		}
	}
	if after := tb.Snapshot(); !reflect.DeepEqual(before, after) {
		t.Fatalf("failed load must not change the board")
	}
}

func TestUpdateDealRecordsChangedFields(t *testing.T) {
	tb := newTestBoard(t, board.DefaultPolicy(), "New")
	tb.addDeal(t, "D1", "New", 1)
	title := "  Renamed  "
	value := decimal.NewFromInt(5000)
	tags := []string{"b", "a", "b", " "}
	d, err := tb.UpdateDeal("D1", board.DealPatch{Title: &title, Value: &value, Tags: &tags}, "bob")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if d.Title != "Renamed" || !d.Value.Equal(value) || !reflect.DeepEqual(d.Tags, []string{"a", "b"}) {
		t.Fatalf("unexpected deal %+v", d)
	}
	entries, _ := tb.Activity("D1")
	if entries[0].Type != domain.ActivityEdit || entries[0].Message != "Updated title, value, tags" || entries[0].User != "bob" {
		t.Fatalf("unexpected edit entry %+v", entries[0])
	}

	// an update that changes nothing is not logged
	n := len(entries)
	if _, err := tb.UpdateDeal("D1", board.DealPatch{Title: &title}, "bob"); err != nil {
		t.Fatal(err)
	}
	if entries, _ := tb.Activity("D1"); len(entries) != n {
		t.Fatalf("no-op update logged an entry")
	}

	blank := " "
	if _, err := tb.UpdateDeal("D1", board.DealPatch{Title: &blank}, "bob"); !errors.Is(err, board.ErrTitleRequired) {
		t.Fatalf("expected ErrTitleRequired, got %v", err)
	}
}

func TestCreateDealDefaultsToFirstStage(t *testing.T) {
	tb := newTestBoard(t, board.DefaultPolicy(), "New", "Qualified")
	d, err := tb.CreateDeal(board.DealInput{Title: "Acme renewal", Value: decimal.NewFromInt(10)}, "tester")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if d.StageID != tb.stages["New"] || d.Position != 0 || !d.CreatedAt.Equal(fixedNow) {
		t.Fatalf("unexpected deal %+v", d)
	}
	if _, err := tb.CreateDeal(board.DealInput{ID: d.ID, Title: "dup"}, "tester"); err == nil {
		t.Fatalf("expected duplicate id error")
	}
	if _, err := tb.CreateDeal(board.DealInput{Title: ""}, "tester"); !errors.Is(err, board.ErrTitleRequired) {
		t.Fatalf("expected ErrTitleRequired, got %v", err)
	}

	empty := newTestBoard(t, board.DefaultPolicy())
	if _, err := empty.CreateDeal(board.DealInput{Title: "x"}, "tester"); !errors.Is(err, board.ErrNoStages) {
		t.Fatalf("expected ErrNoStages, got %v", err)
	}
}
