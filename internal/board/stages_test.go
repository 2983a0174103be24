package board_test

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"dealboard/internal/board"
	"dealboard/internal/domain"
)

func stageNames(stages []domain.Stage) []string {
	out := make([]string, len(stages))
	for i, st := range stages {
		out[i] = st.Name
	}
	return out
}

func TestCreateStage(t *testing.T) {
	tb := newTestBoard(t, board.DefaultPolicy(), "New", "Won")
	st, err := tb.CreateStage("Proposal", nil, "tester")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if st.Order != 2 {
		t.Fatalf("expected order 2, got %d", st.Order)
	}
	before := tb.Snapshot()
	_, err = tb.CreateStage(" new ", nil, "tester")
	var dup board.DuplicateNameError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateNameError, got %v", err)
	}
	if after := tb.Snapshot(); !reflect.DeepEqual(before, after) {
		t.Fatalf("duplicate create changed the board")
	}
	if _, err := tb.CreateStage("   ", nil, "tester"); !errors.Is(err, board.ErrEmptyStageName) {
		t.Fatalf("expected ErrEmptyStageName, got %v", err)
	}
	neg := -1
	if _, err := tb.CreateStage("Lost", &neg, "tester"); err == nil {
		t.Fatalf("expected negative wip limit to fail")
	}
}

func TestRenameStage(t *testing.T) {
	tb := newTestBoard(t, board.DefaultPolicy(), "New", "Closed")
	tb.addDeal(t, "D1", "Closed", 1)

	_, err := tb.RenameStage(tb.stages["New"], "CLOSED", "tester")
	var dup board.DuplicateNameError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateNameError, got %v", err)
	}
	if _, err := tb.RenameStage(tb.stages["New"], "new", "tester"); err != nil {
		t.Fatalf("case change of own name should pass: %v", err)
	}
	// renaming into a terminal stage closes the deals it holds
	if _, err := tb.RenameStage(tb.stages["Closed"], "Won", "tester"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	d, _ := tb.GetDeal("D1")
	if d.ClosedAt == nil {
		t.Fatalf("expected closed_at after rename to Won")
	}
	var missing board.StageNotFoundError
	if _, err := tb.RenameStage("nope", "x", "tester"); !errors.As(err, &missing) {
		t.Fatalf("expected StageNotFoundError, got %v", err)
	}
}

func TestReorderStageKeepsOrdersDense(t *testing.T) {
	tb := newTestBoard(t, board.DefaultPolicy(), "New", "Qualified", "Proposal", "Won")
	stages, err := tb.ReorderStage(tb.stages["Won"], 0, "tester")
	if err != nil {
		t.Fatalf("reorder: %v", err)
	}
	if got := stageNames(stages); !reflect.DeepEqual(got, []string{"Won", "New", "Qualified", "Proposal"}) {
		t.Fatalf("unexpected order %v", got)
	}
	stages, err = tb.ReorderStage(tb.stages["New"], 100, "tester")
	if err != nil {
		t.Fatalf("reorder: %v", err)
	}
	if got := stageNames(stages); !reflect.DeepEqual(got, []string{"Won", "Qualified", "Proposal", "New"}) {
		t.Fatalf("unexpected order %v", got)
	}
	for i, st := range stages {
		if st.Order != i {
			t.Fatalf("stage %s has order %d at index %d", st.Name, st.Order, i)
		}
	}
	before := tb.Snapshot()
	if _, err := tb.ReorderStage(tb.stages["Qualified"], 1, "tester"); err != nil {
		t.Fatalf("reorder: %v", err)
	}
	if after := tb.Snapshot(); !reflect.DeepEqual(before, after) {
		t.Fatalf("reorder to current index changed the board")
	}
}

func TestDeleteStageReassignsDeals(t *testing.T) {
	tb := newTestBoard(t, board.DefaultPolicy(), "New", "Qualified", "Won")
	tb.addDeal(t, "D1", "New", 1)
	tb.addDeal(t, "D2", "Qualified", 1)
	tb.addDeal(t, "D3", "Qualified", 1)

	res, err := tb.DeleteStage(tb.stages["Qualified"], "alice")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if res.Target.ID != tb.stages["New"] || len(res.Reassigned) != 2 || len(res.Activity) != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := tb.column(t, "New"); !reflect.DeepEqual(got, []string{"D1", "D2", "D3"}) {
		t.Fatalf("expected orphans appended to New, got %v", got)
	}
	stages := tb.ListStages()
	if got := stageNames(stages); !reflect.DeepEqual(got, []string{"New", "Won"}) {
		t.Fatalf("unexpected stages %v", got)
	}
	for i, st := range stages {
		if st.Order != i {
			t.Fatalf("stage %s has order %d at index %d", st.Name, st.Order, i)
		}
	}
	for _, id := range []string{"D2", "D3"} {
		entries := stageEntries(t, tb.Board, id)
		if len(entries) != 1 || !strings.Contains(entries[0].Message, "New") {
			t.Fatalf("expected one stage entry for %s, got %+v", id, entries)
		}
	}
	checkInvariants(t, tb.Board, map[string]bool{"D1": true, "D2": true, "D3": true})
}

func TestDeleteFirstStageUsesNewFirst(t *testing.T) {
	tb := newTestBoard(t, board.DefaultPolicy(), "New", "Qualified", "Won")
	tb.addDeal(t, "D1", "New", 1)
	tb.addDeal(t, "D2", "Won", 1)
	if _, err := tb.ReorderStage(tb.stages["Won"], 1, "tester"); err != nil {
		t.Fatal(err)
	}
	res, err := tb.DeleteStage(tb.stages["New"], "tester")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if res.Target.ID != tb.stages["Won"] {
		t.Fatalf("expected Won to become first, got %s", res.Target.Name)
	}
	if got := tb.column(t, "Won"); !reflect.DeepEqual(got, []string{"D2", "D1"}) {
		t.Fatalf("unexpected Won column %v", got)
	}
	d, _ := tb.GetDeal("D1")
	if d.ClosedAt == nil {
		t.Fatalf("deal reassigned into Won should be closed")
	}
}

func TestDeleteLastStage(t *testing.T) {
	tb := newTestBoard(t, board.DefaultPolicy(), "New")
	tb.addDeal(t, "D1", "New", 1)
	before := tb.Snapshot()
	_, err := tb.DeleteStage(tb.stages["New"], "tester")
	var last board.LastStageError
	if !errors.As(err, &last) {
		t.Fatalf("expected LastStageError, got %v", err)
	}
	if after := tb.Snapshot(); !reflect.DeepEqual(before, after) {
		t.Fatalf("failed delete changed the board")
	}
}

func TestFindStage(t *testing.T) {
	tb := newTestBoard(t, board.DefaultPolicy(), "New", "Qualified")
	st, err := tb.FindStage("qualified")
	if err != nil || st.ID != tb.stages["Qualified"] {
		t.Fatalf("find by name: %+v %v", st, err)
	}
	st, err = tb.FindStage(tb.stages["New"])
	if err != nil || st.Name != "New" {
		t.Fatalf("find by id: %+v %v", st, err)
	}
	if _, err := tb.FindStage("Lost"); err == nil {
		t.Fatalf("expected not found")
	}
}
