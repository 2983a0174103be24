package board

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"dealboard/internal/domain"
)

// DeleteStageResult describes the cascade of a stage deletion.
type DeleteStageResult struct {
	Removed    domain.Stage
	Target     domain.Stage
	Reassigned []domain.Deal
	Activity   []domain.ActivityEntry
}

// ListStages returns the live stages sorted by order.
func (b *Board) ListStages() []domain.Stage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.listStages()
}

func (b *Board) listStages() []domain.Stage {
	out := make([]domain.Stage, len(b.stages))
	for i, st := range b.stages {
		st.WIPLimit = copyInt(st.WIPLimit)
		out[i] = st
	}
	return out
}

// GetStage returns a live stage by id.
func (b *Board) GetStage(id string) (domain.Stage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := b.stageIndex(id)
	if i < 0 {
		return domain.Stage{}, StageNotFoundError{StageID: id}
	}
	st := b.stages[i]
	st.WIPLimit = copyInt(st.WIPLimit)
	return st, nil
}

// FindStage resolves ref as a stage id first, then as a case-insensitive name.
func (b *Board) FindStage(ref string) (domain.Stage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i := b.stageIndex(ref); i >= 0 {
		return b.stages[i], nil
	}
	key := domain.NormalizeName(ref)
	for _, st := range b.stages {
		if domain.NormalizeName(st.Name) == key {
			return st, nil
		}
	}
	return domain.Stage{}, StageNotFoundError{StageID: ref}
}

// CreateStage appends a stage after the current last one.
func (b *Board) CreateStage(name string, wipLimit *int, actingUser string) (domain.Stage, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Stage{}, ErrEmptyStageName
	}
	if wipLimit != nil && *wipLimit < 0 {
		return domain.Stage{}, fmt.Errorf("wip limit must be >= 0, got %d", *wipLimit)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.nameTaken(name, "") {
		return domain.Stage{}, DuplicateNameError{Name: name}
	}
	st := domain.Stage{
		ID:       b.newID(),
		Name:     name,
		Order:    len(b.stages),
		WIPLimit: copyInt(wipLimit),
	}
	b.stages = append(b.stages, st)
	b.columns[st.ID] = nil
	b.log.WithFields(logrus.Fields{"stage_id": st.ID, "actor": actingUser}).Debug("stage created")
	return st, nil
}

// RenameStage changes a stage's name. Renaming to the current name is a no-op.
func (b *Board) RenameStage(id, newName, actingUser string) (domain.Stage, error) {
	newName = strings.TrimSpace(newName)
	if newName == "" {
		return domain.Stage{}, ErrEmptyStageName
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	i := b.stageIndex(id)
	if i < 0 {
		return domain.Stage{}, StageNotFoundError{StageID: id}
	}
	if b.nameTaken(newName, id) {
		return domain.Stage{}, DuplicateNameError{Name: newName}
	}
	if b.stages[i].Name == newName {
		return b.stages[i], nil
	}
	b.stages[i].Name = newName
	// a rename can turn a stage into (or out of) a terminal stage
	for _, dealID := range b.columns[id] {
		b.settleClosedAt(b.deals[dealID])
	}
	b.log.WithFields(logrus.Fields{"stage_id": id, "actor": actingUser}).Debug("stage renamed")
	return b.stages[i], nil
}

// SetWIPLimit sets or clears (nil) a stage's WIP limit.
func (b *Board) SetWIPLimit(id string, limit *int, actingUser string) (domain.Stage, error) {
	if limit != nil && *limit < 0 {
		return domain.Stage{}, fmt.Errorf("wip limit must be >= 0, got %d", *limit)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	i := b.stageIndex(id)
	if i < 0 {
		return domain.Stage{}, StageNotFoundError{StageID: id}
	}
	b.stages[i].WIPLimit = copyInt(limit)
	b.log.WithFields(logrus.Fields{"stage_id": id, "actor": actingUser}).Debug("stage wip limit set")
	st := b.stages[i]
	st.WIPLimit = copyInt(st.WIPLimit)
	return st, nil
}

// ReorderStage moves a stage to toIndex (clamped) and renumbers all orders
// densely. Moving to the current index is a no-op.
func (b *Board) ReorderStage(id string, toIndex int, actingUser string) ([]domain.Stage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	from := b.stageIndex(id)
	if from < 0 {
		return nil, StageNotFoundError{StageID: id}
	}
	toIndex = clamp(toIndex, 0, len(b.stages)-1)
	if toIndex == from {
		return b.listStages(), nil
	}
	st := b.stages[from]
	rest := make([]domain.Stage, 0, len(b.stages))
	rest = append(rest, b.stages[:from]...)
	rest = append(rest, b.stages[from+1:]...)
	b.stages = insertAt(rest, toIndex, st)
	b.renumberStages()
	b.log.WithFields(logrus.Fields{"stage_id": id, "to": toIndex, "actor": actingUser}).Debug("stage reordered")
	return b.listStages(), nil
}

// DeleteStage removes a stage. Its deals are appended, in order, to the end
// of the first remaining stage and each gets a stage activity entry.
func (b *Board) DeleteStage(id, actingUser string) (DeleteStageResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := b.stageIndex(id)
	if i < 0 {
		return DeleteStageResult{}, StageNotFoundError{StageID: id}
	}
	if len(b.stages) == 1 {
		return DeleteStageResult{}, LastStageError{StageID: id}
	}
	removed := b.stages[i]
	b.stages = append(b.stages[:i:i], b.stages[i+1:]...)
	b.renumberStages()
	target := b.stages[0]

	orphans := b.columns[id]
	delete(b.columns, id)
	b.columns[target.ID] = append(append([]string(nil), b.columns[target.ID]...), orphans...)
	b.syncColumn(target.ID)

	res := DeleteStageResult{Removed: removed, Target: target}
	msg := fmt.Sprintf("Moved to %s (stage %s deleted)", target.Name, removed.Name)
	for _, dealID := range orphans {
		d := b.deals[dealID]
		b.settleClosedAt(d)
		res.Reassigned = append(res.Reassigned, cloneDeal(*d))
		res.Activity = append(res.Activity, b.record(dealID, domain.ActivityStage, msg, actingUser))
	}
	b.log.WithFields(logrus.Fields{
		"stage_id":   id,
		"target":     target.ID,
		"reassigned": len(orphans),
		"actor":      actingUser,
	}).Info("stage deleted")
	return res, nil
}

func (b *Board) nameTaken(name, exceptID string) bool {
	key := domain.NormalizeName(name)
	for _, st := range b.stages {
		if st.ID != exceptID && domain.NormalizeName(st.Name) == key {
			return true
		}
	}
	return false
}

func (b *Board) renumberStages() {
	for i := range b.stages {
		b.stages[i].Order = i
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func insertAt[T any](items []T, idx int, v T) []T {
	out := make([]T, 0, len(items)+1)
	out = append(out, items[:idx]...)
	out = append(out, v)
	return append(out, items[idx:]...)
}
