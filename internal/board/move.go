package board

import (
	"github.com/sirupsen/logrus"

	"dealboard/internal/domain"
)

// MoveResult reports what a MoveDeal call did. Moved is false for a no-op.
type MoveResult struct {
	Deal     domain.Deal
	Moved    bool
	Affected []domain.Deal
	Entry    *domain.ActivityEntry
	Warning  string
}

// movePlan is the column layout after a move. Only the touched columns are
// present and each is a fresh slice.
type movePlan struct {
	from, to       string
	source, target []string
	index          int
}

// planMove removes the deal at fromIndex of the source column and inserts it
// into the target column at toIndex clamped to [0, len(target)]. It never
// writes into the input slices.
func planMove(source []string, fromIndex int, target []string, sameStage bool, toIndex int) (newSource, newTarget []string, index int) {
	dealID := source[fromIndex]
	newSource = make([]string, 0, len(source))
	newSource = append(newSource, source[:fromIndex]...)
	newSource = append(newSource, source[fromIndex+1:]...)
	if sameStage {
		target = newSource
	}
	index = clamp(toIndex, 0, len(target))
	newTarget = insertAt(target, index, dealID)
	if sameStage {
		newSource = newTarget
	}
	return newSource, newTarget, index
}

// MoveDeal moves a deal to toIndex of a stage. A move to the deal's current
// slot leaves the board untouched. A cross-stage move records a stage entry;
// a reorder within a stage is silent.
func (b *Board) MoveDeal(dealID, toStageID string, toIndex int, actingUser string) (MoveResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	d, ok := b.deals[dealID]
	if !ok {
		return MoveResult{}, DealNotFoundError{DealID: dealID}
	}
	if b.stageIndex(toStageID) < 0 {
		return MoveResult{}, InvalidMoveTargetError{StageID: toStageID, Index: toIndex}
	}
	fromStageID, fromIndex := d.StageID, d.Position
	if fromStageID == toStageID && fromIndex == toIndex {
		return MoveResult{Deal: cloneDeal(*d)}, nil
	}

	sameStage := fromStageID == toStageID
	var warning string
	if !sameStage {
		w, err := b.checkWIP(toStageID, len(b.columns[toStageID])+1)
		if err != nil {
			return MoveResult{}, err
		}
		warning = w
	}

	p := movePlan{from: fromStageID, to: toStageID}
	p.source, p.target, p.index = planMove(b.columns[fromStageID], fromIndex, b.columns[toStageID], sameStage, toIndex)
	if sameStage && p.index == fromIndex {
		return MoveResult{Deal: cloneDeal(*d)}, nil
	}
	b.commit(p)
	b.settleClosedAt(d)

	res := MoveResult{Moved: true, Warning: warning}
	res.Affected = b.columnDeals(toStageID)
	if !sameStage {
		res.Affected = append(b.columnDeals(fromStageID), res.Affected...)
		e := b.record(dealID, domain.ActivityStage, "Moved to "+b.stageName(toStageID), actingUser)
		res.Entry = &e
	}
	res.Deal = cloneDeal(*d)

	fields := logrus.Fields{"deal_id": dealID, "from": fromStageID, "to": toStageID, "index": p.index, "actor": actingUser}
	if warning != "" {
		b.log.WithFields(fields).Warn(warning)
	} else {
		b.log.WithFields(fields).Debug("deal moved")
	}
	return res, nil
}

func (b *Board) commit(p movePlan) {
	b.columns[p.from] = p.source
	b.columns[p.to] = p.target
	b.syncColumn(p.from)
	if p.to != p.from {
		b.syncColumn(p.to)
	}
}
