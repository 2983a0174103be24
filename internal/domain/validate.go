package domain

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks the canonical schema and the structural board invariants:
// at least one stage, dense stage orders, unique stage names, every deal in a
// live stage with dense positions, and comments/attachments on live deals.
// Activity may reference deleted deals.
func (s Snapshot) Validate() error {
	if err := structValidator().Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("invalid snapshot: %s failed %q", verrs[0].Namespace(), verrs[0].Tag())
		}
		return fmt.Errorf("invalid snapshot: %w", err)
	}
	if len(s.Stages) == 0 {
		return errors.New("invalid snapshot: at least one stage required")
	}
	stageIDs := make(map[string]bool, len(s.Stages))
	names := make(map[string]bool, len(s.Stages))
	orders := make([]bool, len(s.Stages))
	for _, st := range s.Stages {
		if stageIDs[st.ID] {
			return fmt.Errorf("invalid snapshot: duplicate stage id %s", st.ID)
		}
		stageIDs[st.ID] = true
		key := NormalizeName(st.Name)
		if names[key] {
			return fmt.Errorf("invalid snapshot: duplicate stage name %q", st.Name)
		}
		names[key] = true
		if st.Order >= len(s.Stages) || orders[st.Order] {
			return fmt.Errorf("invalid snapshot: stage orders must be dense 0..%d", len(s.Stages)-1)
		}
		orders[st.Order] = true
	}
	dealIDs := make(map[string]bool, len(s.Deals))
	positions := map[string][]bool{}
	for _, d := range s.Deals {
		if dealIDs[d.ID] {
			return fmt.Errorf("invalid snapshot: duplicate deal id %s", d.ID)
		}
		dealIDs[d.ID] = true
		if !stageIDs[d.StageID] {
			return fmt.Errorf("invalid snapshot: deal %s references unknown stage %s", d.ID, d.StageID)
		}
		if d.Position < 0 || d.Position >= len(s.Deals) {
			return fmt.Errorf("invalid snapshot: deal %s position %d out of range", d.ID, d.Position)
		}
		seen := positions[d.StageID]
		for len(seen) <= d.Position {
			seen = append(seen, false)
		}
		if seen[d.Position] {
			return fmt.Errorf("invalid snapshot: duplicate position %d in stage %s", d.Position, d.StageID)
		}
		seen[d.Position] = true
		positions[d.StageID] = seen
	}
	for stageID, seen := range positions {
		for pos, ok := range seen {
			if !ok {
				return fmt.Errorf("invalid snapshot: gap at position %d in stage %s", pos, stageID)
			}
		}
	}
	for _, c := range s.Comments {
		if !dealIDs[c.DealID] {
			return fmt.Errorf("invalid snapshot: comment %s references unknown deal %s", c.ID, c.DealID)
		}
	}
	for _, a := range s.Attachments {
		if !dealIDs[a.DealID] {
			return fmt.Errorf("invalid snapshot: attachment %s references unknown deal %s", a.ID, a.DealID)
		}
	}
	seqs := make(map[int64]bool, len(s.Activity))
	for _, e := range s.Activity {
		if seqs[e.Seq] {
			return fmt.Errorf("invalid snapshot: duplicate activity seq %d", e.Seq)
		}
		seqs[e.Seq] = true
	}
	return nil
}

// NormalizeName is the case-insensitive key used for stage name uniqueness.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
