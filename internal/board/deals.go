package board

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"dealboard/internal/domain"
)

// DealInput describes a new deal. StageID defaults to the first stage.
type DealInput struct {
	ID           string
	Title        string
	Value        decimal.Decimal
	OwnerID      string
	StageID      string
	Tags         []string
	Watchers     []string
	ContactName  string
	Company      string
	ReminderDate *time.Time
	CreatedAt    time.Time
}

// DealPatch holds the editable deal fields. Nil fields are left alone.
type DealPatch struct {
	Title         *string
	Value         *decimal.Decimal
	OwnerID       *string
	Tags          *[]string
	Watchers      *[]string
	ContactName   *string
	Company       *string
	ReminderDate  *time.Time
	ClearReminder bool
}

// CreateDeal appends a deal at the end of its stage.
func (b *Board) CreateDeal(in DealInput, actingUser string) (domain.Deal, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return domain.Deal{}, ErrTitleRequired
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.stages) == 0 {
		return domain.Deal{}, ErrNoStages
	}
	stageID := in.StageID
	if stageID == "" {
		stageID = b.stages[0].ID
	}
	if b.stageIndex(stageID) < 0 {
		return domain.Deal{}, StageNotFoundError{StageID: stageID}
	}
	id := in.ID
	if id == "" {
		id = b.newID()
	}
	if _, ok := b.deals[id]; ok {
		return domain.Deal{}, DealExistsError{DealID: id}
	}
	warning, err := b.checkWIP(stageID, len(b.columns[stageID])+1)
	if err != nil {
		return domain.Deal{}, err
	}
	created := in.CreatedAt
	if created.IsZero() {
		created = b.now()
	}
	d := &domain.Deal{
		ID:           id,
		Title:        title,
		Value:        in.Value,
		OwnerID:      strings.TrimSpace(in.OwnerID),
		Tags:         normalizeSet(in.Tags),
		Watchers:     normalizeSet(in.Watchers),
		ContactName:  strings.TrimSpace(in.ContactName),
		Company:      strings.TrimSpace(in.Company),
		ReminderDate: copyTime(in.ReminderDate),
		CreatedAt:    created.UTC(),
	}
	b.deals[id] = d
	b.columns[stageID] = append(b.columns[stageID], id)
	b.syncColumn(stageID)
	b.settleClosedAt(d)
	b.record(id, domain.ActivityEdit, "Deal created in "+b.stageName(stageID), actingUser)
	if warning != "" {
		b.log.WithFields(logrus.Fields{"deal_id": id, "stage_id": stageID}).Warn(warning)
	}
	return cloneDeal(*d), nil
}

// GetDeal returns a copy of a deal.
func (b *Board) GetDeal(id string) (domain.Deal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.deals[id]
	if !ok {
		return domain.Deal{}, DealNotFoundError{DealID: id}
	}
	return cloneDeal(*d), nil
}

// StageDeals returns the deals of a stage in position order.
func (b *Board) StageDeals(stageID string) ([]domain.Deal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stageIndex(stageID) < 0 {
		return nil, StageNotFoundError{StageID: stageID}
	}
	return b.columnDeals(stageID), nil
}

// DealAt returns the deal rendered at index in a stage column.
func (b *Board) DealAt(stageID string, index int) (domain.Deal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stageIndex(stageID) < 0 {
		return domain.Deal{}, StageNotFoundError{StageID: stageID}
	}
	col := b.columns[stageID]
	if index < 0 || index >= len(col) {
		return domain.Deal{}, InvalidMoveTargetError{StageID: stageID, Index: index}
	}
	return cloneDeal(*b.deals[col[index]]), nil
}

// UpdateDeal applies p and records one edit entry naming the changed fields.
func (b *Board) UpdateDeal(id string, p DealPatch, actingUser string) (domain.Deal, error) {
	if p.Title != nil && strings.TrimSpace(*p.Title) == "" {
		return domain.Deal{}, ErrTitleRequired
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	cur, ok := b.deals[id]
	if !ok {
		return domain.Deal{}, DealNotFoundError{DealID: id}
	}
	next := cloneDeal(*cur)
	var changed []string
	setString := func(field string, dst *string, v *string) {
		if v == nil {
			return
		}
		s := strings.TrimSpace(*v)
		if s != *dst {
			*dst = s
			changed = append(changed, field)
		}
	}
	setSet := func(field string, dst *[]string, v *[]string) {
		if v == nil {
			return
		}
		s := normalizeSet(*v)
		if !equalStrings(s, *dst) {
			*dst = s
			changed = append(changed, field)
		}
	}
	setString("title", &next.Title, p.Title)
	if p.Value != nil && !p.Value.Equal(next.Value) {
		next.Value = *p.Value
		changed = append(changed, "value")
	}
	setString("owner", &next.OwnerID, p.OwnerID)
	setSet("tags", &next.Tags, p.Tags)
	setSet("watchers", &next.Watchers, p.Watchers)
	setString("contact", &next.ContactName, p.ContactName)
	setString("company", &next.Company, p.Company)
	switch {
	case p.ClearReminder && next.ReminderDate != nil:
		next.ReminderDate = nil
		changed = append(changed, "reminder")
	case p.ReminderDate != nil && (next.ReminderDate == nil || !next.ReminderDate.Equal(*p.ReminderDate)):
		next.ReminderDate = copyTime(p.ReminderDate)
		changed = append(changed, "reminder")
	}
	if len(changed) == 0 {
		return next, nil
	}
	*cur = next
	b.record(id, domain.ActivityEdit, "Updated "+strings.Join(changed, ", "), actingUser)
	return cloneDeal(*cur), nil
}

// ActivitySince returns every entry with a sequence number above seq, oldest
// first. Entries of deleted deals are included.
func (b *Board) ActivitySince(seq int64) []domain.ActivityEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.ActivityEntry
	for _, entries := range b.activity {
		for _, e := range entries {
			if e.Seq > seq {
				out = append(out, e)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// LastSeq returns the sequence number of the newest activity entry.
func (b *Board) LastSeq() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

func (b *Board) columnDeals(stageID string) []domain.Deal {
	col := b.columns[stageID]
	out := make([]domain.Deal, 0, len(col))
	for _, id := range col {
		out = append(out, cloneDeal(*b.deals[id]))
	}
	return out
}

// checkWIP applies the WIP policy to a stage that would hold count deals.
func (b *Board) checkWIP(stageID string, count int) (string, error) {
	i := b.stageIndex(stageID)
	if i < 0 || b.stages[i].WIPLimit == nil {
		return "", nil
	}
	limit := *b.stages[i].WIPLimit
	if count <= limit {
		return "", nil
	}
	switch b.policy.WIP {
	case WIPReject:
		return "", WipLimitExceededError{StageID: stageID, Limit: limit}
	case WIPWarn:
		return fmt.Sprintf("stage %s holds %d deals, over its WIP limit of %d", b.stages[i].Name, count, limit), nil
	}
	return "", nil
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
