// Package board holds the in-memory pipeline: the stage registry, the deal
// store with its per-stage ordered columns, the move engine and the per-deal
// activity logs. Every mutation is validated before any state changes, so a
// failed call leaves the board untouched.
package board

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"dealboard/internal/blob"
	"dealboard/internal/domain"
)

// WIP limit policies.
const (
	WIPAllow  = "allow"
	WIPWarn   = "warn"
	WIPReject = "reject"
)

// Policy holds the configurable rules of a board.
type Policy struct {
	WIP       string
	WonStage  string
	LostStage string
}

// DefaultPolicy allows moves past WIP limits and treats "Won"/"Lost" as terminal.
func DefaultPolicy() Policy {
	return Policy{WIP: WIPAllow, WonStage: "Won", LostStage: "Lost"}
}

type Options struct {
	Policy Policy
	Blobs  blob.Store
	Logger logrus.FieldLogger
	Now    func() time.Time
	NewID  func() string
}

// Board is one editing session's board state. It is safe for concurrent use;
// attachment uploads complete on their own goroutines.
type Board struct {
	mu     sync.Mutex
	policy Policy
	blobs  blob.Store
	log    logrus.FieldLogger
	now    func() time.Time
	newID  func() string

	stages      []domain.Stage
	columns     map[string][]string
	deals       map[string]*domain.Deal
	comments    map[string][]domain.Comment
	attachments map[string][]domain.Attachment
	activity    map[string][]domain.ActivityEntry
	seq         int64
}

func New(opts Options) *Board {
	b := &Board{
		policy: opts.Policy,
		blobs:  opts.Blobs,
		log:    opts.Logger,
		now:    opts.Now,
		newID:  opts.NewID,
	}
	if b.policy.WIP == "" {
		b.policy.WIP = WIPAllow
	}
	if b.log == nil {
		b.log = logrus.StandardLogger()
	}
	if b.now == nil {
		b.now = time.Now
	}
	if b.newID == nil {
		b.newID = func() string { return uuid.New().String() }
	}
	b.reset()
	return b
}

func (b *Board) reset() {
	b.stages = nil
	b.columns = map[string][]string{}
	b.deals = map[string]*domain.Deal{}
	b.comments = map[string][]domain.Comment{}
	b.attachments = map[string][]domain.Attachment{}
	b.activity = map[string][]domain.ActivityEntry{}
	b.seq = 0
}

// Policy returns the board's rules.
func (b *Board) Policy() Policy {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.policy
}

// SetPolicy replaces the board's rules. Deals already in a stage that becomes
// terminal (or stops being one) get their close time settled.
func (b *Board) SetPolicy(p Policy) {
	if p.WIP == "" {
		p.WIP = WIPAllow
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.policy = p
	for _, d := range b.deals {
		b.settleClosedAt(d)
	}
}

// Load validates s and replaces the whole board with it. It is the refetch
// path: whatever was held locally is discarded.
func (b *Board) Load(s domain.Snapshot) error {
	if err := s.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reset()
	b.stages = append([]domain.Stage(nil), s.Stages...)
	sort.Slice(b.stages, func(i, j int) bool { return b.stages[i].Order < b.stages[j].Order })
	for i := range b.stages {
		b.stages[i].WIPLimit = copyInt(b.stages[i].WIPLimit)
		b.columns[b.stages[i].ID] = nil
	}
	deals := append([]domain.Deal(nil), s.Deals...)
	sort.SliceStable(deals, func(i, j int) bool { return deals[i].Position < deals[j].Position })
	for _, d := range deals {
		d := cloneDeal(d)
		b.deals[d.ID] = &d
		b.columns[d.StageID] = append(b.columns[d.StageID], d.ID)
	}
	// snapshots list newest-first; the board keeps insertion order
	for i := len(s.Comments) - 1; i >= 0; i-- {
		c := s.Comments[i]
		b.comments[c.DealID] = append(b.comments[c.DealID], c)
	}
	for i := len(s.Attachments) - 1; i >= 0; i-- {
		a := s.Attachments[i]
		b.attachments[a.DealID] = append(b.attachments[a.DealID], a)
	}
	entries := append([]domain.ActivityEntry(nil), s.Activity...)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
	for _, e := range entries {
		b.activity[e.DealID] = append(b.activity[e.DealID], e)
		if e.Seq > b.seq {
			b.seq = e.Seq
		}
	}
	return nil
}

// Snapshot returns a deep copy of the board.
func (b *Board) Snapshot() domain.Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := domain.Snapshot{
		Stages:      b.listStages(),
		Deals:       []domain.Deal{},
		Comments:    []domain.Comment{},
		Attachments: []domain.Attachment{},
		Activity:    []domain.ActivityEntry{},
	}
	for _, st := range b.stages {
		for _, id := range b.columns[st.ID] {
			s.Deals = append(s.Deals, cloneDeal(*b.deals[id]))
		}
	}
	for _, d := range s.Deals {
		s.Comments = append(s.Comments, newestFirst(b.comments[d.ID])...)
		s.Attachments = append(s.Attachments, newestFirst(b.attachments[d.ID])...)
	}
	for _, entries := range b.activity {
		s.Activity = append(s.Activity, entries...)
	}
	sort.Slice(s.Activity, func(i, j int) bool { return s.Activity[i].Seq > s.Activity[j].Seq })
	return s
}

// record appends an activity entry. Callers hold b.mu.
func (b *Board) record(dealID, typ, message, user string) domain.ActivityEntry {
	b.seq++
	e := domain.ActivityEntry{
		ID:        b.newID(),
		Seq:       b.seq,
		DealID:    dealID,
		Type:      typ,
		Message:   message,
		Timestamp: b.now().UTC(),
		User:      user,
	}
	b.activity[dealID] = append(b.activity[dealID], e)
	return e
}

// syncColumn rewrites stage id and dense positions of every deal in a column.
func (b *Board) syncColumn(stageID string) {
	for i, id := range b.columns[stageID] {
		d := b.deals[id]
		d.StageID = stageID
		d.Position = i
	}
}

func (b *Board) stageIndex(id string) int {
	for i, st := range b.stages {
		if st.ID == id {
			return i
		}
	}
	return -1
}

func (b *Board) stageName(id string) string {
	if i := b.stageIndex(id); i >= 0 {
		return b.stages[i].Name
	}
	return ""
}

func (b *Board) isWon(stageID string) bool {
	return strings.EqualFold(b.stageName(stageID), b.policy.WonStage)
}

func (b *Board) isTerminal(stageID string) bool {
	name := b.stageName(stageID)
	return strings.EqualFold(name, b.policy.WonStage) || strings.EqualFold(name, b.policy.LostStage)
}

// settleClosedAt keeps ClosedAt in step with terminal stage membership.
func (b *Board) settleClosedAt(d *domain.Deal) {
	switch {
	case b.isTerminal(d.StageID) && d.ClosedAt == nil:
		now := b.now().UTC()
		d.ClosedAt = &now
	case !b.isTerminal(d.StageID):
		d.ClosedAt = nil
	}
}

func cloneDeal(d domain.Deal) domain.Deal {
	d.Tags = append([]string(nil), d.Tags...)
	d.Watchers = append([]string(nil), d.Watchers...)
	d.ReminderDate = copyTime(d.ReminderDate)
	d.ClosedAt = copyTime(d.ClosedAt)
	return d
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}
	n := *v
	return &n
}

func newestFirst[T any](items []T) []T {
	out := make([]T, 0, len(items))
	for i := len(items) - 1; i >= 0; i-- {
		out = append(out, items[i])
	}
	return out
}

// normalizeSet trims, drops blanks, de-duplicates and sorts.
func normalizeSet(items []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, it := range items {
		it = strings.TrimSpace(it)
		if it == "" || seen[it] {
			continue
		}
		seen[it] = true
		out = append(out, it)
	}
	sort.Strings(out)
	return out
}
