// Package analytics derives pipeline reports from a board snapshot. Every
// report is recomputed from scratch; empty boards give zero values.
package analytics

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"dealboard/internal/domain"
)

const dayLayout = "2006-01-02"

type FunnelStep struct {
	StageID        string          `json:"stage_id"`
	Stage          string          `json:"stage"`
	Count          int             `json:"count"`
	NextStageCount int             `json:"next_stage_count"`
	Conversion     float64         `json:"conversion"`
	TotalValue     decimal.Decimal `json:"total_value"`
}

type StageAverage struct {
	StageID string          `json:"stage_id"`
	Stage   string          `json:"stage"`
	Average decimal.Decimal `json:"average"`
}

type OwnerStats struct {
	OwnerID    string          `json:"owner_id"`
	Deals      int             `json:"deals"`
	Won        int             `json:"won"`
	TotalValue decimal.Decimal `json:"total_value"`
}

type DayCount struct {
	Day   string `json:"day"`
	Count int    `json:"count"`
}

type TypeCount struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

type MonthVelocity struct {
	Month       string  `json:"month"`
	Deals       int     `json:"deals"`
	AverageDays float64 `json:"average_days"`
}

// Report bundles every aggregation.
type Report struct {
	Funnel          []FunnelStep    `json:"funnel"`
	AverageDealSize []StageAverage  `json:"average_deal_size"`
	Leaderboard     []OwnerStats    `json:"leaderboard"`
	ActivityByDay   []DayCount      `json:"activity_by_day"`
	ActivityByHour  [24]int         `json:"activity_by_hour"`
	ActivityByType  []TypeCount     `json:"activity_by_type"`
	Velocity        []MonthVelocity `json:"velocity"`
}

type Options struct {
	Now          time.Time
	WindowMonths int
	WonStage     string
	Location     *time.Location
}

// Compute runs every aggregation over s.
func Compute(s domain.Snapshot, opts Options) Report {
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	won := wonStageIDs(s.Stages, opts.WonStage)
	return Report{
		Funnel:          Funnel(s),
		AverageDealSize: AverageDealSize(s),
		Leaderboard:     Leaderboard(s.Deals, won),
		ActivityByDay:   ActivityByDay(s.Activity, opts.Now, opts.WindowMonths, loc),
		ActivityByHour:  ActivityByHour(s.Activity, loc),
		ActivityByType:  ActivityByType(s.Activity),
		Velocity:        Velocity(s.Deals, won),
	}
}

func orderedStages(stages []domain.Stage) []domain.Stage {
	out := append([]domain.Stage(nil), stages...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

func wonStageIDs(stages []domain.Stage, wonName string) map[string]bool {
	out := map[string]bool{}
	for _, st := range stages {
		if wonName != "" && strings.EqualFold(st.Name, wonName) {
			out[st.ID] = true
		}
	}
	return out
}

// Funnel returns one step per stage in stage order.
func Funnel(s domain.Snapshot) []FunnelStep {
	stages := orderedStages(s.Stages)
	counts := map[string]int{}
	totals := map[string]decimal.Decimal{}
	for _, d := range s.Deals {
		counts[d.StageID]++
		totals[d.StageID] = totals[d.StageID].Add(d.Value)
	}
	out := make([]FunnelStep, len(stages))
	for i, st := range stages {
		step := FunnelStep{
			StageID:    st.ID,
			Stage:      st.Name,
			Count:      counts[st.ID],
			TotalValue: totals[st.ID],
		}
		if i+1 < len(stages) {
			step.NextStageCount = counts[stages[i+1].ID]
		}
		if step.Count > 0 {
			step.Conversion = float64(step.NextStageCount) / float64(step.Count)
		}
		out[i] = step
	}
	return out
}

// AverageDealSize returns the mean deal value per stage, zero for empty stages.
func AverageDealSize(s domain.Snapshot) []StageAverage {
	stages := orderedStages(s.Stages)
	sums := map[string]decimal.Decimal{}
	counts := map[string]int64{}
	for _, d := range s.Deals {
		sums[d.StageID] = sums[d.StageID].Add(d.Value)
		counts[d.StageID]++
	}
	out := make([]StageAverage, len(stages))
	for i, st := range stages {
		avg := decimal.Zero
		if n := counts[st.ID]; n > 0 {
			avg = sums[st.ID].Div(decimal.NewFromInt(n))
		}
		out[i] = StageAverage{StageID: st.ID, Stage: st.Name, Average: avg}
	}
	return out
}

// Leaderboard groups deals by owner, highest total value first.
func Leaderboard(deals []domain.Deal, wonStages map[string]bool) []OwnerStats {
	byOwner := map[string]*OwnerStats{}
	for _, d := range deals {
		st, ok := byOwner[d.OwnerID]
		if !ok {
			st = &OwnerStats{OwnerID: d.OwnerID, TotalValue: decimal.Zero}
			byOwner[d.OwnerID] = st
		}
		st.Deals++
		st.TotalValue = st.TotalValue.Add(d.Value)
		if wonStages[d.StageID] {
			st.Won++
		}
	}
	out := make([]OwnerStats, 0, len(byOwner))
	for _, st := range byOwner {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].TotalValue.Cmp(out[j].TotalValue); c != 0 {
			return c > 0
		}
		return out[i].OwnerID < out[j].OwnerID
	})
	return out
}

// ActivityByDay counts entries per calendar day over the trailing window of
// months ending at now. Every day in the window is present, oldest first.
func ActivityByDay(entries []domain.ActivityEntry, now time.Time, months int, loc *time.Location) []DayCount {
	if months <= 0 || now.IsZero() {
		return []DayCount{}
	}
	end := truncateDay(now.In(loc))
	start := end.AddDate(0, -months, 1)
	counts := map[string]int{}
	for _, e := range entries {
		day := truncateDay(e.Timestamp.In(loc))
		if day.Before(start) || day.After(end) {
			continue
		}
		counts[day.Format(dayLayout)]++
	}
	var out []DayCount
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		key := d.Format(dayLayout)
		out = append(out, DayCount{Day: key, Count: counts[key]})
	}
	return out
}

// ActivityByHour counts entries per hour of day.
func ActivityByHour(entries []domain.ActivityEntry, loc *time.Location) [24]int {
	var out [24]int
	for _, e := range entries {
		out[e.Timestamp.In(loc).Hour()]++
	}
	return out
}

// ActivityByType counts entries per type, in display order, every type listed.
func ActivityByType(entries []domain.ActivityEntry) []TypeCount {
	counts := map[string]int{}
	for _, e := range entries {
		counts[e.Type]++
	}
	out := make([]TypeCount, 0, len(domain.ActivityTypes))
	for _, typ := range domain.ActivityTypes {
		out = append(out, TypeCount{Type: typ, Count: counts[typ]})
	}
	return out
}

// Velocity averages days from creation to close for won deals, grouped by
// close month, oldest month first.
func Velocity(deals []domain.Deal, wonStages map[string]bool) []MonthVelocity {
	type acc struct {
		n    int
		days float64
	}
	byMonth := map[string]*acc{}
	for _, d := range deals {
		if !wonStages[d.StageID] || d.ClosedAt == nil || d.CreatedAt.IsZero() {
			continue
		}
		month := d.ClosedAt.UTC().Format("2006-01")
		a, ok := byMonth[month]
		if !ok {
			a = &acc{}
			byMonth[month] = a
		}
		a.n++
		a.days += d.ClosedAt.Sub(d.CreatedAt).Hours() / 24
	}
	out := make([]MonthVelocity, 0, len(byMonth))
	for month, a := range byMonth {
		out = append(out, MonthVelocity{Month: month, Deals: a.n, AverageDays: a.days / float64(a.n)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Month < out[j].Month })
	return out
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
