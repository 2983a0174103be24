package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"dealboard/internal/board"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default("board-1")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Board.ID != "board-1" || len(cfg.Stages) != 6 {
		t.Fatalf("unexpected default %+v", cfg)
	}
	p := cfg.Policy()
	if p.WIP != board.WIPAllow || p.WonStage != "Won" || p.LostStage != "Lost" {
		t.Fatalf("unexpected policy %+v", p)
	}
	w := cfg.Weights()
	if w.StageWeight("Negotiation") != 0.6 || w.ActivityMax != 10 || w.ValueMax.String() != "20000" {
		t.Fatalf("unexpected weights %+v", w)
	}
	if cfg.HeatmapMonths() != 6 {
		t.Fatalf("expected 6 months heatmap")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"missing board id": "stages:\n  - name: New\n",
		"no stages":        "board:\n  id: b\n",
		"duplicate stage":  "board:\n  id: b\nstages:\n  - name: New\n  - name: new\n",
		"bad wip policy":   "board:\n  id: b\nstages:\n  - name: New\nwip:\n  policy: block\n",
		"bad value max":    "board:\n  id: b\nstages:\n  - name: New\nscoring:\n  value_max: abc\n",
		"weight range":     "board:\n  id: b\nstages:\n  - name: New\nscoring:\n  stage_weights:\n    new: 1.5\n",
		"gcs no bucket":    "board:\n  id: b\nstages:\n  - name: New\nattachments:\n  storage: gcs\n",
		"webhook no url":   "board:\n  id: b\nstages:\n  - name: New\nwebhooks:\n  - id: w1\n",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := FromYAML([]byte(raw)); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLoadOptionalAndOverrides(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil || cfg != nil {
		t.Fatalf("expected nil config for missing file, got %v %v", cfg, err)
	}
	raw := strings.Join([]string{
		"board:",
		"  id: b1",
		"stages:",
		"  - name: Lead",
		"    wip_limit: 3",
		"  - name: Closed Won",
		"terminal:",
		"  won: Closed Won",
		"wip:",
		"  policy: reject",
		"scoring:",
		"  stage_weights:",
		"    Lead: 0.1",
	}, "\n")
	if err := os.WriteFile(filepath.Join(dir, "dealboard.yml"), []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = LoadOptional(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if *cfg.Stages[0].WIPLimit != 3 {
		t.Fatalf("expected wip limit 3")
	}
	p := cfg.Policy()
	if p.WIP != board.WIPReject || p.WonStage != "Closed Won" || p.LostStage != "Lost" {
		t.Fatalf("unexpected policy %+v", p)
	}
	w := cfg.Weights()
	if w.StageWeight("lead") != 0.1 || w.StageWeight("new") != w.Default || w.WonStage != "Closed Won" {
		t.Fatalf("unexpected weights %+v", w)
	}
	out, err := cfg.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	again, err := FromYAML(out)
	if err != nil || again.Board.ID != "b1" {
		t.Fatalf("re-read marshalled config: %v", err)
	}
}
