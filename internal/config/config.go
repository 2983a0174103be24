package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"dealboard/internal/board"
	"dealboard/internal/scoring"
)

// Config models dealboard.yml.
type Config struct {
	Board struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"board"`
	Stages   []StageConfig `yaml:"stages"`
	Terminal struct {
		Won  string `yaml:"won"`
		Lost string `yaml:"lost"`
	} `yaml:"terminal"`
	WIP struct {
		Policy string `yaml:"policy"`
	} `yaml:"wip"`
	Scoring struct {
		DefaultWeight float64            `yaml:"default_weight"`
		ValueMax      string             `yaml:"value_max"`
		ActivityMax   int                `yaml:"activity_max"`
		StageWeights  map[string]float64 `yaml:"stage_weights"`
	} `yaml:"scoring"`
	Analytics struct {
		HeatmapMonths int    `yaml:"heatmap_months"`
		Timezone      string `yaml:"timezone"`
	} `yaml:"analytics"`
	Attachments struct {
		Storage   string `yaml:"storage"`
		LocalDir  string `yaml:"local_dir"`
		GCSBucket string `yaml:"gcs_bucket"`
	} `yaml:"attachments"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type StageConfig struct {
	Name     string `yaml:"name"`
	WIPLimit *int   `yaml:"wip_limit,omitempty"`
}

type WebhookConfig struct {
	ID             string   `yaml:"id"`
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
}

// Attachment storage backends.
const (
	StorageLocal = "local"
	StorageGCS   = "gcs"
)

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Board.ID == "" {
		return fmt.Errorf("config.board.id is required")
	}
	if len(c.Stages) == 0 {
		return fmt.Errorf("config.stages needs at least one stage")
	}
	seen := map[string]bool{}
	for i, st := range c.Stages {
		name := strings.ToLower(strings.TrimSpace(st.Name))
		if name == "" {
			return fmt.Errorf("config.stages[%d].name is required", i)
		}
		if seen[name] {
			return fmt.Errorf("config.stages has duplicate name %q", st.Name)
		}
		seen[name] = true
		if st.WIPLimit != nil && *st.WIPLimit < 0 {
			return fmt.Errorf("config.stages[%d].wip_limit must be >= 0", i)
		}
	}
	switch c.WIP.Policy {
	case "", board.WIPAllow, board.WIPWarn, board.WIPReject:
	default:
		return fmt.Errorf("config.wip.policy must be one of allow, warn, reject")
	}
	if c.Scoring.ValueMax != "" {
		v, err := decimal.NewFromString(c.Scoring.ValueMax)
		if err != nil {
			return fmt.Errorf("config.scoring.value_max: %w", err)
		}
		if !v.IsPositive() {
			return fmt.Errorf("config.scoring.value_max must be > 0")
		}
	}
	if c.Scoring.ActivityMax < 0 {
		return fmt.Errorf("config.scoring.activity_max must be >= 0")
	}
	for name, w := range c.Scoring.StageWeights {
		if w < 0 || w > 1 {
			return fmt.Errorf("config.scoring.stage_weights[%s] must be within [0,1]", name)
		}
	}
	if c.Scoring.DefaultWeight < 0 || c.Scoring.DefaultWeight > 1 {
		return fmt.Errorf("config.scoring.default_weight must be within [0,1]")
	}
	if c.Analytics.HeatmapMonths < 0 {
		return fmt.Errorf("config.analytics.heatmap_months must be >= 0")
	}
	if c.Analytics.Timezone != "" {
		if _, err := time.LoadLocation(c.Analytics.Timezone); err != nil {
			return fmt.Errorf("config.analytics.timezone: %w", err)
		}
	}
	switch c.Attachments.Storage {
	case "", StorageLocal:
	case StorageGCS:
		if c.Attachments.GCSBucket == "" {
			return fmt.Errorf("config.attachments.gcs_bucket is required for gcs storage")
		}
	default:
		return fmt.Errorf("config.attachments.storage must be local or gcs")
	}
	for i, wh := range c.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Policy maps the config onto the board's rules.
func (c *Config) Policy() board.Policy {
	p := board.DefaultPolicy()
	if c.WIP.Policy != "" {
		p.WIP = c.WIP.Policy
	}
	if c.Terminal.Won != "" {
		p.WonStage = c.Terminal.Won
	}
	if c.Terminal.Lost != "" {
		p.LostStage = c.Terminal.Lost
	}
	return p
}

// Weights maps the config onto the scoring weights. Unset values keep the
// reference defaults.
func (c *Config) Weights() scoring.Weights {
	w := scoring.DefaultWeights()
	p := c.Policy()
	w.WonStage, w.LostStage = p.WonStage, p.LostStage
	if c.Scoring.DefaultWeight > 0 {
		w.Default = c.Scoring.DefaultWeight
	}
	if v, err := decimal.NewFromString(c.Scoring.ValueMax); err == nil && v.IsPositive() {
		w.ValueMax = v
	}
	if c.Scoring.ActivityMax > 0 {
		w.ActivityMax = c.Scoring.ActivityMax
	}
	if len(c.Scoring.StageWeights) > 0 {
		w.Stages = make(map[string]float64, len(c.Scoring.StageWeights))
		for name, v := range c.Scoring.StageWeights {
			w.Stages[strings.ToLower(strings.TrimSpace(name))] = v
		}
	}
	return w
}

// HeatmapMonths returns the activity heatmap window.
func (c *Config) HeatmapMonths() int {
	if c.Analytics.HeatmapMonths == 0 {
		return 6
	}
	return c.Analytics.HeatmapMonths
}

// Location returns the analytics timezone, UTC when unset or unknown.
func (c *Config) Location() *time.Location {
	if c.Analytics.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Analytics.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "dealboard.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(boardID string) string {
	return fmt.Sprintf(defaultTemplate, boardID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a board.
func Default(boardID string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(GenerateDefault(boardID)), &cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Marshal renders the config as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

const defaultTemplate = `board:
  id: %s
  name: Sales pipeline

stages:
  - name: New
  - name: Qualified
  - name: Proposal
  - name: Negotiation
  - name: Won
  - name: Lost

terminal:
  won: Won
  lost: Lost

wip:
  policy: allow

scoring:
  default_weight: 0.3
  value_max: "20000"
  activity_max: 10
  stage_weights:
    new: 0.2
    qualified: 0.3
    proposal: 0.45
    negotiation: 0.6

analytics:
  heatmap_months: 6
  timezone: UTC

attachments:
  storage: local
  local_dir: attachments
`
