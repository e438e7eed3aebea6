/*
Package factory turns site template documents into stage graphs and
propagation settings.

PURPOSE:
  A new site needs a stage graph before any batch can be created. Rather
  than scripting CreateStage/CreateTransition calls, operators describe the
  graph once in YAML (or JSON, which YAML accepts) and Apply it.

SCHEMA:
  stages:
    - {key: veg, name: Vegetative, order: 2, terminal: false, harvest_metrics: false}
  transitions:
    - {from: veg, to: flower, auto_advance: false, requires_approval: true, approval_role: Manager}
  settings:
    daily_limit: 200            # omit for unlimited
    weekly_limit: 1000
    mother_propagation_limit: 400
    requires_override_approval: true
    approver_role: Manager
    timezone: America/Los_Angeles

IDEMPOTENCY:
  Apply matches stages by key and transitions by (from, to). Anything that
  already exists is left untouched, so applying the same template twice is
  a no-op. Settings, when present, always overwrite.

SEE ALSO:
  - templates/default.yaml: The shipped default
  - cultivation/stagegraph.go: The calls Apply makes
*/
package factory

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/warp/cultivation-engine/cultivation"
)

// =============================================================================
// TEMPLATE SCHEMA
// =============================================================================

type SiteTemplate struct {
	Stages      []StageTemplate      `yaml:"stages" json:"stages"`
	Transitions []TransitionTemplate `yaml:"transitions" json:"transitions"`
	Settings    *SettingsTemplate    `yaml:"settings,omitempty" json:"settings,omitempty"`
}

type StageTemplate struct {
	Key            string `yaml:"key" json:"key"`
	Name           string `yaml:"name" json:"name"`
	Order          int    `yaml:"order" json:"order"`
	Terminal       bool   `yaml:"terminal" json:"terminal"`
	HarvestMetrics bool   `yaml:"harvest_metrics" json:"harvest_metrics"`
}

type TransitionTemplate struct {
	From             string `yaml:"from" json:"from"`
	To               string `yaml:"to" json:"to"`
	AutoAdvance      bool   `yaml:"auto_advance" json:"auto_advance"`
	RequiresApproval bool   `yaml:"requires_approval" json:"requires_approval"`
	ApprovalRole     string `yaml:"approval_role" json:"approval_role"`
}

type SettingsTemplate struct {
	DailyLimit               *int   `yaml:"daily_limit" json:"daily_limit"`
	WeeklyLimit              *int   `yaml:"weekly_limit" json:"weekly_limit"`
	MotherPropagationLimit   *int   `yaml:"mother_propagation_limit" json:"mother_propagation_limit"`
	RequiresOverrideApproval bool   `yaml:"requires_override_approval" json:"requires_override_approval"`
	ApproverRole             string `yaml:"approver_role" json:"approver_role"`
	Timezone                 string `yaml:"timezone" json:"timezone"`
}

//go:embed templates/default.yaml
var defaultTemplate []byte

// DefaultTemplate returns the shipped clone-to-cure template.
func DefaultTemplate() *SiteTemplate {
	t, err := ParseTemplate(defaultTemplate)
	if err != nil {
		panic(fmt.Sprintf("factory: embedded default template: %v", err))
	}
	return t
}

// ParseTemplate decodes and validates a YAML or JSON template. Unknown
// fields are rejected so a typo never silently drops a rule.
func ParseTemplate(data []byte) (*SiteTemplate, error) {
	var t SiteTemplate
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&t); err != nil {
		return nil, fmt.Errorf("parse site template: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// Validate checks the template on its own, before anything touches a store.
func (t *SiteTemplate) Validate() error {
	keys := make(map[string]bool, len(t.Stages))
	for i, s := range t.Stages {
		if strings.TrimSpace(s.Key) == "" {
			return &cultivation.ValidationError{Field: fmt.Sprintf("stages[%d].key", i), Message: "required"}
		}
		if keys[s.Key] {
			return &cultivation.ValidationError{Field: fmt.Sprintf("stages[%d].key", i), Message: "duplicate key " + s.Key}
		}
		keys[s.Key] = true
	}
	for i, tr := range t.Transitions {
		field := fmt.Sprintf("transitions[%d]", i)
		if !keys[tr.From] {
			return &cultivation.ValidationError{Field: field + ".from", Message: "unknown stage " + tr.From}
		}
		if !keys[tr.To] {
			return &cultivation.ValidationError{Field: field + ".to", Message: "unknown stage " + tr.To}
		}
	}
	return nil
}

// =============================================================================
// APPLY
// =============================================================================

// ApplyResult reports what Apply changed.
type ApplyResult struct {
	StagesCreated      []string
	TransitionsCreated []string
	SettingsApplied    bool
}

// Apply creates the template's missing stages and transitions in site and
// stores its settings.
func Apply(ctx context.Context, eng *cultivation.Engine, site cultivation.SiteID, t *SiteTemplate) (*ApplyResult, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	res := &ApplyResult{}

	ids := make(map[string]cultivation.StageID, len(t.Stages))
	for _, s := range t.Stages {
		existing, err := eng.Graph.StageByKey(ctx, site, s.Key)
		switch {
		case err == nil:
			ids[s.Key] = existing.ID
			continue
		case !cultivation.IsNotFound(err):
			return res, fmt.Errorf("stage %s: %w", s.Key, err)
		}
		created, err := eng.Graph.CreateStage(ctx, site, cultivation.StageInput{
			Key:                    s.Key,
			DisplayName:            s.Name,
			SequenceOrder:          s.Order,
			IsTerminal:             s.Terminal,
			RequiresHarvestMetrics: s.HarvestMetrics,
		})
		if err != nil {
			return res, fmt.Errorf("stage %s: %w", s.Key, err)
		}
		ids[s.Key] = created.ID
		res.StagesCreated = append(res.StagesCreated, s.Key)
	}

	for _, tr := range t.Transitions {
		name := tr.From + "->" + tr.To
		from, to := ids[tr.From], ids[tr.To]
		_, exists, err := eng.Graph.ValidateEdge(ctx, site, from, to)
		if err != nil {
			return res, fmt.Errorf("transition %s: %w", name, err)
		}
		if exists {
			continue
		}
		if _, err := eng.Graph.CreateTransition(ctx, site, cultivation.TransitionInput{
			From:             from,
			To:               to,
			AutoAdvance:      tr.AutoAdvance,
			RequiresApproval: tr.RequiresApproval,
			ApprovalRole:     tr.ApprovalRole,
		}); err != nil {
			return res, fmt.Errorf("transition %s: %w", name, err)
		}
		res.TransitionsCreated = append(res.TransitionsCreated, name)
	}

	if s := t.Settings; s != nil {
		if _, err := eng.Quota.ConfigureSettings(ctx, cultivation.PropagationSettings{
			SiteID:                   site,
			DailyLimit:               s.DailyLimit,
			WeeklyLimit:              s.WeeklyLimit,
			MotherPropagationLimit:   s.MotherPropagationLimit,
			RequiresOverrideApproval: s.RequiresOverrideApproval,
			ApproverRole:             s.ApproverRole,
			Timezone:                 s.Timezone,
		}); err != nil {
			return res, fmt.Errorf("settings: %w", err)
		}
		res.SettingsApplied = true
	}
	return res, nil
}
