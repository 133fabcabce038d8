// Package pack defines the trigger pack: the immutable bundle of gating
// defaults and phrase triggers that drives the trigger engine.
//
// Packs are decoded from JSON or YAML documents by [Decode] and [Load], which
// understand the bare pack shape, the legacy container envelopes and the rich
// scenario format. A decoded pack is always validated.
package pack

import (
	"errors"
	"fmt"
	"time"
)

// Pack is a complete trigger configuration. Trigger order defines match
// priority: the first satisfied trigger wins.
type Pack struct {
	Version  int       `yaml:"version" json:"version"`
	ID       string    `yaml:"packId" json:"packId"`
	Patient  Patient   `yaml:"patient" json:"patient"`
	Defaults Defaults  `yaml:"defaults" json:"defaults"`
	Triggers []Trigger `yaml:"triggers" json:"triggers"`
}

// Patient identifies whom the pack was written for.
type Patient struct {
	ID          string `yaml:"id" json:"id"`
	DisplayName string `yaml:"displayName" json:"displayName"`
}

// Defaults holds the pack-wide gating rules.
type Defaults struct {
	// DelayGateMs is the minimum time after hold start before any trigger may
	// fire.
	DelayGateMs int `yaml:"delayGateMs" json:"delayGateMs"`

	// OneTriggerPerHold limits every hold session to a single match.
	OneTriggerPerHold bool `yaml:"oneTriggerPerHold" json:"oneTriggerPerHold"`

	// GlobalVetoPhrases suppress every trigger when any of them is heard.
	GlobalVetoPhrases []string `yaml:"globalVetoPhrases" json:"globalVetoPhrases"`
}

// DelayGate returns DelayGateMs as a duration.
func (d Defaults) DelayGate() time.Duration {
	return time.Duration(d.DelayGateMs) * time.Millisecond
}

// Trigger is a single phrase rule. It fires when at least one MustIncludeAny
// phrase and at least one ContextAny phrase are heard.
type Trigger struct {
	ID              string   `yaml:"id" json:"id"`
	Label           string   `yaml:"label" json:"label"`
	MustIncludeAny  []string `yaml:"mustIncludeAny" json:"mustIncludeAny"`
	ContextAny      []string `yaml:"contextAny" json:"contextAny"`
	CooldownSeconds float64  `yaml:"cooldownSeconds" json:"cooldownSeconds"`
	WhisperText     string   `yaml:"whisperText" json:"whisperText"`
}

// Cooldown returns CooldownSeconds as a duration.
func (t Trigger) Cooldown() time.Duration {
	return time.Duration(t.CooldownSeconds * float64(time.Second))
}

// Validate checks the structural invariants of p and returns every violation
// joined into one error.
func (p *Pack) Validate() error {
	var errs []error

	if p.ID == "" {
		errs = append(errs, errors.New("packId is required"))
	}
	if p.Defaults.DelayGateMs < 0 {
		errs = append(errs, fmt.Errorf("defaults.delayGateMs %d must not be negative", p.Defaults.DelayGateMs))
	}
	if len(p.Triggers) == 0 {
		errs = append(errs, errors.New("triggers must not be empty"))
	}

	seen := make(map[string]int, len(p.Triggers))
	for i, t := range p.Triggers {
		prefix := fmt.Sprintf("triggers[%d]", i)
		if t.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
		} else {
			if prev, ok := seen[t.ID]; ok {
				errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of triggers[%d]", prefix, t.ID, prev))
			}
			seen[t.ID] = i
		}
		if t.CooldownSeconds < 0 {
			errs = append(errs, fmt.Errorf("%s.cooldownSeconds %.2f must not be negative", prefix, t.CooldownSeconds))
		}
		if t.WhisperText == "" {
			errs = append(errs, fmt.Errorf("%s.whisperText is required", prefix))
		}
		if len(t.MustIncludeAny) == 0 {
			errs = append(errs, fmt.Errorf("%s.mustIncludeAny must not be empty", prefix))
		}
		if len(t.ContextAny) == 0 {
			errs = append(errs, fmt.Errorf("%s.contextAny must not be empty", prefix))
		}
	}

	return errors.Join(errs...)
}

// Phrases returns every trigger phrase in pack order, without duplicates.
func (p *Pack) Phrases() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, t := range p.Triggers {
		for _, list := range [][]string{t.MustIncludeAny, t.ContextAny} {
			for _, ph := range list {
				if _, ok := seen[ph]; ok {
					continue
				}
				seen[ph] = struct{}{}
				out = append(out, ph)
			}
		}
	}
	return out
}
