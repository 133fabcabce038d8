package pack

import (
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"
)

// Rich scenario documents carry no gating defaults; these are applied.
const (
	scenarioDelayGateMs     = 900
	scenarioCooldownSeconds = 90
)

// ErrUnsupportedShape is returned when a document is neither a pack, a known
// envelope around one, nor a rich scenario.
var ErrUnsupportedShape = errors.New("pack: unsupported document shape")

// MissingFieldError reports a required field absent from a pack document.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("pack: missing required field %s", e.Field)
}

// Load reads and decodes the pack document at path.
func Load(path string) (*Pack, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("pack: open %q: %w", path, err)
	}
	defer f.Close()

	p, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("pack: load %q: %w", path, err)
	}
	return p, nil
}

// Decode reads a JSON or YAML pack document from r. It accepts, in order of
// precedence:
//
//   - a rich scenario (top-level "suture_logic");
//   - an envelope holding the pack under triggerPack, pack, scenario.triggerPack,
//     scenario.pack, data.triggerPack or data.pack;
//   - a bare pack.
//
// Phrases are trimmed and lower-cased, empty phrases are dropped, and the
// result is validated.
func Decode(r io.Reader) (*Pack, error) {
	var doc document
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrUnsupportedShape
		}
		return nil, fmt.Errorf("pack: decode: %w", err)
	}

	var (
		p   *Pack
		err error
	)
	switch {
	case doc.SutureLogic != nil:
		p, err = doc.scenario()
	default:
		payload := doc.container()
		if payload == nil {
			return nil, ErrUnsupportedShape
		}
		p, err = payload.toPack()
	}
	if err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("pack: invalid: %w", err)
	}
	return p, nil
}

// document is the union of every accepted top-level shape.
type document struct {
	payload `yaml:",inline"`

	TriggerPack *payload   `yaml:"triggerPack"`
	Pack        *payload   `yaml:"pack"`
	Scenario    *container `yaml:"scenario"`
	Data        *container `yaml:"data"`

	Metadata    *scenarioMetadata `yaml:"metadata"`
	DemoTitle   string            `yaml:"demoTitle"`
	GlobalVeto  []string          `yaml:"global_veto"`
	SutureLogic []scenarioItem    `yaml:"suture_logic"`
}

type container struct {
	TriggerPack *payload `yaml:"triggerPack"`
	Pack        *payload `yaml:"pack"`
}

// container returns the first pack payload found, or nil.
func (d *document) container() *payload {
	switch {
	case d.TriggerPack != nil:
		return d.TriggerPack
	case d.Pack != nil:
		return d.Pack
	case d.Scenario != nil && d.Scenario.TriggerPack != nil:
		return d.Scenario.TriggerPack
	case d.Scenario != nil && d.Scenario.Pack != nil:
		return d.Scenario.Pack
	case d.Data != nil && d.Data.TriggerPack != nil:
		return d.Data.TriggerPack
	case d.Data != nil && d.Data.Pack != nil:
		return d.Data.Pack
	case d.payload.present():
		return &d.payload
	}
	return nil
}

// payload mirrors Pack with every field optional so that absent fields can be
// reported by path.
type payload struct {
	Version  *int              `yaml:"version"`
	PackID   *string           `yaml:"packId"`
	Patient  *patientPayload   `yaml:"patient"`
	Defaults *defaultsPayload  `yaml:"defaults"`
	Triggers *[]triggerPayload `yaml:"triggers"`
}

type patientPayload struct {
	ID          *string `yaml:"id"`
	DisplayName *string `yaml:"displayName"`
}

type defaultsPayload struct {
	DelayGateMs       *int      `yaml:"delayGateMs"`
	OneTriggerPerHold *bool     `yaml:"oneTriggerPerHold"`
	GlobalVetoPhrases *[]string `yaml:"globalVetoPhrases"`
}

type triggerPayload struct {
	ID              *string   `yaml:"id"`
	Label           *string   `yaml:"label"`
	MustIncludeAny  *[]string `yaml:"mustIncludeAny"`
	ContextAny      *[]string `yaml:"contextAny"`
	CooldownSeconds *float64  `yaml:"cooldownSeconds"`
	WhisperText     *string   `yaml:"whisperText"`
}

func (p *payload) present() bool {
	return p.Version != nil || p.PackID != nil || p.Patient != nil || p.Defaults != nil || p.Triggers != nil
}

func (p *payload) toPack() (*Pack, error) {
	var errs []error
	req := func(ok bool, field string) {
		if !ok {
			errs = append(errs, &MissingFieldError{Field: field})
		}
	}

	req(p.Version != nil, "version")
	req(p.PackID != nil, "packId")
	req(p.Patient != nil, "patient")
	req(p.Defaults != nil, "defaults")
	req(p.Triggers != nil, "triggers")
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	req(p.Patient.ID != nil, "patient.id")
	req(p.Patient.DisplayName != nil, "patient.displayName")
	req(p.Defaults.DelayGateMs != nil, "defaults.delayGateMs")
	req(p.Defaults.OneTriggerPerHold != nil, "defaults.oneTriggerPerHold")
	req(p.Defaults.GlobalVetoPhrases != nil, "defaults.globalVetoPhrases")

	triggers := make([]Trigger, 0, len(*p.Triggers))
	for i, t := range *p.Triggers {
		prefix := fmt.Sprintf("triggers[%d]", i)
		req(t.ID != nil, prefix+".id")
		req(t.Label != nil, prefix+".label")
		req(t.MustIncludeAny != nil, prefix+".mustIncludeAny")
		req(t.ContextAny != nil, prefix+".contextAny")
		req(t.CooldownSeconds != nil, prefix+".cooldownSeconds")
		req(t.WhisperText != nil, prefix+".whisperText")
		if len(errs) > 0 {
			continue
		}
		triggers = append(triggers, Trigger{
			ID:              *t.ID,
			Label:           *t.Label,
			MustIncludeAny:  cleanPhrases(*t.MustIncludeAny),
			ContextAny:      cleanPhrases(*t.ContextAny),
			CooldownSeconds: *t.CooldownSeconds,
			WhisperText:     *t.WhisperText,
		})
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	return &Pack{
		Version: *p.Version,
		ID:      *p.PackID,
		Patient: Patient{ID: *p.Patient.ID, DisplayName: *p.Patient.DisplayName},
		Defaults: Defaults{
			DelayGateMs:       *p.Defaults.DelayGateMs,
			OneTriggerPerHold: *p.Defaults.OneTriggerPerHold,
			GlobalVetoPhrases: cleanPhrases(*p.Defaults.GlobalVetoPhrases),
		},
		Triggers: triggers,
	}, nil
}

type scenarioMetadata struct {
	Version string `yaml:"version"`
	Patient string `yaml:"patient"`
}

type scenarioItem struct {
	ID             string   `yaml:"id"`
	TriggerPhrases []string `yaml:"trigger_phrases"`
	SutureWhisper  string   `yaml:"suture_whisper"`
}

// scenario maps the rich scenario format onto a pack. Items without an id,
// phrases or whisper text are skipped.
func (d *document) scenario() (*Pack, error) {
	version := 1
	patientName := "Patient"
	if d.Metadata != nil {
		if v, err := strconv.Atoi(strings.TrimSpace(d.Metadata.Version)); err == nil {
			version = v
		}
		if name := strings.TrimSpace(d.Metadata.Patient); name != "" {
			patientName = name
		}
	}

	var triggers []Trigger
	for i, item := range d.SutureLogic {
		id := strings.TrimSpace(item.ID)
		phrases := cleanPhrases(item.TriggerPhrases)
		whisper := strings.TrimSpace(item.SutureWhisper)
		if id == "" || len(phrases) == 0 || whisper == "" {
			continue
		}
		triggers = append(triggers, Trigger{
			ID:              id,
			Label:           humanize(id, fmt.Sprintf("Scenario Trigger %d", i+1)),
			MustIncludeAny:  phrases,
			ContextAny:      phrases,
			CooldownSeconds: scenarioCooldownSeconds,
			WhisperText:     whisper,
		})
	}
	if len(triggers) == 0 {
		return nil, &MissingFieldError{Field: "suture_logic[].trigger_phrases / suture_whisper"}
	}

	title := strings.TrimSpace(d.DemoTitle)
	if title == "" {
		title = "scenario-pack"
	}

	return &Pack{
		Version: version,
		ID:      slug(title),
		Patient: Patient{ID: slug(patientName), DisplayName: patientName},
		Defaults: Defaults{
			DelayGateMs:       scenarioDelayGateMs,
			OneTriggerPerHold: true,
			GlobalVetoPhrases: cleanPhrases(d.GlobalVeto),
		},
		Triggers: triggers,
	}, nil
}

// cleanPhrases trims and lower-cases phrases and drops empty ones.
func cleanPhrases(phrases []string) []string {
	out := make([]string, 0, len(phrases))
	for _, p := range phrases {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

var (
	nonSlugRun   = regexp.MustCompile(`[^a-z0-9]+`)
	separatorRun = regexp.MustCompile(`[-_]+`)
)

func slug(s string) string {
	return strings.Trim(nonSlugRun.ReplaceAllString(strings.ToLower(s), "-"), "-")
}

func humanize(id, fallback string) string {
	cleaned := strings.TrimSpace(separatorRun.ReplaceAllString(id, " "))
	if cleaned == "" {
		return fallback
	}
	r := []rune(cleaned)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}
