// Package trigger matches a rolling transcript against a trigger pack.
//
// An [Engine] owns one hold session at a time and a cooldown table that lives
// as long as the engine. [Engine.Evaluate] runs the gates in a fixed order and
// short-circuits on the first one that rejects:
//
//  1. no active hold
//  2. delay gate since hold start
//  3. one trigger per hold
//  4. empty transcript after normalisation
//  5. global veto phrases
//  6. per-trigger cooldown, then mustIncludeAny AND contextAny
//
// Phrases are matched by substring containment on normalised text, so "cut"
// matches inside "cutting". This is a known limitation.
//
// Evaluate is deterministic: the same pack, transcript, time, hold and
// cooldown state always yield the same result.
package trigger

import (
	"sync"
	"time"

	"github.com/MrWong99/holdcue/internal/pack"
	"github.com/MrWong99/holdcue/internal/transcript"
)

// Match is the trigger that fired.
type Match struct {
	TriggerID   string
	Label       string
	WhisperText string
	At          time.Time
}

// compiled is a trigger with its phrase lists normalised once.
type compiled struct {
	trigger  pack.Trigger
	must     []string
	context  []string
	cooldown time.Duration
}

// hold is the active hold session.
type hold struct {
	startedAt time.Time
	fired     bool
}

// Engine is the trigger matching state machine. It is safe for concurrent
// use, though the session controller only ever drives it from one goroutine
// at a time.
type Engine struct {
	packID     string
	delayGate  time.Duration
	onePerHold bool
	veto       []string
	triggers   []compiled
	phrases    []string

	mu        sync.Mutex
	hold      *hold
	lastFired map[string]time.Time
}

// New compiles p into an engine with an empty cooldown table. p is assumed to
// be validated.
func New(p *pack.Pack) *Engine {
	e := &Engine{
		packID:     p.ID,
		delayGate:  p.Defaults.DelayGate(),
		onePerHold: p.Defaults.OneTriggerPerHold,
		veto:       transcript.NormalizeAll(p.Defaults.GlobalVetoPhrases),
		triggers:   make([]compiled, 0, len(p.Triggers)),
		lastFired:  make(map[string]time.Time),
	}
	for _, t := range p.Triggers {
		e.triggers = append(e.triggers, compiled{
			trigger:  t,
			must:     transcript.NormalizeAll(t.MustIncludeAny),
			context:  transcript.NormalizeAll(t.ContextAny),
			cooldown: t.Cooldown(),
		})
	}
	e.phrases = transcript.NormalizeAll(p.Phrases())
	return e
}

// PackID returns the id of the pack the engine was built from.
func (e *Engine) PackID() string { return e.packID }

// Phrases returns every normalised trigger phrase. The slice must not be
// modified.
func (e *Engine) Phrases() []string { return e.phrases }

// BeginHold starts a new hold session at now, replacing any active one.
func (e *Engine) BeginHold(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hold = &hold{startedAt: now}
}

// EndHold clears the active hold session. It is idempotent.
func (e *Engine) EndHold() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hold = nil
}

// Active reports whether a hold session is active.
func (e *Engine) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hold != nil
}

// Evaluate runs the gating pipeline for rolling at now. On a match the hold is
// marked as fired and now is recorded as the trigger's last fire time.
func (e *Engine) Evaluate(rolling string, now time.Time) (Match, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	h := e.hold
	if h == nil {
		return Match{}, false
	}
	if now.Sub(h.startedAt) < e.delayGate {
		return Match{}, false
	}
	if e.onePerHold && h.fired {
		return Match{}, false
	}

	text := transcript.Normalize(rolling)
	if text == "" {
		return Match{}, false
	}
	if transcript.ContainsAny(text, e.veto) {
		return Match{}, false
	}

	for i := range e.triggers {
		c := &e.triggers[i]
		if last, ok := e.lastFired[c.trigger.ID]; ok && now.Sub(last) < c.cooldown {
			continue
		}
		if !transcript.ContainsAny(text, c.must) || !transcript.ContainsAny(text, c.context) {
			continue
		}

		h.fired = true
		e.lastFired[c.trigger.ID] = now
		return Match{
			TriggerID:   c.trigger.ID,
			Label:       c.trigger.Label,
			WhisperText: c.trigger.WhisperText,
			At:          now,
		}, true
	}
	return Match{}, false
}

// LastFired returns when the trigger last fired, if ever.
func (e *Engine) LastFired(triggerID string) (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.lastFired[triggerID]
	return t, ok
}
