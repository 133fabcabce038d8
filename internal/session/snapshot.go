package session

import (
	"github.com/MrWong99/holdcue/internal/fault"
)

// MatchInfo describes the trigger that fired in the current or last hold.
type MatchInfo struct {
	TriggerID   string `json:"trigger_id"`
	Label       string `json:"label,omitempty"`
	WhisperText string `json:"whisper_text"`
}

// Snapshot is the observable state of the controller.
type Snapshot struct {
	SessionID    string     `json:"session_id,omitempty"`
	Mode         Mode       `json:"mode"`
	MicLocked    bool       `json:"mic_locked"`
	Preparing    bool       `json:"preparing"`
	HoldActive   bool       `json:"hold_active"`
	AutoRestart  bool       `json:"auto_restart"`
	PackID       string     `json:"pack_id"`
	Transcript   string     `json:"transcript,omitempty"`
	LastMatch    *MatchInfo `json:"last_match,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	ErrorKind    string     `json:"error_kind,omitempty"`
}

// Snapshot returns the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	s := Snapshot{
		SessionID:   c.sessionID,
		Mode:        Mode(c.mode.Current()),
		MicLocked:   c.micLocked,
		Preparing:   c.gate.Preparing(),
		HoldActive:  c.holdActive,
		AutoRestart: c.autoRestart,
		PackID:      c.engine.PackID(),
		Transcript:  c.rolling,
	}
	if c.lastMatch != nil {
		s.LastMatch = &MatchInfo{
			TriggerID:   c.lastMatch.TriggerID,
			Label:       c.lastMatch.Label,
			WhisperText: c.lastMatch.WhisperText,
		}
	}
	if c.lastErr != nil {
		s.ErrorMessage = fault.UserMessage(c.lastErr)
		s.ErrorKind = fault.KindOf(c.lastErr).String()
	}
	return s
}

// Subscribe returns a channel that receives a snapshot after every state
// change. A slow reader only ever sees the latest snapshot. Call the returned
// function to unsubscribe; it closes the channel.
func (c *Controller) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	c.pubMu.Lock()
	ch <- c.Snapshot()
	c.subs[ch] = struct{}{}
	c.pubMu.Unlock()

	return ch, func() {
		c.pubMu.Lock()
		defer c.pubMu.Unlock()
		if _, ok := c.subs[ch]; ok {
			delete(c.subs, ch)
			close(ch)
		}
	}
}

// publish sends the current snapshot to every subscriber, replacing any
// snapshot they have not read yet. Snapshots are taken under pubMu so
// subscribers never see them out of order.
func (c *Controller) publish() {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	if len(c.subs) == 0 {
		return
	}
	s := c.Snapshot()
	for ch := range c.subs {
		select {
		case ch <- s:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- s:
		default:
		}
	}
}
