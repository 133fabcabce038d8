// Package mock provides test doubles for the stt package interfaces.
//
// Provider answers Transcribe calls from a script of Responses, falling back
// to Text once the script is exhausted, and records every call.
//
// Example:
//
//	p := &mock.Provider{Responses: []mock.Response{
//	    {Text: "my back"},
//	    {Text: "my back hurts"},
//	}}
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/holdcue/pkg/provider/stt"
)

// Response is one scripted answer.
type Response struct {
	// Text is returned as the transcript text when Err is nil.
	Text string
	// Err, if non-nil, is returned instead of a transcript.
	Err error
	// Delay is waited before answering. Cancelling ctx ends the wait early.
	Delay time.Duration
}

// TranscribeCall records a single invocation of Provider.Transcribe.
type TranscribeCall struct {
	// Req is the request with a private copy of its Audio.
	Req stt.Request
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Responses are consumed in order, one per call.
	Responses []Response

	// Text is returned once Responses is exhausted.
	Text string

	// Block, if non-nil, makes every call wait until it is closed or ctx is
	// done.
	Block chan struct{}

	// WarmErr, if non-nil, is returned by Warm.
	WarmErr error

	// Calls records every call to Transcribe.
	Calls []TranscribeCall

	// WarmCalls counts calls to Warm.
	WarmCalls int
}

var (
	_ stt.Provider = (*Provider)(nil)
	_ stt.Warmer   = (*Provider)(nil)
)

// Transcribe records the call and answers with the next scripted response.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (stt.Transcript, error) {
	p.mu.Lock()
	cp := req
	cp.Audio = append([]byte(nil), req.Audio...)
	p.Calls = append(p.Calls, TranscribeCall{Req: cp})
	resp := Response{Text: p.Text}
	if len(p.Responses) > 0 {
		resp = p.Responses[0]
		p.Responses = p.Responses[1:]
	}
	block := p.Block
	p.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return stt.Transcript{}, ctx.Err()
		}
	}
	if resp.Delay > 0 {
		t := time.NewTimer(resp.Delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return stt.Transcript{}, ctx.Err()
		}
	}
	if resp.Err != nil {
		return stt.Transcript{}, resp.Err
	}
	return stt.Transcript{Text: resp.Text, Language: req.Language}, nil
}

// Warm records the call and returns WarmErr.
func (p *Provider) Warm(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.WarmCalls++
	return p.WarmErr
}

// CallCount returns the number of Transcribe calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// LastRequest returns the most recent request, or false if none was made.
func (p *Provider) LastRequest() (stt.Request, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Calls) == 0 {
		return stt.Request{}, false
	}
	return p.Calls[len(p.Calls)-1].Req, true
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
	p.WarmCalls = 0
}
