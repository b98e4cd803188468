package stream

import "sync"

// InitiationGate implements the caller-side initiation contract: the three
// handshake setup calls may complete in any order, and initiation must fire
// exactly once, the first time all three have completed. A failed initiation
// re-arms the gate so a later setup call (or retry) may fire it again.
type InitiationGate struct {
	mu           sync.Mutex
	promptStart  bool
	systemPrompt bool
	audioStart   bool
	initialized  bool
	initiate     func() error
}

func NewInitiationGate(initiate func() error) *InitiationGate {
	return &InitiationGate{initiate: initiate}
}

// MarkPromptStart records completion of the promptStart setup call and
// fires initiation if it was the last of the three.
func (g *InitiationGate) MarkPromptStart() error {
	g.mu.Lock()
	g.promptStart = true
	return g.maybeFireLocked()
}

// MarkSystemPrompt records completion of the system prompt setup call.
func (g *InitiationGate) MarkSystemPrompt() error {
	g.mu.Lock()
	g.systemPrompt = true
	return g.maybeFireLocked()
}

// MarkAudioStart records completion of the audio start setup call.
func (g *InitiationGate) MarkAudioStart() error {
	g.mu.Lock()
	g.audioStart = true
	return g.maybeFireLocked()
}

// Initialized reports whether initiation has fired and not been re-armed.
func (g *InitiationGate) Initialized() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.initialized
}

// maybeFireLocked is entered holding g.mu and always releases it. The
// initialized flag is set before the callback runs so re-entrant or
// concurrent Mark calls cannot fire a second initiation.
func (g *InitiationGate) maybeFireLocked() error {
	if g.initialized || !g.promptStart || !g.systemPrompt || !g.audioStart {
		g.mu.Unlock()
		return nil
	}
	g.initialized = true
	g.mu.Unlock()

	if err := g.initiate(); err != nil {
		g.mu.Lock()
		g.initialized = false
		g.mu.Unlock()
		return err
	}
	return nil
}
