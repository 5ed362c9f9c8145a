package session

import "github.com/spike-crypto/voicebot/internal/models"

// Window bounds the history sent to the model.
type Window struct {
	MaxTurns int // 0 means unbounded
	MaxChars int // 0 means unbounded; counts the current input too
}

// Select returns the most recent turns of history that fit, oldest first.
// Older turns are dropped first. The current user input is never part of
// history and is always kept by the caller, so its length only shrinks
// the budget left for history.
func (w Window) Select(history []models.Turn, current string) []models.Turn {
	start := 0
	if w.MaxTurns > 0 && len(history) > w.MaxTurns {
		start = len(history) - w.MaxTurns
	}

	if w.MaxChars > 0 {
		budget := w.MaxChars - len(current)
		i := len(history)
		for i > start {
			n := len(history[i-1].Text)
			if n > budget {
				break
			}
			budget -= n
			i--
		}
		start = i
	}

	return cloneTurns(history[start:])
}
