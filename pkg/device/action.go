package device

import (
	"github.com/sjthespian/powerman/pkg/script"
)

// Action is a logical unit of work. At the server level it carries the
// client's command and selector; the dispatcher fans it out into per-device
// copies, each bound to that device's script for the command. A per-device
// action owns a cursor over its script which is advanced one element at a
// time by the event loop.
type Action struct {
	Com      script.CommandKind
	ClientID string // "" for internally generated actions
	Seq      int64
	Target   string // "" means no target

	scr script.Script
	pos int
	cur script.Element
}

// NewAction creates a server-level action with no target and no client.
func NewAction(com script.CommandKind) *Action {
	return &Action{Com: com}
}

// bindScript attaches a device's script to a per-device copy.
func (a *Action) bindScript(s script.Script) {
	a.scr = s
	a.pos = 0
	a.cur = nil
}

// Reset rewinds the script cursor so the action restarts from its first
// element (used when a login preempts an in-flight action).
func (a *Action) Reset() {
	a.pos = 0
	a.cur = nil
}

// step advances the cursor and returns the new current element, or nil when
// the script is exhausted.
func (a *Action) step() script.Element {
	if a.pos >= len(a.scr) {
		a.cur = nil
	} else {
		a.cur = a.scr[a.pos]
		a.pos++
	}
	return a.cur
}

// Current returns the element being processed, nil before the first step and
// after exhaustion.
func (a *Action) Current() script.Element {
	return a.cur
}
