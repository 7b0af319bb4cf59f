// Package script defines the send/expect/delay dialogue scripts that drive a
// power-control device, and the command kinds the daemon understands. A
// script is data: the daemon core never knows what any given device's wire
// protocol looks like.
package script

import (
	"regexp"
	"time"
)

// CommandKind identifies one of the logical operations the daemon performs.
type CommandKind int

// The closed set of command kinds. Each device may carry one script per kind.
const (
	CmdError CommandKind = iota
	CmdLogin
	CmdCheckLogin
	CmdLogout
	CmdUpdatePlugs
	CmdUpdateNodes
	CmdPowerOn
	CmdPowerOff
	CmdPowerCycle
	CmdReset
	CmdNames

	NumCommands
)

var commandNames = [NumCommands]string{
	"error",
	"login",
	"check-login",
	"logout",
	"update-plugs",
	"update-nodes",
	"power-on",
	"power-off",
	"power-cycle",
	"reset",
	"names",
}

func (k CommandKind) String() string {
	if k < 0 || k >= NumCommands {
		return "invalid"
	}
	return commandNames[k]
}

// Informational reports whether the dispatcher answers this command without
// any device traffic.
func (k CommandKind) Informational() bool {
	switch k {
	case CmdError, CmdLogin, CmdCheckLogin, CmdLogout, CmdNames:
		return true
	}
	return false
}

// Targeted reports whether the command accepts a node selector.
func (k CommandKind) Targeted() bool {
	switch k {
	case CmdPowerOn, CmdPowerOff, CmdPowerCycle, CmdReset, CmdNames:
		return true
	}
	return false
}

// Element is one step of a device dialogue script: a Send, an Expect, or a
// Delay. The engine advances one element at a time between event-loop turns.
type Element interface {
	element()
}

// Send writes a formatted command to the device. Fmt holds at most one %s
// slot, filled with the action's target when the action has one.
type Send struct {
	Fmt string
}

// Expect waits until Completion matches the device's accumulated reply, then
// runs Capture over the consumed text to extract subgroups for the
// interpretation map. Capture may be nil, in which case Completion doubles as
// the capture expression. Map may be nil when the reply carries no state.
type Expect struct {
	Completion *regexp.Regexp
	Capture    *regexp.Regexp
	Map        []*Interp
}

// Delay suspends the device for a fixed interval without holding up the rest
// of the fleet.
type Delay struct {
	Duration time.Duration
}

func (*Send) element()   {}
func (*Expect) element() {}
func (*Delay) element()  {}

// Interp binds one capture subgroup of an Expect to a plug. Val is filled in
// when the expect matches and read back by the state semantics; it is only
// valid until the next match on the same device.
type Interp struct {
	PlugName string
	MatchPos int
	Val      string
}

// Script is an ordered list of elements making up one device dialogue.
type Script []Element

// CaptureRE returns the expression used for subgroup extraction.
func (e *Expect) CaptureRE() *regexp.Regexp {
	if e.Capture != nil {
		return e.Capture
	}
	return e.Completion
}
