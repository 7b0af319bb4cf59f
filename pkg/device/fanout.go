package device

import (
	"regexp"

	"github.com/sjthespian/powerman/pkg/script"
	"github.com/sjthespian/powerman/pkg/util"
)

// setTargets turns a server-level action into one or more per-device actions
// on this device's queue.
//
// Login is special: it goes to the head of the queue, and any preempted
// action has its script rewound so it restarts once login completes. The
// fleet-wide commands get a single untargeted copy. The targeted commands
// depend on the device mode: REGEX devices take the selector verbatim,
// LITERAL devices get one action per matching plug, collapsed to the "all"
// token when every bound plug matches and no plug is unbound.
func (d *Device) setTargets(sact *Action) {
	switch sact.Com {
	case script.CmdLogin:
		if len(d.acts) > 0 {
			d.acts[0].Reset()
		}
		act := d.copyAction(sact, "")
		d.acts = append([]*Action{act}, d.acts...)
	case script.CmdError, script.CmdCheckLogin, script.CmdLogout,
		script.CmdUpdatePlugs, script.CmdUpdateNodes:
		d.acts = append(d.acts, d.copyAction(sact, ""))
	case script.CmdPowerOn, script.CmdPowerOff, script.CmdPowerCycle,
		script.CmdReset, script.CmdNames:
		if d.prot.Mode == ModeRegex {
			d.acts = append(d.acts, d.copyAction(sact, sact.Target))
		} else {
			d.targetSome(sact)
		}
	}
}

// copyAction makes the per-device action: same command, client, and sequence
// as the server action, bound to this device's script.
func (d *Device) copyAction(sact *Action, target string) *Action {
	act := &Action{
		Com:      sact.Com,
		ClientID: sact.ClientID,
		Seq:      sact.Seq,
		Target:   target,
	}
	act.bindScript(d.prot.Scripts[act.Com])
	return act
}

// targetSome resolves a node selector against a LITERAL-mode device's plugs.
// A plug matches when the selector, as a regex, matches its bound node's
// whole name. If every plug is bound and matches, one action addressed to
// the device's "all" token is queued; if only some match, one action per
// matching plug; if none match, nothing is queued for this device.
func (d *Device) targetSome(sact *Action) {
	re, err := regexp.Compile(sact.Target)
	if err != nil {
		util.WithDevice(d.Name).Errorf("bad target %q: %v", sact.Target, err)
		return
	}
	all := true
	var matched []*Plug
	for _, plug := range d.plugs {
		if plug.Node == nil {
			all = false
			continue
		}
		if !matchWholeName(re, plug.Node.Name) {
			all = false
			continue
		}
		matched = append(matched, plug)
	}
	if all && len(matched) > 0 {
		d.acts = append(d.acts, d.copyAction(sact, d.prot.All))
		return
	}
	for _, plug := range matched {
		d.acts = append(d.acts, d.copyAction(sact, plug.Name))
	}
}

// matchWholeName reports whether re matches name in its entirety: the match
// must span exactly the full name length.
func matchWholeName(re *regexp.Regexp, name string) bool {
	loc := re.FindStringIndex(name)
	return loc != nil && loc[1]-loc[0] == len(name)
}
