package device

import (
	"strings"
	"unicode"

	"github.com/sjthespian/powerman/pkg/script"
	"github.com/sjthespian/powerman/pkg/util"
)

// interpret extracts subgroup values from a matched expect string and applies
// them to node states. Proxy devices bypass capture: their reply is a
// positional 0/1 vector handed to the semantics whole.
func (d *Device) interpret(act *Action, el *script.Expect, matched string) {
	if el.Map == nil {
		return
	}
	if d.Kind == Proxy {
		d.proxySemantics(act.Com, matched)
		return
	}
	if !d.captureValues(el, matched) {
		util.WithDevice(d.Name).Warnf("capture failed on %q", matched)
		return
	}
	d.deviceSemantics(act.Com, el.Map)
}

// captureValues runs the capture regex over the consumed string and points
// each interpretation at its subgroup. The values stay valid until the next
// match on this device.
func (d *Device) captureValues(el *script.Expect, matched string) bool {
	idx := el.CaptureRE().FindStringSubmatchIndex(matched)
	if idx == nil {
		return false
	}
	for _, in := range el.Map {
		start := -1
		if 2*in.MatchPos+1 < len(idx) {
			start = idx[2*in.MatchPos]
		}
		if start < 0 {
			in.Val = ""
			continue
		}
		in.Val = matched[start:]
	}
	return true
}

// deviceSemantics applies an interpretation map for an ordinary device: each
// captured value is trimmed at the first whitespace and tested against the
// device's ON regex, then its OFF regex. Matching neither leaves the state
// unknown. Only the update commands change cluster state.
func (d *Device) deviceSemantics(com script.CommandKind, m []*script.Interp) {
	for _, in := range m {
		plug := d.plugByName[in.PlugName]
		if plug == nil || plug.Node == nil {
			continue
		}
		field := in.Val
		if i := strings.IndexFunc(field, unicode.IsSpace); i >= 0 {
			field = field[:i]
		}
		st := StateUnknown
		if d.prot.OnRE != nil && d.prot.OnRE.MatchString(field) {
			st = StateOn
		}
		if d.prot.OffRE != nil && d.prot.OffRE.MatchString(field) {
			st = StateOff
		}
		switch com {
		case script.CmdUpdatePlugs:
			plug.Node.PState = st
		case script.CmdUpdateNodes:
			plug.Node.NState = st
		}
	}
}

// proxySemantics applies a proxy reply: a contiguous run of '0' and '1'
// characters, one per plug in device-plug order. On a length mismatch the
// result is discarded and every bound node is marked unknown for this cycle.
func (d *Device) proxySemantics(com script.CommandKind, matched string) {
	if com != script.CmdUpdatePlugs && com != script.CmdUpdateNodes {
		return
	}
	vec := strings.TrimFunc(matched, unicode.IsSpace)
	valid := len(vec) == len(d.plugs)
	if valid {
		for _, c := range vec {
			if c != '0' && c != '1' {
				valid = false
				break
			}
		}
	}
	if !valid {
		util.WithDevice(d.Name).Warnf("proxy reply %q does not cover %d plugs", vec, len(d.plugs))
	}
	for i, plug := range d.plugs {
		if plug.Node == nil {
			continue
		}
		st := StateUnknown
		if valid {
			switch vec[i] {
			case '1':
				st = StateOn
			case '0':
				st = StateOff
			}
		}
		switch com {
		case script.CmdUpdatePlugs:
			plug.Node.PState = st
		case script.CmdUpdateNodes:
			plug.Node.NState = st
		}
	}
}
