package script

import (
	"regexp"
	"testing"
)

func TestCommandKindString(t *testing.T) {
	if CmdPowerOn.String() != "power-on" {
		t.Errorf("got %q", CmdPowerOn.String())
	}
	if CommandKind(-1).String() != "invalid" || NumCommands.String() != "invalid" {
		t.Error("out-of-range kinds should stringify as invalid")
	}
}

func TestCommandClasses(t *testing.T) {
	informational := []CommandKind{CmdError, CmdLogin, CmdCheckLogin, CmdLogout, CmdNames}
	for _, k := range informational {
		if !k.Informational() {
			t.Errorf("%s should be informational", k)
		}
	}
	device := []CommandKind{CmdUpdatePlugs, CmdUpdateNodes, CmdPowerOn, CmdPowerOff, CmdPowerCycle, CmdReset}
	for _, k := range device {
		if k.Informational() {
			t.Errorf("%s should require device traffic", k)
		}
	}
	targeted := []CommandKind{CmdPowerOn, CmdPowerOff, CmdPowerCycle, CmdReset, CmdNames}
	for _, k := range targeted {
		if !k.Targeted() {
			t.Errorf("%s should accept a selector", k)
		}
	}
	if CmdUpdatePlugs.Targeted() {
		t.Error("update-plugs takes no selector")
	}
}

func TestCaptureRE(t *testing.T) {
	completion := regexp.MustCompile(`done\r\n`)
	capture := regexp.MustCompile(`plug (\d+)`)

	e := &Expect{Completion: completion}
	if e.CaptureRE() != completion {
		t.Error("capture should default to the completion expression")
	}
	e.Capture = capture
	if e.CaptureRE() != capture {
		t.Error("explicit capture expression should win")
	}
}
