package mavlink

import (
	"fmt"
	"strings"
)

// Flight mode names used by the control loop.
const (
	ModeGuided = "GUIDED"
	ModeLand   = "LAND"
	ModeRTL    = "RTL"
	ModeAuto   = "AUTO"
)

// copterModes maps ArduCopter custom_mode numbers to their names.
var copterModes = map[uint32]string{
	0:  "STABILIZE",
	1:  "ACRO",
	2:  "ALT_HOLD",
	3:  ModeAuto,
	4:  ModeGuided,
	5:  "LOITER",
	6:  ModeRTL,
	7:  "CIRCLE",
	9:  ModeLand,
	11: "DRIFT",
	13: "SPORT",
	14: "FLIP",
	15: "AUTOTUNE",
	16: "POSHOLD",
	17: "BRAKE",
	18: "THROW",
	19: "AVOID_ADSB",
	20: "GUIDED_NOGPS",
	21: "SMART_RTL",
}

var copterModeNumbers = func() map[string]uint32 {
	m := make(map[string]uint32, len(copterModes))
	for n, name := range copterModes {
		m[name] = n
	}
	return m
}()

// ModeName returns the ArduCopter name of a custom mode number.
func ModeName(custom uint32) string {
	if name, ok := copterModes[custom]; ok {
		return name
	}
	return fmt.Sprintf("Mode(%d)", custom)
}

// ModeNumber returns the custom mode number for a mode name.
func ModeNumber(name string) (uint32, error) {
	n, ok := copterModeNumbers[strings.ToUpper(name)]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownMode, name)
	}
	return n, nil
}
