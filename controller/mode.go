package controller

import (
	"fmt"
	"strings"
)

// ModeBits holds the X and Y axis configuration bitfields.
type ModeBits struct {
	X, Y uint8
}

func (b ModeBits) String() string {
	return fmt.Sprintf("x=%d y=%d", b.X, b.Y)
}

// Hex formats the bitfields the way the controller documentation does.
func (b ModeBits) Hex() (string, string) {
	return fmt.Sprintf("0x%02X", b.X), fmt.Sprintf("0x%02X", b.Y)
}

const (
	xDragTrack        uint8 = 1 << 3
	xTrackingPlatform uint8 = 1 << 4
	xGuide            uint8 = 1 << 7
	ySlewTrack        uint8 = 1 << 3
)

// Mode is a human readable operating mode decoded from ModeBits.
type Mode string

const (
	ModeNormal           Mode = "Normal"
	ModeDragAndTrack     Mode = "Drag and Track"
	ModeTrackingPlatform Mode = "Tracking Platform"
	ModeGuide            Mode = "Guide Mode"
	ModeSlewAndTrack     Mode = "Slew and Track"
)

// DecodeMode lists every mode whose bit is set. Several may be active at
// once; the first is the primary mode.
func DecodeMode(bits ModeBits) []Mode {
	var modes []Mode
	if bits.X&xDragTrack != 0 {
		modes = append(modes, ModeDragAndTrack)
	}
	if bits.X&xTrackingPlatform != 0 {
		modes = append(modes, ModeTrackingPlatform)
	}
	if bits.X&xGuide != 0 {
		modes = append(modes, ModeGuide)
	}
	if bits.Y&ySlewTrack != 0 {
		modes = append(modes, ModeSlewAndTrack)
	}
	if len(modes) == 0 {
		modes = []Mode{ModeNormal}
	}
	return modes
}

// ModeName selects a mode that SetMode can switch to.
type ModeName string

const (
	Normal       ModeName = "normal"
	SlewAndTrack ModeName = "slew_track"
	DragAndTrack ModeName = "drag_track"
)

func ParseModeName(s string) (ModeName, error) {
	name := ModeName(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := modeMasks[name]; !ok {
		return "", fmt.Errorf("unknown mode %q (want normal, slew_track or drag_track)", s)
	}
	return name, nil
}

type modeMask struct {
	label        string
	clearX, setX uint8
	clearY, setY uint8
}

func (m modeMask) apply(b ModeBits) ModeBits {
	return ModeBits{
		X: b.X&^m.clearX | m.setX,
		Y: b.Y&^m.clearY | m.setY,
	}
}

// Only the bits that define each mode are touched; everything else in the
// bitfields is preserved.
var modeMasks = map[ModeName]modeMask{
	Normal: {
		label:  "Normal",
		clearX: xDragTrack | xTrackingPlatform | xGuide,
		clearY: ySlewTrack,
	},
	SlewAndTrack: {
		label:  "Slew and Track",
		clearX: xDragTrack,
		setY:   ySlewTrack,
	},
	DragAndTrack: {
		label:  "Drag and Track",
		setX:   xDragTrack,
		clearY: ySlewTrack,
	},
}
