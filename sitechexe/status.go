package sitechexe

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ErrShortStatus is returned by ParseStatusLine when the line has fewer
// fields than a ReadScopeStatus reply. The Telemetry is still usable.
var ErrShortStatus = errors.New("status line has fewer than 8 fields")

// Protocol docs: ReadScopeStatus replies with
// bits;RA;Dec;Alt;Az;...;...;LST;...
const (
	fieldBits = 0
	fieldRA   = 1
	fieldDec  = 2
	fieldAlt  = 3
	fieldAz   = 4
	fieldLST  = 7

	statusFields = 8
)

// Status bits reported in field 0.
const (
	BitInitialized = 1 << 0
	BitTracking    = 1 << 1
	BitSlewing     = 1 << 2
	BitParking     = 1 << 3
	BitParked      = 1 << 4
	BitManual      = 1 << 6
	BitCommFault   = 1 << 7
)

const notAvailableRaw = "N/A"

// Value is a numeric field that keeps its literal text when it does not
// parse as a number.
type Value struct {
	Raw string
	Num float64
	OK  bool
}

func parseValue(raw string) Value {
	raw = strings.TrimSpace(raw)
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return Value{Raw: raw}
	}
	return Value{Raw: raw, Num: f, OK: true}
}

func (v Value) String() string {
	return v.Raw
}

// Telemetry is one ReadScopeStatus snapshot. It is a value type: once
// published it is never modified, only replaced.
type Telemetry struct {
	Raw        string
	StatusBits uint32
	// RA and LST are in hours, Dec, Alt and Az in degrees.
	RA, Dec  Value
	Alt, Az  Value
	LST      Value
	Complete bool
	Received time.Time
}

// Tracking returns the human readable tracking state.
func (t Telemetry) Tracking() string {
	return TrackingLabel(t.StatusBits)
}

// Manual reports whether the motors are in Blinky (manual) mode.
func (t Telemetry) Manual() bool {
	return t.StatusBits&BitManual != 0
}

func parseBits(field string) uint32 {
	field = strings.TrimSpace(field)
	if field == "" {
		return 0
	}
	for _, r := range field {
		if r < '0' || r > '9' {
			return 0
		}
	}
	v, err := strconv.ParseUint(field, 10, 32)
	if err != nil {
		return 0
	}
	return uint32(v)
}

// ParseStatusLine parses a ReadScopeStatus reply. It never fails outright:
// a non-numeric bitfield becomes 0, unparseable angles keep their literal
// text, and a short line yields "N/A" fields together with ErrShortStatus.
func ParseStatusLine(raw string) (Telemetry, error) {
	t := Telemetry{Raw: raw}
	fields := strings.Split(raw, ";")
	t.StatusBits = parseBits(fields[fieldBits])
	if len(fields) < statusFields {
		na := Value{Raw: notAvailableRaw}
		t.RA, t.Dec, t.Alt, t.Az, t.LST = na, na, na, na, na
		return t, ErrShortStatus
	}
	for _, f := range []struct {
		dest  *Value
		index int
	}{
		{&t.RA, fieldRA},
		{&t.Dec, fieldDec},
		{&t.Alt, fieldAlt},
		{&t.Az, fieldAz},
		{&t.LST, fieldLST},
	} {
		*f.dest = parseValue(fields[f.index])
	}
	t.Complete = true
	return t, nil
}

// TrackingLabel maps status bits to a label. The order matters: a tracked
// slew sets both the slewing and tracking bits and must read "Slewing".
func TrackingLabel(bits uint32) string {
	switch {
	case bits&BitCommFault != 0:
		return "Communication Fault"
	case bits&BitManual != 0:
		return "Blinky/Manual"
	case bits&BitParked != 0:
		return "Parked"
	case bits&BitInitialized == 0:
		return "Scope Not Initialized"
	case bits&BitSlewing != 0:
		return "Slewing"
	case bits&BitTracking != 0:
		return "Tracking"
	case bits&BitParking != 0:
		return "Parking"
	}
	return "Stopped"
}

// FormatHMS renders hours (or degrees) as sexagesimal [-]HH:MM:SS.ss, or
// [-]HH:MM:SS without decimals. Non-numeric values are returned as is.
func FormatHMS(v Value, decimals bool) string {
	if !v.OK {
		return v.Raw
	}
	num := v.Num
	sign := ""
	if num < 0 {
		sign = "-"
		num = -num
	}
	h := int(num)
	rem := (num - float64(h)) * 60
	m := int(rem)
	s := (rem - float64(m)) * 60
	if decimals {
		return fmt.Sprintf("%s%02d:%02d:%05.2f", sign, h, m, s)
	}
	si := int(math.Round(s))
	if si == 60 {
		si = 0
		m++
	}
	if m == 60 {
		m = 0
		h++
	}
	return fmt.Sprintf("%s%02d:%02d:%02d", sign, h, m, si)
}
