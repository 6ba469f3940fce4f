package sitechexe

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestParseStatusLine(t *testing.T) {
	na := Value{Raw: "N/A"}
	for _, test := range []struct {
		input   string
		want    Telemetry
		wantErr error
	}{
		{
			"5;1.5;-20.25;30;180;0;0;6.25;_ReadScopeStatus",
			Telemetry{
				StatusBits: 5,
				RA:         Value{"1.5", 1.5, true},
				Dec:        Value{"-20.25", -20.25, true},
				Alt:        Value{"30", 30, true},
				Az:         Value{"180", 180, true},
				LST:        Value{"6.25", 6.25, true},
				Complete:   true,
			},
			nil,
		},
		{
			"x;1.5;abc;30; 181.5 ;0;0;nope",
			Telemetry{
				RA:       Value{"1.5", 1.5, true},
				Dec:      Value{Raw: "abc"},
				Alt:      Value{"30", 30, true},
				Az:       Value{"181.5", 181.5, true},
				LST:      Value{Raw: "nope"},
				Complete: true,
			},
			nil,
		},
		{"", Telemetry{RA: na, Dec: na, Alt: na, Az: na, LST: na}, ErrShortStatus},
		{"No status yet", Telemetry{RA: na, Dec: na, Alt: na, Az: na, LST: na}, ErrShortStatus},
		{"3;1;2", Telemetry{StatusBits: 3, RA: na, Dec: na, Alt: na, Az: na, LST: na}, ErrShortStatus},
		{"-1;;;;;;;", Telemetry{
			RA: Value{}, Dec: Value{}, Alt: Value{}, Az: Value{}, LST: Value{}, Complete: true,
		}, nil},
	} {
		t.Run(test.input, func(t *testing.T) {
			got, err := ParseStatusLine(test.input)
			if err != test.wantErr {
				t.Errorf("err = %v, want %v", err, test.wantErr)
			}
			if diff := cmp.Diff(test.want, got, cmpopts.IgnoreFields(Telemetry{}, "Raw", "Received")); diff != "" {
				t.Errorf("unexpected telemetry: want(-)/got(+):\n%s", diff)
			}
			if got.Raw != test.input {
				t.Errorf("Raw = %q, want %q", got.Raw, test.input)
			}
		})
	}
}

func TestTrackingLabel(t *testing.T) {
	for _, test := range []struct {
		bits uint32
		want string
	}{
		{0b10000101, "Communication Fault"},
		{0b11000001, "Communication Fault"},
		{0b01000101, "Blinky/Manual"},
		{0b00010001, "Parked"},
		{0b00010000, "Parked"},
		{0b00000110, "Scope Not Initialized"},
		{0b00000101, "Slewing"},
		// A tracked slew must read as slewing.
		{0b00000111, "Slewing"},
		{0b00000011, "Tracking"},
		{0b00001011, "Tracking"},
		{0b00001001, "Parking"},
		{0b00000001, "Stopped"},
		{0, "Scope Not Initialized"},
	} {
		if got := TrackingLabel(test.bits); got != test.want {
			t.Errorf("TrackingLabel(%08b) = %q, want %q", test.bits, got, test.want)
		}
	}
}

func TestFormatHMS(t *testing.T) {
	for _, test := range []struct {
		v        Value
		decimals bool
		want     string
	}{
		{parseValue("6.5"), true, "06:30:00.00"},
		{parseValue("-20.25"), true, "-20:15:00.00"},
		{parseValue("1.999999"), false, "02:00:00"},
		{parseValue("12.2583333"), false, "12:15:30"},
		{parseValue("abc"), true, "abc"},
		{Value{Raw: "N/A"}, false, "N/A"},
	} {
		if got := FormatHMS(test.v, test.decimals); got != test.want {
			t.Errorf("FormatHMS(%q, %v) = %q, want %q", test.v.Raw, test.decimals, got, test.want)
		}
	}
}
