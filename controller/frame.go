package controller

import "fmt"

const cr = '\r'

// ChecksumFrame frames cmd for a controller in checksum mode. A carriage
// return is appended, and every carriage return is followed by the one's
// complement of the 8-bit sum of all bytes since the previous checksum
// byte, including the carriage return itself. The controller silently
// ignores frames whose checksum does not match.
func ChecksumFrame(cmd string) []byte {
	src := []byte(cmd + "\r")
	out := make([]byte, 0, len(src)+1)
	var sum byte
	for _, b := range src {
		out = append(out, b)
		sum += b
		if b == cr {
			out = append(out, ^sum)
			sum = 0
		}
	}
	return out
}

// VerifyChecksumFrame checks every checksum byte in frame.
func VerifyChecksumFrame(frame []byte) error {
	if len(frame) < 2 || frame[len(frame)-2] != cr {
		return fmt.Errorf("frame %q does not end in CR and checksum", frame)
	}
	var sum byte
	for i := 0; i < len(frame); i++ {
		sum += frame[i]
		if frame[i] != cr {
			continue
		}
		if i+1 >= len(frame) {
			return fmt.Errorf("frame %q: missing checksum after CR at %d", frame, i)
		}
		if want := ^sum; frame[i+1] != want {
			return fmt.Errorf("frame %q: checksum at %d is %#02x, want %#02x", frame, i+1, frame[i+1], want)
		}
		sum = 0
		i++
	}
	return nil
}
