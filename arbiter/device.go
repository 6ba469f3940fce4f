package arbiter

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	bugserial "go.bug.st/serial"

	"github.com/w1xm/sitech_interface/controller"
)

// Opener opens the serial device once the daemon has released it.
type Opener interface {
	Open(device string) (io.ReadWriteCloser, error)
}

// replaced in tests
var getPortsList = bugserial.GetPortsList

// CheckDevice reports whether device exists, listing the serial ports the
// system does know about when it does not.
func CheckDevice(device string) error {
	ports, listErr := getPortsList()
	for _, p := range ports {
		if p == device {
			return nil
		}
	}
	// Symlinks such as /dev/serial/by-id/... are not enumerated.
	_, err := os.Stat(device)
	switch {
	case err == nil:
		return nil
	case listErr == nil && len(ports) > 0:
		return fmt.Errorf("serial port %s does not exist (available: %s)", device, strings.Join(ports, ", "))
	}
	return fmt.Errorf("serial port %s does not exist: %w", device, err)
}

// SerialOpener opens the controller port with tarm/serial after checking
// that the device is present.
type SerialOpener struct {
	Baud        int
	ReadTimeout time.Duration
}

func (o SerialOpener) Open(device string) (io.ReadWriteCloser, error) {
	if err := CheckDevice(device); err != nil {
		return nil, err
	}
	return controller.OpenSerial(controller.SerialConfig{
		Port:        device,
		Baud:        o.Baud,
		ReadTimeout: o.ReadTimeout,
	})
}
