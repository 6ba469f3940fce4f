package sitechexe

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	versionPrefix    = "_GetSiTechVersion="
	modelInfoTimeout = 1 * time.Second
	pingTimeout      = 2 * time.Second
)

// Version returns the SiTechExe version string, or "" if the daemon did not
// answer within the short version timeout.
func (c *Client) Version() string {
	req := c.Request("GetSiTechVersion")
	req.Timeout = c.cfg.VersionTimeout
	raw, _ := c.SendCommand(req)
	v := strings.TrimSpace(strings.TrimLeft(raw, ";\r\n "))
	if strings.HasPrefix(v, versionPrefix) {
		return strings.TrimSpace(v[len(versionPrefix):])
	}
	if i := strings.Index(v, versionPrefix); i >= 0 {
		return strings.TrimSpace(v[i+len(versionPrefix):])
	}
	return v
}

// SiteLocation returns the site latitude and longitude in degrees.
// Missing or malformed fields are reported as 0.
func (c *Client) SiteLocation() (lat, lon float64, err error) {
	raw, err := c.SendCommand(c.Request("SiteLocations"))
	if err != nil {
		return 0, 0, err
	}
	parts := strings.Split(raw, ";")
	if len(parts) > 0 {
		lat, _ = strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	}
	if len(parts) > 1 {
		lon, _ = strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	}
	return lat, lon, nil
}

// ModelInfo is the pointing model summary.
type ModelInfo struct {
	CalPoints string
	RMS       string
}

func (c *Client) ModelInfo() ModelInfo {
	req := c.Request("GetPointXPStatus")
	req.Timeout = modelInfoTimeout
	req.Terminator = ""
	raw, _ := c.SendCommand(req)
	var parts []string
	for _, p := range strings.Split(raw, ";") {
		parts = append(parts, strings.TrimSpace(p))
	}
	info := ModelInfo{CalPoints: "0"}
	if len(parts) > 0 && parts[0] != "" {
		info.CalPoints = parts[0]
	}
	if len(parts) > 1 {
		info.RMS = strings.TrimPrefix(parts[1], "RMS=")
	}
	return info
}

// Ping reports whether the daemon answers a trivial request.
func (c *Client) Ping() bool {
	req := c.Request("Xg")
	req.Timeout = pingTimeout
	resp, err := c.SendCommand(req)
	return err == nil && resp != ""
}

// Commands confirmed by a reply. RA is in hours, Dec in degrees, both as
// the caller formatted them.

func (c *Client) GoTo(ra, dec string) string {
	return c.Command(fmt.Sprintf("GoTo %s %s", ra, dec))
}

func (c *Client) GoToAltAz(alt, az float64) string {
	return c.Command(fmt.Sprintf("GoToAltAz %.6f %.6f", az, alt))
}

func (c *Client) Sync(ra, dec string) string {
	return c.Command(fmt.Sprintf("Sync %s %s 1", ra, dec))
}

// AddCalPoint syncs and adds a pointing model calibration point.
func (c *Client) AddCalPoint(ra, dec string) string {
	return c.Command(fmt.Sprintf("Sync %s %s 2", ra, dec))
}

func (c *Client) ClearCalPoints() string {
	return c.Command("ClearAllCalPoints")
}

func (c *Client) RemoveLastCalPoint() string {
	return c.Command("RemoveLastCalPoint")
}

func (c *Client) EnablePoint(index int) string {
	return c.Command(fmt.Sprintf("EnablePoint %d", index))
}

func (c *Client) DisablePoint(index int) string {
	return c.Command(fmt.Sprintf("DisablePoint %d", index))
}

func (c *Client) SaveModel() string {
	return c.Command("SaveModel")
}

func (c *Client) SetPark() string {
	return c.Command("SetPark")
}

// Movement commands never wait for a reply.

func (c *Client) Abort() error {
	return c.SendFireAndForget("Abort")
}

func (c *Client) Park() error {
	return c.SendFireAndForget("Park")
}

func (c *Client) UnPark() error {
	return c.SendFireAndForget("UnPark")
}

// StartTracking starts sidereal tracking.
func (c *Client) StartTracking() error {
	return c.SendFireAndForget("SetTrackMode 1 0 0.0 0.0")
}

// MoveAxis sends a MoveAxisSPG command; arg may be empty.
func (c *Client) MoveAxis(axis, arg string) error {
	cmd := "MoveAxisSPG" + axis
	if arg != "" {
		cmd += " " + arg
	}
	return c.SendFireAndForget(cmd)
}

// SetMotorsAuto switches the motors between computer control and Blinky
// (manual) mode.
func (c *Client) SetMotorsAuto(auto bool) error {
	if auto {
		return c.SendFireAndForget("MotorsToAuto")
	}
	return c.SendFireAndForget("MotorsToBlinky")
}
