package sitechexe

import (
	"bufio"
	"os"
	"strconv"
	"strings"
)

// CalPoint is one pointing model calibration point from SiTechExe's
// PointErr.txt.
type CalPoint struct {
	Index   int     `json:"index"`
	RA      float64 `json:"ra"`
	Dec     float64 `json:"dec"`
	Error   float64 `json:"error"`
	Enabled bool    `json:"enabled"`
}

// ReadCalPoints parses a PointErr.txt file. Lines that do not hold
// index;ra;dec;error;enabled are skipped.
func ReadCalPoints(path string) ([]CalPoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	points := []CalPoint{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if p, ok := parseCalPoint(scanner.Text()); ok {
			points = append(points, p)
		}
	}
	return points, scanner.Err()
}

func parseCalPoint(line string) (CalPoint, bool) {
	parts := strings.Split(strings.TrimSpace(line), ";")
	if len(parts) < 5 {
		return CalPoint{}, false
	}
	var (
		p   CalPoint
		err error
	)
	if p.Index, err = strconv.Atoi(strings.TrimSpace(parts[0])); err != nil {
		return CalPoint{}, false
	}
	for i, dst := range []*float64{&p.RA, &p.Dec, &p.Error} {
		if *dst, err = strconv.ParseFloat(strings.TrimSpace(parts[i+1]), 64); err != nil {
			return CalPoint{}, false
		}
	}
	p.Enabled = strings.EqualFold(strings.TrimSpace(parts[4]), "true")
	return p, true
}
