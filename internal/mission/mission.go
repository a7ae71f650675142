// Package mission reads QGroundControl WPL waypoint files.
package mission

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/eytandecker/porce-nav/pkg/types"
)

// ErrEmptyMission is returned when a file holds no waypoint records.
var ErrEmptyMission = errors.New("mission: no waypoints")

// headerMarker starts the format line, e.g. "QGC WPL 110".
const headerMarker = "QGC"

// minFields is the shortest line treated as a waypoint record.
const minFields = 11

// Load reads and parses the mission file at path.
func Load(path string) ([]types.Waypoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("mission: open: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads whitespace-delimited waypoint records. Header and blank lines
// are skipped, as are lines with fewer than eleven fields. Field 0 is the
// sequence number; fields 8, 9 and 10 are latitude, longitude and altitude.
func Parse(r io.Reader) ([]types.Waypoint, error) {
	var wps []types.Waypoint

	sc := bufio.NewScanner(r)
	for lineNo := 1; sc.Scan(); lineNo++ {
		line := sc.Text()
		if strings.HasPrefix(line, headerMarker) || strings.TrimSpace(line) == "" {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < minFields {
			continue
		}

		wp, err := parseRecord(parts)
		if err != nil {
			return nil, fmt.Errorf("mission: line %d: %w", lineNo, err)
		}
		wps = append(wps, wp)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("mission: read: %w", err)
	}

	if len(wps) == 0 {
		return nil, ErrEmptyMission
	}
	return wps, nil
}

func parseRecord(parts []string) (types.Waypoint, error) {
	seq, err := strconv.Atoi(parts[0])
	if err != nil {
		return types.Waypoint{}, fmt.Errorf("seq: %w", err)
	}
	var vals [3]float64
	for i, name := range [3]string{"lat", "lon", "alt"} {
		v, err := strconv.ParseFloat(parts[8+i], 64)
		if err != nil {
			return types.Waypoint{}, fmt.Errorf("%s: %w", name, err)
		}
		vals[i] = v
	}
	return types.Waypoint{Seq: seq, Lat: vals[0], Lon: vals[1], Alt: vals[2]}, nil
}
