package mission

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eytandecker/porce-nav/pkg/types"
)

const sampleMission = `QGC WPL 110
0	1	0	16	0	0	0	0	42.126500	-1.140300	350.000000	1
1	0	3	22	0.000000	0.000000	0.000000	0.000000	42.126500	-1.140300	380.000000	1

2	0	3	16	0.000000	0.000000	0.000000	0.000000	42.128300	-1.140300	380.000000	1
3 0 3 16 0 0 0 0 42.1283 -1.1379 385.5 1
`

func TestParse(t *testing.T) {
	wps, err := Parse(strings.NewReader(sampleMission))
	require.NoError(t, err)
	require.Len(t, wps, 4)

	assert.Equal(t, types.Waypoint{Seq: 0, Lat: 42.1265, Lon: -1.1403, Alt: 350}, wps[0])
	assert.Equal(t, 1, wps[1].Seq)
	assert.InDelta(t, 380.0, wps[1].Alt, 1e-9)
	assert.InDelta(t, 42.1283, wps[2].Lat, 1e-9)
	assert.Equal(t, types.Waypoint{Seq: 3, Lat: 42.1283, Lon: -1.1379, Alt: 385.5}, wps[3])
}

func TestParseSkipsShortAndHeaderLines(t *testing.T) {
	in := "QGC WPL 110\n" +
		"   \n" +
		"1 2 3\n" +
		"QGC anything else\n" +
		"7 0 3 16 0 0 0 0 41.5 -0.5 200\r\n"

	wps, err := Parse(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, wps, 1)
	assert.Equal(t, types.Waypoint{Seq: 7, Lat: 41.5, Lon: -0.5, Alt: 200}, wps[0])
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantErr error
		errText string
	}{
		{name: "empty", in: "", wantErr: ErrEmptyMission},
		{name: "header only", in: "QGC WPL 110\n\n", wantErr: ErrEmptyMission},
		{name: "bad seq", in: "x 0 3 16 0 0 0 0 41.5 -0.5 200 1\n", errText: "line 1: seq"},
		{name: "bad lat", in: "QGC WPL 110\n0 0 3 16 0 0 0 0 north -0.5 200 1\n", errText: "line 2: lat"},
		{name: "bad alt", in: "0 0 3 16 0 0 0 0 41.5 -0.5 high 1\n", errText: "line 1: alt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.in))
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			if tt.errText != "" {
				assert.Contains(t, err.Error(), tt.errText)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ejea_default.waypoints")
	require.NoError(t, os.WriteFile(path, []byte(sampleMission), 0o600))

	wps, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, wps, 4)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.waypoints"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
