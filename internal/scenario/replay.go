package scenario

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/banshee-data/drive.sync/internal/control"
	"github.com/banshee-data/drive.sync/internal/timestamp"
)

// Record is one planner dump row: the control stage's inputs at a
// timestamp.
type Record struct {
	Timestamp timestamp.Timestamp
	Pose      control.Pose
	Waypoints control.Waypoints
}

var (
	locationRE = regexp.MustCompile(`Location\(x=([^,]+), y=([^,]+), z=([^)]+)\)`)
	rotationRE = regexp.MustCompile(`Rotation\(pitch=([^,]+), yaw=([^,]+), roll=([^)]+)\)`)
	speedRE    = regexp.MustCompile(`forward speed: ([-+0-9.eE]+)`)
)

// LoadCSV reads a planner dump with timestamp, pose and waypoints columns.
// Pose and waypoints cells hold the planner's printed Transform values;
// waypoints carry a zero target speed. Columns are found by header name.
func LoadCSV(r io.Reader) ([]Record, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read planner dump header: %w", err)
	}
	cols := map[string]int{}
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, want := range []string{"timestamp", "pose", "waypoints"} {
		if _, ok := cols[want]; !ok {
			return nil, fmt.Errorf("planner dump has no %q column", want)
		}
	}

	var records []Record
	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("planner dump line %d: %w", line, err)
		}
		rec, err := parseRecord(row, cols)
		if err != nil {
			return nil, fmt.Errorf("planner dump line %d: %w", line, err)
		}
		if n := len(records); n > 0 && !records[n-1].Timestamp.Less(rec.Timestamp) {
			return nil, fmt.Errorf("planner dump line %d: timestamp %v does not follow %v", line, rec.Timestamp, records[n-1].Timestamp)
		}
		records = append(records, rec)
	}
	return records, nil
}

func parseRecord(row []string, cols map[string]int) (Record, error) {
	field := func(name string) string {
		if i := cols[name]; i < len(row) {
			return row[i]
		}
		return ""
	}
	ts, err := parseTimestamp(field("timestamp"))
	if err != nil {
		return Record{}, err
	}
	pose, err := parsePose(field("pose"))
	if err != nil {
		return Record{}, err
	}
	wps, err := parseWaypoints(field("waypoints"))
	if err != nil {
		return Record{}, err
	}
	return Record{Timestamp: ts, Pose: pose, Waypoints: wps}, nil
}

// parseTimestamp accepts "[1 2]" style coordinates or a bare number.
func parseTimestamp(s string) (timestamp.Timestamp, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "[") {
		return timestamp.Parse(strings.ReplaceAll(s, ",", " "))
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return timestamp.Timestamp{}, fmt.Errorf("timestamp %q: %w", s, err)
	}
	return timestamp.New(int64(f)), nil
}

func parsePose(s string) (control.Pose, error) {
	transforms, err := parseTransforms(s)
	if err != nil {
		return control.Pose{}, fmt.Errorf("pose: %w", err)
	}
	if len(transforms) != 1 {
		return control.Pose{}, fmt.Errorf("pose: want 1 transform, got %d", len(transforms))
	}
	pose := control.Pose{Transform: transforms[0]}
	if m := speedRE.FindStringSubmatch(s); m != nil {
		if pose.ForwardSpeed, err = strconv.ParseFloat(m[1], 64); err != nil {
			return control.Pose{}, fmt.Errorf("pose forward speed: %w", err)
		}
	}
	return pose, nil
}

func parseWaypoints(s string) (control.Waypoints, error) {
	transforms, err := parseTransforms(s)
	if err != nil {
		return control.Waypoints{}, fmt.Errorf("waypoints: %w", err)
	}
	return control.Waypoints{Points: transforms, TargetSpeeds: make([]float64, len(transforms))}, nil
}

// parseTransforms pairs each printed Location with the Rotation after it.
func parseTransforms(s string) ([]control.Transform, error) {
	locs := locationRE.FindAllStringSubmatch(s, -1)
	rots := rotationRE.FindAllStringSubmatch(s, -1)
	if len(locs) != len(rots) {
		return nil, fmt.Errorf("%d locations but %d rotations", len(locs), len(rots))
	}
	out := make([]control.Transform, len(locs))
	for i := range locs {
		l, err := parseFloats(locs[i][1:])
		if err != nil {
			return nil, err
		}
		r, err := parseFloats(rots[i][1:])
		if err != nil {
			return nil, err
		}
		out[i] = control.Transform{
			Location: control.Location{X: l[0], Y: l[1], Z: l[2]},
			Rotation: control.Rotation{Pitch: r[0], Yaw: r[1], Roll: r[2]},
		}
	}
	return out, nil
}

func parseFloats(ss []string) ([]float64, error) {
	out := make([]float64, len(ss))
	for i, s := range ss {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, err
		}
		out[i] = f
	}
	return out, nil
}

// Replay publishes records on the pose and waypoints streams and then sends
// Top on every configured stream. Rows with fewer than two waypoints are
// still published so the control stage decides how to brake. onEmit, when
// set, is called as each record starts being published.
func Replay(ctx context.Context, records []Record, out Streams, onEmit func(timestamp.Timestamp)) error {
	for _, rec := range records {
		tick := Tick{Timestamp: rec.Timestamp, Pose: rec.Pose, Waypoints: rec.Waypoints}
		if onEmit != nil {
			onEmit(rec.Timestamp)
		}
		if err := Publish(ctx, out, tick); err != nil {
			return fmt.Errorf("replay %v: %w", rec.Timestamp, err)
		}
	}
	return out.Close(ctx)
}
