// Package usage derives resource-usage reports from workflow runner output.
//
// Reports are opaque to the job ledger: they are stored as job metrics and
// returned unmodified.
package usage

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"slices"
	"strings"
	"time"
)

// Unknown marks a figure the runner does not report.
const Unknown = -999.0

// TimeLayout is the timestamp format used in reports.
const TimeLayout = "2006-01-02T15:04:05-0700"

const logTimeLayout = "2006-01-02 15:04:05"

var (
	stepStart = regexp.MustCompile(`\[(\d{4}-\d{2}-\d{2}\s+\d{2}:\d{2}:\d{2})\].+\[step\s(.+)\]\sstart`)
	stepEnd   = regexp.MustCompile(`\[(\d{4}-\d{2}-\d{2}\s+\d{2}:\d{2}:\d{2})\].+\[step\s(.+)\]\scompleted`)
)

// Step is the wall-clock span of one workflow step.
type Step struct {
	Name   string
	Start  time.Time
	Finish time.Time
}

// ParseSteps reads a cwl-runner --timestamps log and returns the completed
// steps ordered by start time. Log timestamps carry no zone and are read in
// loc (time.Local when nil). Returned times are UTC.
//
// A start is paired with the next completion of the same step name, so
// interleaved parallel steps are matched correctly. Steps that never
// completed are omitted.
func ParseSteps(r io.Reader, loc *time.Location) ([]Step, error) {
	if loc == nil {
		loc = time.Local
	}

	open := make(map[string][]time.Time)
	var steps []Step

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if m := stepStart.FindStringSubmatch(line); m != nil {
			t, err := parseLogTime(m[1], loc)
			if err != nil {
				return nil, err
			}
			open[m[2]] = append(open[m[2]], t)
			continue
		}
		if m := stepEnd.FindStringSubmatch(line); m != nil {
			pending := open[m[2]]
			if len(pending) == 0 {
				continue
			}
			t, err := parseLogTime(m[1], loc)
			if err != nil {
				return nil, err
			}
			steps = append(steps, Step{Name: m[2], Start: pending[0], Finish: t})
			open[m[2]] = pending[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read runner log: %w", err)
	}

	slices.SortStableFunc(steps, func(a, b Step) int { return a.Start.Compare(b.Start) })
	return steps, nil
}

func parseLogTime(v string, loc *time.Location) (time.Time, error) {
	t, err := time.ParseInLocation(logTimeLayout, strings.Join(strings.Fields(v), " "), loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse log timestamp %q: %w", v, err)
	}
	return t.UTC(), nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(TimeLayout)
}
