package metrics

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// jsonPoint is the on-the-wire shape of one recorded sample for both the
// JSON export and the persistence checkpoint.
type jsonPoint struct {
	Value     float64           `json:"value"`
	Timestamp string            `json:"timestamp"`
	Tags      map[string]string `json:"tags,omitempty"`
}

// ExportJSON renders every series with at least one point in [from, to] as
// a structured JSON object keyed by metric type, then by metric key, then a
// list of points.
func (s *Sink) ExportJSON(from, to time.Time) ([]byte, error) {
	snap := s.Snapshot()

	out := make(map[string]map[string][]jsonPoint)
	for key, sr := range snap {
		var pts []jsonPoint
		for _, p := range sr.Points {
			if p.Timestamp.Before(from) || p.Timestamp.After(to) {
				continue
			}
			pts = append(pts, jsonPoint{
				Value:     p.Value,
				Timestamp: p.Timestamp.UTC().Format(time.RFC3339Nano),
				Tags:      p.Tags,
			})
		}
		if len(pts) == 0 {
			continue
		}
		typeName := sr.Type.String()
		if out[typeName] == nil {
			out[typeName] = make(map[string][]jsonPoint)
		}
		out[typeName][key] = pts
	}
	return json.MarshalIndent(out, "", "  ")
}

// ExportPrometheusText renders every series' most recent point as
// Prometheus's line-based text exposition format, with "# HELP"/"# TYPE"
// headers per metric name.
func (s *Sink) ExportPrometheusText() string {
	snap := s.Snapshot()

	byName := make(map[string][]struct {
		typ    Type
		tags   map[string]string
		latest Point
	})
	for _, sr := range snap {
		if len(sr.Points) == 0 || sr.Name == "" {
			continue
		}
		latest := sr.Points[0]
		for _, p := range sr.Points {
			if p.Timestamp.After(latest.Timestamp) {
				latest = p
			}
		}
		byName[sr.Name] = append(byName[sr.Name], struct {
			typ    Type
			tags   map[string]string
			latest Point
		}{sr.Type, sr.Tags, latest})
	}

	names := make([]string, 0, len(byName))
	for n := range byName {
		names = append(names, n)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		entries := byName[name]
		fmt.Fprintf(&b, "# HELP %s lake metric\n", name)
		fmt.Fprintf(&b, "# TYPE %s %s\n", name, promType(entries[0].typ))
		for _, e := range entries {
			fmt.Fprintf(&b, "%s%s %v\n", name, promLabels(e.tags), e.latest.Value)
		}
	}
	return b.String()
}

func promType(t Type) string {
	switch t {
	case Counter:
		return "counter"
	case Gauge:
		return "gauge"
	case Histogram, Timer:
		return "histogram"
	default:
		return "summary"
	}
}

func promLabels(tags map[string]string) string {
	if len(tags) == 0 {
		return ""
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%q", k, tags[k])
	}
	return "{" + strings.Join(parts, ",") + "}"
}
