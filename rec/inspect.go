package rec

import (
	"fmt"
	"os"
	"sort"
)

// ReadFile loads every event from a recording chunk.
func ReadFile(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r, err := NewReader(f)
	if err != nil {
		return nil, err
	}

	var events []Event
	for {
		ev, err := r.Next()
		if err != nil {
			break
		}
		events = append(events, ev)
	}
	return events, nil
}

// Summary aggregates a recording for the summary command.
type Summary struct {
	Total     int
	ByKind    map[string]int
	ByHost    map[string]int
	Durations int
	MinMS     int64
	MaxMS     int64
	TotalMS   int64
}

func Summarize(events []Event) Summary {
	s := Summary{
		ByKind: make(map[string]int),
		ByHost: make(map[string]int),
	}
	for _, ev := range events {
		s.Total++
		s.ByKind[ev.Kind]++
		if ev.SNIHostname != "" {
			s.ByHost[ev.SNIHostname]++
		}
		if ev.DurationMS != nil {
			d := *ev.DurationMS
			if s.Durations == 0 || d < s.MinMS {
				s.MinMS = d
			}
			if d > s.MaxMS {
				s.MaxMS = d
			}
			s.TotalMS += d
			s.Durations++
		}
	}
	return s
}

// Format renders the summary as the operator-facing report.
func (s Summary) Format() string {
	out := fmt.Sprintf("events: %d\n", s.Total)

	kinds := make([]string, 0, len(s.ByKind))
	for k := range s.ByKind {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		out += fmt.Sprintf("  %-18s %d\n", k, s.ByKind[k])
	}

	if len(s.ByHost) > 0 {
		hosts := make([]string, 0, len(s.ByHost))
		for h := range s.ByHost {
			hosts = append(hosts, h)
		}
		sort.Slice(hosts, func(i, j int) bool {
			if s.ByHost[hosts[i]] != s.ByHost[hosts[j]] {
				return s.ByHost[hosts[i]] > s.ByHost[hosts[j]]
			}
			return hosts[i] < hosts[j]
		})
		out += "hostnames:\n"
		for _, h := range hosts {
			out += fmt.Sprintf("  %-40s %d\n", h, s.ByHost[h])
		}
	}

	if s.Durations > 0 {
		out += fmt.Sprintf("handshake duration ms: min=%d avg=%d max=%d (n=%d)\n",
			s.MinMS, s.TotalMS/int64(s.Durations), s.MaxMS, s.Durations)
	}
	return out
}
