package metrics

import (
	"fmt"
	"runtime"
	"sync"
	"time"
)

// Collector aggregates capture counters for the diagnostics surface.
type Collector struct {
	CaptureCount   uint64            `json:"capture_count"`
	EmittedByKind  map[string]uint64 `json:"emitted_by_kind"`
	TopHostnames   map[string]uint64 `json:"top_hostnames"`
	StoreEntries   int               `json:"store_entries"`
	SweptEntries   uint64            `json:"swept_entries"`
	DroppedEvents  uint64            `json:"dropped_events"`
	SuppressedErrs uint64            `json:"suppressed_errors"`

	StartTime    time.Time     `json:"start_time"`
	Uptime       string        `json:"uptime"`
	MemoryUsage  MemoryStats   `json:"memory_usage"`
	RecentEvents []SystemEvent `json:"recent_events"`

	mu sync.RWMutex `json:"-"`
}

type MemoryStats struct {
	Allocated uint64 `json:"allocated"`
	System    uint64 `json:"system"`
	HeapInuse uint64 `json:"heap_inuse"`
	NumGC     uint32 `json:"num_gc"`
}

type SystemEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

func NewCollector() *Collector {
	return &Collector{
		EmittedByKind: make(map[string]uint64),
		TopHostnames:  make(map[string]uint64),
		RecentEvents:  make([]SystemEvent, 0, 20),
		StartTime:     time.Now(),
	}
}

// RecordCapture counts one emitted event of the given kind.
func (c *Collector) RecordCapture(kind, hostname string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.CaptureCount++
	c.EmittedByKind[kind]++

	if hostname != "" {
		c.TopHostnames[hostname]++
		if len(c.TopHostnames) > 20 {
			c.pruneTopHostnames()
		}
	}
}

func (c *Collector) RecordDrop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.DroppedEvents++
}

func (c *Collector) RecordSuppressed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SuppressedErrs++
}

func (c *Collector) RecordSweep(evicted int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SweptEntries += uint64(evicted)
}

// SetStoreGauge reports the current number of unresolved correlation
// entries.
func (c *Collector) SetStoreGauge(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.StoreEntries = n
}

func (c *Collector) RecordEvent(level, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	event := SystemEvent{
		Timestamp: time.Now(),
		Level:     level,
		Message:   message,
	}

	c.RecentEvents = append([]SystemEvent{event}, c.RecentEvents...)
	if len(c.RecentEvents) > 20 {
		c.RecentEvents = c.RecentEvents[:20]
	}
}

// Captures returns the running capture total.
func (c *Collector) Captures() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.CaptureCount
}

// Snapshot copies the collector for the status API.
func (c *Collector) Snapshot() *Collector {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	c.mu.RLock()
	defer c.mu.RUnlock()

	snapshot := &Collector{
		CaptureCount:   c.CaptureCount,
		StoreEntries:   c.StoreEntries,
		SweptEntries:   c.SweptEntries,
		DroppedEvents:  c.DroppedEvents,
		SuppressedErrs: c.SuppressedErrs,
		StartTime:      c.StartTime,
		Uptime:         formatDuration(time.Since(c.StartTime)),
		MemoryUsage: MemoryStats{
			Allocated: memStats.Alloc,
			System:    memStats.Sys,
			HeapInuse: memStats.HeapInuse,
			NumGC:     memStats.NumGC,
		},
	}

	snapshot.EmittedByKind = make(map[string]uint64)
	for k, v := range c.EmittedByKind {
		snapshot.EmittedByKind[k] = v
	}

	snapshot.TopHostnames = make(map[string]uint64)
	for k, v := range c.TopHostnames {
		snapshot.TopHostnames[k] = v
	}

	snapshot.RecentEvents = make([]SystemEvent, len(c.RecentEvents))
	copy(snapshot.RecentEvents, c.RecentEvents)

	return snapshot
}

func (c *Collector) pruneTopHostnames() {
	if len(c.TopHostnames) <= 10 {
		return
	}

	var minCount uint64 = ^uint64(0)
	var minHost string
	for host, count := range c.TopHostnames {
		if count < minCount {
			minCount = count
			minHost = host
		}
	}
	delete(c.TopHostnames, minHost)
}

func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
