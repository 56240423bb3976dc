package engine

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coffersTech/logsink/internal/model"
)

const (
	TransportTCP = "tcp"
	TransportUDP = "udp"
)

// statsFileName is the filename for persisted stats
const statsFileName = ".logsink.stats"

// maxTrackedApplications caps the per-application counters; further names
// are counted under otherApplications.
const (
	maxTrackedApplications = 1024
	otherApplications      = "(other)"
)

// PersistentStats holds cumulative statistics that survive restarts.
type PersistentStats struct {
	TotalPayloads     int64            `json:"total_payloads"`
	TotalBytes        int64            `json:"total_bytes"`
	SeverityCounts    map[string]int64 `json:"severity_counts"`    // wire code -> count
	ApplicationCounts map[string]int64 `json:"application_counts"` // application name -> count
}

// SystemStats contains high-level ingestion metrics for the status endpoint.
type SystemStats struct {
	StartedAt         time.Time        `json:"started_at"`
	IngestionRate     float64          `json:"ingestion_rate"` // payloads/sec
	TotalPayloads     int64            `json:"total_payloads"`
	TotalBytes        int64            `json:"total_bytes"`
	TCPPayloads       int64            `json:"tcp_payloads"`
	UDPPayloads       int64            `json:"udp_payloads"`
	Structured        int64            `json:"structured"`
	Raw               int64            `json:"raw"`
	Persisted         int64            `json:"persisted"`
	WriteFailures     int64            `json:"write_failures"`
	OpenConnections   int64            `json:"open_connections"`
	SeverityCounts    map[string]int64 `json:"severity_counts"`
	ApplicationCounts map[string]int64 `json:"application_counts"`
	DiskUsage         int64            `json:"disk_usage"` // bytes
}

// Stats collects ingestion counters. All methods are safe for concurrent use.
type Stats struct {
	dataDir   string
	startedAt time.Time

	tcpPayloads   int64
	udpPayloads   int64
	bytes         int64
	structured    int64
	raw           int64
	persisted     int64
	writeFailures int64
	connections   int64
	rateCounter   int64

	mu          sync.RWMutex
	currentRate float64
	severities  map[string]int64
	apps        map[string]int64
	base        PersistentStats
}

// NewStats creates a collector and restores cumulative totals saved in dataDir.
func NewStats(dataDir string) *Stats {
	return &Stats{
		dataDir:    dataDir,
		startedAt:  time.Now(),
		severities: make(map[string]int64),
		apps:       make(map[string]int64),
		base:       loadPersistentStats(dataDir),
	}
}

// RecordPayload counts one payload received on transport.
func (s *Stats) RecordPayload(transport string, size int) {
	switch transport {
	case TransportTCP:
		atomic.AddInt64(&s.tcpPayloads, 1)
	case TransportUDP:
		atomic.AddInt64(&s.udpPayloads, 1)
	}
	atomic.AddInt64(&s.bytes, int64(size))
	atomic.AddInt64(&s.rateCounter, 1)
}

// RecordEvent counts a payload that decoded into an event.
func (s *Stats) RecordEvent(ev *model.LogEvent) {
	atomic.AddInt64(&s.structured, 1)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.severities[ev.Severity.Code()]++
	app := ev.Application
	if _, ok := s.apps[app]; !ok && len(s.apps) >= maxTrackedApplications {
		app = otherApplications
	}
	s.apps[app]++
}

// RecordRaw counts a payload that fell back to raw text.
func (s *Stats) RecordRaw() { atomic.AddInt64(&s.raw, 1) }

// EntryPersisted is called by the durable writer after a successful write.
func (s *Stats) EntryPersisted() { atomic.AddInt64(&s.persisted, 1) }

// EntryFailed is called by the durable writer when an entry could not be written.
func (s *Stats) EntryFailed() { atomic.AddInt64(&s.writeFailures, 1) }

func (s *Stats) ConnOpened() { atomic.AddInt64(&s.connections, 1) }
func (s *Stats) ConnClosed() { atomic.AddInt64(&s.connections, -1) }

// StartRateTicker computes the ingestion rate every interval until ctx is done.
func (s *Stats) StartRateTicker(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				count := atomic.SwapInt64(&s.rateCounter, 0)
				rate := float64(count) / interval.Seconds()
				s.mu.Lock()
				s.currentRate = rate
				s.mu.Unlock()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Totals merges the restored totals with the counters of this run.
func (s *Stats) Totals() PersistentStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := PersistentStats{
		TotalPayloads:     s.base.TotalPayloads + atomic.LoadInt64(&s.tcpPayloads) + atomic.LoadInt64(&s.udpPayloads),
		TotalBytes:        s.base.TotalBytes + atomic.LoadInt64(&s.bytes),
		SeverityCounts:    make(map[string]int64, len(s.base.SeverityCounts)+len(s.severities)),
		ApplicationCounts: make(map[string]int64, len(s.base.ApplicationCounts)+len(s.apps)),
	}
	for k, v := range s.base.SeverityCounts {
		out.SeverityCounts[k] += v
	}
	for k, v := range s.severities {
		out.SeverityCounts[k] += v
	}
	for k, v := range s.base.ApplicationCounts {
		out.ApplicationCounts[k] += v
	}
	for k, v := range s.apps {
		out.ApplicationCounts[k] += v
	}
	return out
}

// Snapshot returns the current statistics, including disk usage of dataDir.
func (s *Stats) Snapshot() SystemStats {
	totals := s.Totals()

	s.mu.RLock()
	rate := s.currentRate
	s.mu.RUnlock()

	stats := SystemStats{
		StartedAt:         s.startedAt,
		IngestionRate:     rate,
		TotalPayloads:     totals.TotalPayloads,
		TotalBytes:        totals.TotalBytes,
		TCPPayloads:       atomic.LoadInt64(&s.tcpPayloads),
		UDPPayloads:       atomic.LoadInt64(&s.udpPayloads),
		Structured:        atomic.LoadInt64(&s.structured),
		Raw:               atomic.LoadInt64(&s.raw),
		Persisted:         atomic.LoadInt64(&s.persisted),
		WriteFailures:     atomic.LoadInt64(&s.writeFailures),
		OpenConnections:   atomic.LoadInt64(&s.connections),
		SeverityCounts:    totals.SeverityCounts,
		ApplicationCounts: totals.ApplicationCounts,
	}

	var size int64
	_ = filepath.Walk(s.dataDir, func(_ string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	stats.DiskUsage = size

	return stats
}

// Save writes the cumulative totals to dataDir.
func (s *Stats) Save() error {
	return savePersistentStats(s.dataDir, s.Totals())
}

// loadPersistentStats reads stats from disk.
func loadPersistentStats(dataDir string) PersistentStats {
	stats := PersistentStats{
		SeverityCounts:    make(map[string]int64),
		ApplicationCounts: make(map[string]int64),
	}

	data, err := os.ReadFile(filepath.Join(dataDir, statsFileName))
	if err != nil {
		return stats
	}
	if err := json.Unmarshal(data, &stats); err != nil {
		// Corrupted file, start over
		return PersistentStats{
			SeverityCounts:    make(map[string]int64),
			ApplicationCounts: make(map[string]int64),
		}
	}

	if stats.SeverityCounts == nil {
		stats.SeverityCounts = make(map[string]int64)
	}
	if stats.ApplicationCounts == nil {
		stats.ApplicationCounts = make(map[string]int64)
	}
	return stats
}

// savePersistentStats writes stats to disk atomically.
func savePersistentStats(dataDir string, stats PersistentStats) error {
	data, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return err
	}

	path := filepath.Join(dataDir, statsFileName)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
