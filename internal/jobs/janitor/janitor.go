package janitor

import (
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// Sweeper drops entries that are expired at now and reports how many.
type Sweeper interface {
	Sweep(now time.Time) int
}

// Target names a cache for reporting.
type Target struct {
	Name    string
	Sweeper Sweeper
}

type Report struct {
	At      time.Time      `json:"at"`
	Removed map[string]int `json:"removed"`
}

func (r Report) Total() int {
	total := 0
	for _, n := range r.Removed {
		total += n
	}
	return total
}

// Janitor sweeps a fixed set of caches when asked. It never schedules
// itself and does no I/O.
type Janitor struct {
	targets []Target

	mu   sync.Mutex
	last Report
}

func New(targets ...Target) *Janitor {
	kept := make([]Target, 0, len(targets))
	for _, t := range targets {
		if t.Sweeper != nil {
			kept = append(kept, t)
		}
	}
	return &Janitor{targets: kept}
}

// Sweep runs every target once. Concurrent callers are serialized.
func (j *Janitor) Sweep(now time.Time) Report {
	j.mu.Lock()
	defer j.mu.Unlock()

	report := Report{At: now, Removed: make(map[string]int, len(j.targets))}
	for _, t := range j.targets {
		report.Removed[t.Name] += t.Sweeper.Sweep(now)
	}
	j.last = report

	if total := report.Total(); total > 0 {
		log.Debug("Expired cache entries removed", "removed", report.Removed, "total", total)
	}
	return report
}

// Last returns the report of the previous sweep.
func (j *Janitor) Last() Report {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.last
}
