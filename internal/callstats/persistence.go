package callstats

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	// statsVersion is bumped when the schema changes.
	statsVersion = 1

	statsFileName = "call_stats.json"
	appDirName    = "ivr-handler"

	// recentDays bounds the per-day history kept in Stats.Days.
	recentDays = 14
)

// Stats is the persistent aggregate view of calls handled by the service.
// It is loaded from and saved to ~/.local/state/ivr-handler/call_stats.json
// (respecting XDG_STATE_HOME).
type Stats struct {
	Version int `json:"version"`

	TotalCalls      int `json:"totalCalls"`
	EndedCalls      int `json:"endedCalls"`
	DuplicateStarts int `json:"duplicateStarts"`
	TotalDigits     int `json:"totalDigits"`

	// NodeVisits counts digits that left a caller at each menu node.
	NodeVisits map[string]int `json:"nodeVisits"`
	// FinalNodes counts the node each call was at when it ended.
	FinalNodes map[string]int `json:"finalNodes"`

	MaxConcurrentActive  int     `json:"maxConcurrentActive"`
	MaxDigitsPerCall     int     `json:"maxDigitsPerCall"`
	MaxCallDurationSec   float64 `json:"maxCallDurationSec"`
	TotalCallDurationSec float64 `json:"totalCallDurationSec"`

	// Days holds per-day counters, newest last.
	Days []DayStats `json:"days"`

	LastUpdated time.Time `json:"lastUpdated"`
}

// DayStats is one UTC day of traffic.
type DayStats struct {
	Date   string `json:"date"` // YYYY-MM-DD
	Calls  int    `json:"calls"`
	Digits int    `json:"digits"`
}

// AverageCallDurationSec is the mean duration of ended calls.
func (st *Stats) AverageCallDurationSec() float64 {
	if st.EndedCalls == 0 {
		return 0
	}
	return st.TotalCallDurationSec / float64(st.EndedCalls)
}

// today returns the entry for now's UTC date, appending one and trimming
// history as needed.
func (st *Stats) today(now time.Time) *DayStats {
	date := now.UTC().Format("2006-01-02")
	if n := len(st.Days); n > 0 && st.Days[n-1].Date == date {
		return &st.Days[n-1]
	}
	st.Days = append(st.Days, DayStats{Date: date})
	if len(st.Days) > recentDays {
		st.Days = append([]DayStats(nil), st.Days[len(st.Days)-recentDays:]...)
	}
	return &st.Days[len(st.Days)-1]
}

// Store handles loading and saving Stats to disk.
type Store struct {
	dir string
}

// NewStore creates a Store that reads and writes stats in dir. The
// directory is created on the first Save. An empty dir uses the default
// XDG state path.
func NewStore(dir string) *Store {
	if dir == "" {
		dir = defaultStatsDir()
	}
	return &Store{dir: dir}
}

// Path returns the full path to the stats file.
func (s *Store) Path() string {
	return filepath.Join(s.dir, statsFileName)
}

// Load reads stats from disk. A missing file yields empty stats.
func (s *Store) Load() (*Stats, error) {
	data, err := os.ReadFile(s.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return newStats(), nil
		}
		return nil, fmt.Errorf("reading stats: %w", err)
	}

	var st Stats
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parsing stats: %w", err)
	}
	st.initMaps()

	return &st, nil
}

// Save writes stats to disk using an atomic temp-file-then-rename pattern.
func (s *Store) Save(st *Stats) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("creating stats dir: %w", err)
	}

	st.Version = statsVersion
	st.LastUpdated = time.Now().UTC()

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling stats: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(s.dir, ".call-stats-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.Path()); err != nil {
		return fmt.Errorf("renaming stats file: %w", err)
	}
	committed = true

	return nil
}

func newStats() *Stats {
	return &Stats{
		Version:    statsVersion,
		NodeVisits: make(map[string]int),
		FinalNodes: make(map[string]int),
	}
}

// initMaps ensures all map fields are non-nil after deserialization.
func (st *Stats) initMaps() {
	if st.NodeVisits == nil {
		st.NodeVisits = make(map[string]int)
	}
	if st.FinalNodes == nil {
		st.FinalNodes = make(map[string]int)
	}
}

// clone returns a deep copy of Stats.
func (st *Stats) clone() *Stats {
	cp := *st
	cp.NodeVisits = make(map[string]int, len(st.NodeVisits))
	for k, v := range st.NodeVisits {
		cp.NodeVisits[k] = v
	}
	cp.FinalNodes = make(map[string]int, len(st.FinalNodes))
	for k, v := range st.FinalNodes {
		cp.FinalNodes[k] = v
	}
	cp.Days = append([]DayStats(nil), st.Days...)
	return &cp
}

// defaultStatsDir returns ~/.local/state/ivr-handler, respecting
// XDG_STATE_HOME if set.
func defaultStatsDir() string {
	if base := os.Getenv("XDG_STATE_HOME"); base != "" {
		return filepath.Join(base, appDirName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".local", "state", appDirName)
}
