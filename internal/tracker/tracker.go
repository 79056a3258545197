// Package tracker associates per-frame face detections into persistent tracks.
//
// Association is greedy and IoU based: each existing track, in creation
// order, claims the unclaimed detection it overlaps most, provided the
// overlap beats MatchThreshold. Tracks that miss coast on their last box
// until they have missed more than MaxMisses frames in a row.
package tracker

import (
	"sort"
	"time"

	"github.com/andresmejia3/veil/internal/types"
)

const (
	DefaultMatchThreshold = 0.3
	DefaultMaxMisses      = 60
)

// Assignment selects how detections are matched to tracks.
type Assignment int

const (
	// Greedy matches each track to its best remaining detection in creation order.
	Greedy Assignment = iota
	// Optimal solves the assignment globally (Hungarian) over 1-IoU costs.
	Optimal
)

func (a Assignment) String() string {
	if a == Optimal {
		return "optimal"
	}
	return "greedy"
}

// Config holds the tracker tuning.
type Config struct {
	MatchThreshold float64    // IoU must exceed this to match
	MaxMisses      int        // a track is pruned once Misses > MaxMisses
	Assignment     Assignment // Greedy unless explicitly requested
}

// DefaultConfig returns the tuning used by the export pipeline.
func DefaultConfig() Config {
	return Config{
		MatchThreshold: DefaultMatchThreshold,
		MaxMisses:      DefaultMaxMisses,
		Assignment:     Greedy,
	}
}

// Track is a persistent identity for one face across frames.
type Track struct {
	ID       int
	Box      types.Box // last matched raw box
	Smoothed types.Box // owned by the smoother; empty until the first smoothing pass
	Misses   int       // consecutive frames without a match
	Hits     int       // total matched frames
	Excluded bool      // user override: never redact this track
	Created  time.Duration
	LastSeen time.Duration
	Score    float64
	Identity []float64
}

// Result describes what a single Update did.
type Result struct {
	Born    []*Track
	Matched []*Track
	Missed  []*Track
	Pruned  []Track // snapshots; pruned tracks are no longer owned by the manager
}

// Manager owns the active track set for one session. It is not safe for concurrent use.
type Manager struct {
	cfg    Config
	tracks []*Track // creation order
	nextID int
}

// New creates a Manager. Zero fields in cfg fall back to the defaults.
func New(cfg Config) *Manager {
	if cfg.MatchThreshold <= 0 {
		cfg.MatchThreshold = DefaultMatchThreshold
	}
	if cfg.MaxMisses <= 0 {
		cfg.MaxMisses = DefaultMaxMisses
	}
	return &Manager{cfg: cfg, nextID: 1}
}

func (m *Manager) Config() Config { return m.cfg }

// Update runs one frame of association against detections observed at now.
func (m *Manager) Update(detections []types.Detection, now time.Duration) Result {
	var res Result

	var assign []int
	if m.cfg.Assignment == Optimal {
		assign = m.assignOptimal(detections)
	} else {
		assign = m.assignGreedy(detections)
	}

	used := make([]bool, len(detections))
	for i, t := range m.tracks {
		j := assign[i]
		if j < 0 {
			t.Misses++
			res.Missed = append(res.Missed, t)
			continue
		}
		used[j] = true
		d := detections[j]
		t.Box = d.Box
		t.Misses = 0
		t.Hits++
		t.LastSeen = now
		t.Score = d.Score
		if d.Identity != nil {
			t.Identity = d.Identity
		}
		res.Matched = append(res.Matched, t)
	}

	for j, d := range detections {
		if used[j] {
			continue
		}
		t := &Track{
			ID:       m.nextID,
			Box:      d.Box,
			Hits:     1,
			Created:  now,
			LastSeen: now,
			Score:    d.Score,
			Identity: d.Identity,
		}
		m.nextID++
		m.tracks = append(m.tracks, t)
		res.Born = append(res.Born, t)
	}

	active := m.tracks[:0]
	for _, t := range m.tracks {
		if t.Misses > m.cfg.MaxMisses {
			res.Pruned = append(res.Pruned, *t)
			continue
		}
		active = append(active, t)
	}
	for i := len(active); i < len(m.tracks); i++ {
		m.tracks[i] = nil
	}
	m.tracks = active

	return res
}

// assignGreedy returns, for each track, the index of its matched detection or -1.
func (m *Manager) assignGreedy(detections []types.Detection) []int {
	assign := make([]int, len(m.tracks))
	used := make([]bool, len(detections))
	for i, t := range m.tracks {
		assign[i] = -1
		best := m.cfg.MatchThreshold
		for j, d := range detections {
			if used[j] {
				continue
			}
			// strict > keeps the first-seen detection on ties
			if iou := IoU(t.Box, d.Box); iou > best {
				best = iou
				assign[i] = j
			}
		}
		if assign[i] >= 0 {
			used[assign[i]] = true
		}
	}
	return assign
}

func (m *Manager) assignOptimal(detections []types.Detection) []int {
	cost := make([][]float64, len(m.tracks))
	for i, t := range m.tracks {
		cost[i] = make([]float64, len(detections))
		for j, d := range detections {
			iou := IoU(t.Box, d.Box)
			if iou > m.cfg.MatchThreshold {
				cost[i][j] = 1 - iou
			} else {
				cost[i][j] = forbidden
			}
		}
	}
	assign := hungarianAssign(cost)
	if assign == nil {
		assign = make([]int, len(m.tracks))
		for i := range assign {
			assign[i] = -1
		}
	}
	return assign
}

// Tracks returns the live tracks in creation order.
func (m *Manager) Tracks() []*Track {
	out := make([]*Track, len(m.tracks))
	copy(out, m.tracks)
	return out
}

// Active returns the live tracks ordered by ascending id.
func (m *Manager) Active() []*Track {
	out := m.Tracks()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get looks up a live track by id.
func (m *Manager) Get(id int) *Track {
	for _, t := range m.tracks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// Exclude marks a live track as exempt from redaction. It reports whether the track exists.
func (m *Manager) Exclude(id int) bool {
	t := m.Get(id)
	if t == nil {
		return false
	}
	t.Excluded = true
	return true
}

// Len is the number of live tracks.
func (m *Manager) Len() int { return len(m.tracks) }
