package registration

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// ErrFinalized is returned when a collector is used after its barrier.
var ErrFinalized = errors.New("collector already finalized")

// Key identifies one acquisition within a plate.
type Key struct {
	Site  int `json:"site"`
	Cycle int `json:"cycle"`
}

func (k Key) String() string { return fmt.Sprintf("site %d cycle %d", k.Site, k.Cycle) }

// Collector gathers per-site shift records for one plate and reduces them
// into descriptors once every record is in.
type Collector struct {
	plate     string
	refCycle  int
	maxShift  int
	logger    *slog.Logger
	mu        sync.Mutex
	records   map[Key]SiteShift
	finalized bool
}

// NewCollector creates an empty collector. maxShift <= 0 selects
// DefaultMaxToleratedShift; a nil logger selects slog.Default().
func NewCollector(plate string, referenceCycle, maxShift int, logger *slog.Logger) *Collector {
	if maxShift <= 0 {
		maxShift = DefaultMaxToleratedShift
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		plate:    plate,
		refCycle: referenceCycle,
		maxShift: maxShift,
		logger:   logger,
		records:  make(map[Key]SiteShift),
	}
}

// Add stores one record, flagging it when it exceeds the tolerated shift.
// A second record for the same key replaces the first.
func (c *Collector) Add(rec SiteShift) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finalized {
		return fmt.Errorf("add %s: %w", rec.Key(), ErrFinalized)
	}
	rec.ExceedsMaxShift = Shift{Y: rec.Y, X: rec.X}.Exceeds(c.maxShift)
	if rec.ExceedsMaxShift {
		c.logger.Warn("shift exceeds maximum tolerated shift",
			"plate", c.plate, "site", rec.Site, "cycle", rec.Cycle,
			"y", rec.Y, "x", rec.X, "max", c.maxShift)
	}
	c.records[rec.Key()] = rec
	return nil
}

// Len is the number of records collected so far.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

// Finalization is the outcome of the reduce phase.
type Finalization struct {
	Plate string
	// Overhang is already clamped to the tolerated shift.
	Overhang    Overhang
	Shifts      []SiteShift
	Missing     []Key
	Descriptors []*Descriptor
}

// Finalize closes the collector and reduces every expected (site, cycle)
// record. Missing records are reported and excluded; no zero shift is
// synthesised for them.
func (c *Collector) Finalize(sites, cycles []int) (*Finalization, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finalized {
		return nil, fmt.Errorf("finalize plate %s: %w", c.plate, ErrFinalized)
	}
	c.finalized = true

	sites = sortedUnique(sites)
	cycles = sortedUnique(cycles)

	out := &Finalization{Plate: c.plate}
	var ys, xs []int
	for _, site := range sites {
		for _, cycle := range cycles {
			k := Key{Site: site, Cycle: cycle}
			rec, ok := c.records[k]
			if !ok {
				out.Missing = append(out.Missing, k)
				c.logger.Warn("missing shift record", "plate", c.plate, "site", site, "cycle", cycle)
				continue
			}
			out.Shifts = append(out.Shifts, rec)
			ys = append(ys, rec.Y)
			xs = append(xs, rec.X)
		}
	}
	out.Overhang = CalculateOverlap(ys, xs).Clamp(c.maxShift)

	for _, cycle := range cycles {
		d := &Descriptor{
			Plate:             c.plate,
			Cycle:             cycle,
			ReferenceCycle:    c.refCycle,
			Overhangs:         out.Overhang,
			MaxToleratedShift: c.maxShift,
			Shifts:            []SiteShift{},
		}
		for _, s := range out.Shifts {
			if s.Cycle == cycle {
				d.Shifts = append(d.Shifts, s)
			}
		}
		out.Descriptors = append(out.Descriptors, d)
	}
	return out, nil
}

func sortedUnique(in []int) []int {
	seen := make(map[int]struct{}, len(in))
	out := make([]int, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}
