package registration

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format selects the on-disk encoding of a descriptor.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

var ErrUnknownFormat = errors.New("unknown descriptor format")

// SiteShift is the shift measured for one (site, cycle) pair.
type SiteShift struct {
	Site            int  `json:"site" yaml:"site"`
	Cycle           int  `json:"cycle" yaml:"cycle"`
	Y               int  `json:"y" yaml:"y"`
	X               int  `json:"x" yaml:"x"`
	ExceedsMaxShift bool `json:"exceeds_max_shift" yaml:"exceeds_max_shift"`
}

// Key identifies the record.
func (s SiteShift) Key() Key { return Key{Site: s.Site, Cycle: s.Cycle} }

// Effective is the shift to apply. Flagged shifts are replaced by no shift.
func (s SiteShift) Effective() Shift {
	if s.ExceedsMaxShift {
		return Shift{}
	}
	return Shift{Y: s.Y, X: s.X}
}

// Exceeds reports whether either component of the shift is larger than maxShift.
func (s Shift) Exceeds(maxShift int) bool {
	return abs(s.Y) > maxShift || abs(s.X) > maxShift
}

// Descriptor is the per-cycle alignment document. Overhangs are identical
// for every cycle of a plate.
type Descriptor struct {
	Plate             string      `json:"plate" yaml:"plate"`
	Cycle             int         `json:"cycle" yaml:"cycle"`
	ReferenceCycle    int         `json:"reference_cycle" yaml:"reference_cycle"`
	Overhangs         Overhang    `json:"overhangs" yaml:"overhangs"`
	Shifts            []SiteShift `json:"shifts" yaml:"shifts"`
	MaxToleratedShift int         `json:"max_tolerated_shift" yaml:"max_tolerated_shift"`
}

// ShiftForSite looks up the record of one site.
func (d *Descriptor) ShiftForSite(site int) (SiteShift, bool) {
	for _, s := range d.Shifts {
		if s.Site == site {
			return s, true
		}
	}
	return SiteShift{}, false
}

// ParseFormat accepts "yaml", "yml" or "json", case-insensitively.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(s, ".")) {
	case "yaml", "yml":
		return FormatYAML, nil
	case "json":
		return FormatJSON, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
}

// Extension is the file suffix for the format, including the dot.
func (f Format) Extension() string {
	if f == FormatJSON {
		return ".json"
	}
	return ".yaml"
}

// Encode writes d to w.
func (d *Descriptor) Encode(w io.Writer, format Format) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(d)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(d); err != nil {
			return err
		}
		return enc.Close()
	}
	return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
}

// DecodeDescriptor reads one descriptor from r.
func DecodeDescriptor(r io.Reader, format Format) (*Descriptor, error) {
	var d Descriptor
	switch format {
	case FormatJSON:
		if err := json.NewDecoder(r).Decode(&d); err != nil {
			return nil, fmt.Errorf("decode descriptor: %w", err)
		}
	case FormatYAML:
		if err := yaml.NewDecoder(r).Decode(&d); err != nil {
			return nil, fmt.Errorf("decode descriptor: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	return &d, nil
}

// FileName is the conventional name of the descriptor for d's cycle.
func (d *Descriptor) FileName(format Format) string {
	return fmt.Sprintf("%s_cycle%02d_alignment%s", d.Plate, d.Cycle, format.Extension())
}

// WriteFile writes d to path, picking the format from the extension.
func (d *Descriptor) WriteFile(path string) error {
	format, err := ParseFormat(filepath.Ext(path))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create descriptor directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := d.Encode(f, format); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

// ReadDescriptorFile loads a descriptor, picking the format from the extension.
func ReadDescriptorFile(path string) (*Descriptor, error) {
	format, err := ParseFormat(filepath.Ext(path))
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return DecodeDescriptor(f, format)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
