package tasks

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"plexalign/internal/fsutil"
)

// ErrInvalidPattern is returned for filename patterns lacking a required group.
var ErrInvalidPattern = errors.New("invalid filename pattern")

var requiredGroups = []string{"plate", "site", "cycle", "channel"}

// Acquisition is one image file identified by its experiment coordinates.
type Acquisition struct {
	Plate   string `json:"plate"`
	Site    int    `json:"site"`
	Cycle   int    `json:"cycle"`
	Channel string `json:"channel"`
	ZPlane  int    `json:"zplane"`
	Path    string `json:"path"`
}

// ScanResult captures detected assets.
type ScanResult struct {
	Root         string
	Acquisitions []Acquisition
	Skipped      []string
}

// CompilePattern compiles a filename pattern and checks its named groups.
func CompilePattern(pattern string) (*regexp.Regexp, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPattern, err)
	}
	for _, g := range requiredGroups {
		if re.SubexpIndex(g) < 0 {
			return nil, fmt.Errorf("%w: missing group %q", ErrInvalidPattern, g)
		}
	}
	return re, nil
}

// Parse matches the base name of path against re.
func Parse(re *regexp.Regexp, path string) (Acquisition, bool) {
	m := re.FindStringSubmatch(filepath.Base(path))
	if m == nil {
		return Acquisition{}, false
	}
	group := func(name string) string {
		if i := re.SubexpIndex(name); i >= 0 {
			return m[i]
		}
		return ""
	}
	site, err := strconv.Atoi(group("site"))
	if err != nil {
		return Acquisition{}, false
	}
	cycle, err := strconv.Atoi(group("cycle"))
	if err != nil {
		return Acquisition{}, false
	}
	a := Acquisition{Plate: group("plate"), Site: site, Cycle: cycle, Channel: group("channel"), Path: path}
	if z := group("zplane"); z != "" {
		if a.ZPlane, err = strconv.Atoi(z); err != nil {
			return Acquisition{}, false
		}
	}
	return a, true
}

// Scan walks input and classifies every image by its file name.
func Scan(input, pattern string) (ScanResult, error) {
	re, err := CompilePattern(pattern)
	if err != nil {
		return ScanResult{}, err
	}
	files, err := fsutil.ListImages(input)
	if err != nil {
		return ScanResult{}, err
	}
	sort.Strings(files)

	res := ScanResult{Root: input}
	for _, f := range files {
		a, ok := Parse(re, f)
		if !ok {
			res.Skipped = append(res.Skipped, f)
			continue
		}
		res.Acquisitions = append(res.Acquisitions, a)
	}
	return res, nil
}

// Layout indexes acquisitions by plate, site, cycle and channel.
type Layout struct {
	acqs []Acquisition
}

// NewLayout copies and sorts acqs.
func NewLayout(acqs []Acquisition) *Layout {
	l := &Layout{acqs: append([]Acquisition(nil), acqs...)}
	sort.Slice(l.acqs, func(i, j int) bool {
		a, b := l.acqs[i], l.acqs[j]
		switch {
		case a.Plate != b.Plate:
			return a.Plate < b.Plate
		case a.Site != b.Site:
			return a.Site < b.Site
		case a.Cycle != b.Cycle:
			return a.Cycle < b.Cycle
		case a.Channel != b.Channel:
			return a.Channel < b.Channel
		}
		return a.ZPlane < b.ZPlane
	})
	return l
}

// Layout indexes the scanned acquisitions.
func (r ScanResult) Layout() *Layout { return NewLayout(r.Acquisitions) }

// Acquisitions returns the acquisitions of plate, or of every plate when
// plate is empty.
func (l *Layout) Acquisitions(plate string) []Acquisition {
	var out []Acquisition
	for _, a := range l.acqs {
		if plate == "" || a.Plate == plate {
			out = append(out, a)
		}
	}
	return out
}

// Plates lists plate names.
func (l *Layout) Plates() []string {
	var out []string
	for _, a := range l.acqs {
		if len(out) == 0 || out[len(out)-1] != a.Plate {
			out = append(out, a.Plate)
		}
	}
	return out
}

// Sites lists the sites of a plate that have at least one image in channel.
// An empty channel matches every channel.
func (l *Layout) Sites(plate, channel string) []int {
	return l.distinct(plate, channel, func(a Acquisition) int { return a.Site })
}

// Cycles lists the cycles of a plate that have at least one image in channel.
func (l *Layout) Cycles(plate, channel string) []int {
	return l.distinct(plate, channel, func(a Acquisition) int { return a.Cycle })
}

// Channels lists the channels of a plate.
func (l *Layout) Channels(plate string) []string {
	seen := map[string]bool{}
	var out []string
	for _, a := range l.acqs {
		if a.Plate == plate && !seen[a.Channel] {
			seen[a.Channel] = true
			out = append(out, a.Channel)
		}
	}
	sort.Strings(out)
	return out
}

// Stack returns the z-plane files of one image, ordered by plane.
func (l *Layout) Stack(plate string, site, cycle int, channel string) []string {
	var out []string
	for _, a := range l.acqs {
		if a.Plate == plate && a.Site == site && a.Cycle == cycle && a.Channel == channel {
			out = append(out, a.Path)
		}
	}
	return out
}

func (l *Layout) distinct(plate, channel string, key func(Acquisition) int) []int {
	seen := map[int]bool{}
	var out []int
	for _, a := range l.acqs {
		if a.Plate != plate || (channel != "" && a.Channel != channel) {
			continue
		}
		if k := key(a); !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	sort.Ints(out)
	return out
}
