// Package stats computes attendance totals, per-subject breakdowns and the
// classes-to-attend / classes-to-skip projections.
package stats

import (
	"fmt"
	"math"
	"math/big"
	"sort"
	"strconv"
	"strings"

	"classattend/internal/attendance"
)

// DefaultTarget is the attendance percentage users aim for.
const DefaultTarget = 80

// Badge thresholds, in percent.
const (
	goodThreshold    = 75
	warningThreshold = 60
)

// Badge classifies a subject's attendance.
type Badge string

const (
	BadgeNone    Badge = ""
	BadgeGood    Badge = "good"
	BadgeWarning Badge = "warning"
	BadgePoor    Badge = "poor"
)

// ProjectionKind says which way a projection points.
type ProjectionKind string

const (
	ProjectionNone   ProjectionKind = "none"
	ProjectionAttend ProjectionKind = "attend"
	ProjectionSkip   ProjectionKind = "skip"
)

// Projection is the number of classes to attend (below target) or that can
// be skipped (at or above target).
type Projection struct {
	Kind    ProjectionKind `json:"kind"`
	Classes int            `json:"classes"`
}

// ValidTarget reports whether target is a usable percentage. 0 and 100 are
// excluded: no number of attended classes reaches 100 after an absence.
func ValidTarget(target int) bool {
	return target > 0 && target < 100
}

func normTarget(target int) int {
	if !ValidTarget(target) {
		return DefaultTarget
	}
	return target
}

// meets reports present/held >= target/100 without floating point or
// overflow.
func meets(present, held, target int) bool {
	lhs := mul(int64(present), 100)
	rhs := mul(int64(target), int64(held))
	return lhs.Cmp(rhs) >= 0
}

func mul(a, b int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(a), big.NewInt(b))
}

// clampInt converts n to int, saturating at math.MaxInt.
func clampInt(n *big.Int) int {
	if !n.IsInt64() || n.Int64() > math.MaxInt {
		return math.MaxInt
	}
	return int(n.Int64())
}

// ClassesToAttend returns the minimal n >= 0 with (present+n)/(held+n) >= target%,
// that is ceil((target*held - 100*present) / (100 - target)).
func ClassesToAttend(present, held, target int) int {
	target = normTarget(target)
	if held <= 0 {
		return 0
	}
	deficit := new(big.Int).Sub(mul(int64(target), int64(held)), mul(int64(present), 100))
	if deficit.Sign() <= 0 {
		return 0
	}
	den := big.NewInt(int64(100 - target))
	deficit.Add(deficit, den).Sub(deficit, big.NewInt(1))
	return clampInt(deficit.Quo(deficit, den))
}

// ClassesToSkip returns the maximal n >= 0 with present/(held+n) >= target%,
// that is floor((100*present - target*held) / target).
func ClassesToSkip(present, held, target int) int {
	target = normTarget(target)
	if held <= 0 {
		return 0
	}
	surplus := new(big.Int).Sub(mul(int64(present), 100), mul(int64(target), int64(held)))
	if surplus.Sign() <= 0 {
		return 0
	}
	return clampInt(surplus.Quo(surplus, big.NewInt(int64(target))))
}

// Project picks the projection for the given counts.
func Project(present, held, target int) Projection {
	target = normTarget(target)
	switch {
	case held <= 0:
		return Projection{Kind: ProjectionNone}
	case !meets(present, held, target):
		return Projection{Kind: ProjectionAttend, Classes: ClassesToAttend(present, held, target)}
	default:
		return Projection{Kind: ProjectionSkip, Classes: ClassesToSkip(present, held, target)}
	}
}

// OverallMessage is the sentence shown under the totals.
func (p Projection) OverallMessage(target int) string {
	switch p.Kind {
	case ProjectionAttend:
		return fmt.Sprintf("You need to attend the next %d classes to reach %d%% overall attendance.", p.Classes, target)
	case ProjectionSkip:
		return fmt.Sprintf("You can skip the next %d classes and still maintain %d%% overall attendance.", p.Classes, target)
	default:
		return "Mark some attendance to see your status."
	}
}

// SubjectMessage is the short status shown in a subject row.
func (p Projection) SubjectMessage() string {
	switch p.Kind {
	case ProjectionAttend:
		return fmt.Sprintf("Attend next %d", p.Classes)
	case ProjectionSkip:
		return fmt.Sprintf("Can skip %d", p.Classes)
	default:
		return "-"
	}
}

// Percent returns present/held*100 rounded half away from zero to one
// decimal; 0 when nothing was held.
func Percent(present, held int) float64 {
	if held <= 0 {
		return 0
	}
	if present < 0 {
		return -Percent(-present, held)
	}
	num := new(big.Int).Add(mul(int64(present), 2000), big.NewInt(int64(held)))
	tenths, _ := new(big.Float).SetInt(num.Quo(num, mul(2, int64(held)))).Float64()
	return tenths / 10
}

// FormatPercent renders a percentage with exactly one decimal.
func FormatPercent(p float64) string {
	return strconv.FormatFloat(p, 'f', 1, 64)
}

// Classify returns the badge for a subject; BadgeNone when nothing was held.
func Classify(present, held int) Badge {
	switch {
	case held <= 0:
		return BadgeNone
	case meets(present, held, goodThreshold):
		return BadgeGood
	case meets(present, held, warningThreshold):
		return BadgeWarning
	default:
		return BadgePoor
	}
}

// SubjectStats is one row of the per-subject breakdown.
type SubjectStats struct {
	Key         string     `json:"key"`
	DisplayName string     `json:"displayName"`
	Held        int        `json:"held"`
	Present     int        `json:"present"`
	Percent     float64    `json:"percent"`
	PercentText string     `json:"percentText"`
	Badge       Badge      `json:"badge,omitempty"`
	Projection  Projection `json:"projection"`
	Status      string     `json:"status"`
}

// Report is the full statistics view.
type Report struct {
	Target      int            `json:"target"`
	Held        int            `json:"held"`
	Present     int            `json:"present"`
	Absent      int            `json:"absent"`
	Percent     float64        `json:"percent"`
	PercentText string         `json:"percentText"`
	Projection  Projection     `json:"projection"`
	Status      string         `json:"status"`
	Subjects    []SubjectStats `json:"subjects"`
}

type tally struct {
	name    string
	held    int
	present int
}

// Compute aggregates a document. Holiday dates are skipped entirely, as are
// entries without a subject. An entry with a subject but no status counts
// as held and not attended.
func Compute(doc attendance.Document, target int) Report {
	target = normTarget(target)
	bySubject := make(map[string]*tally)

	var held, present int
	for key, rec := range doc.Subjects {
		seedHeld := attendance.ClampInitialCount(rec.InitialHeld)
		seedPresent := attendance.ClampInitialCount(rec.InitialAttended)
		bySubject[key] = &tally{name: rec.DisplayName, held: seedHeld, present: seedPresent}
		held += seedHeld
		present += seedPresent
	}

	dates := make([]string, 0, len(doc.Attendance))
	for date := range doc.Attendance {
		dates = append(dates, date)
	}
	sort.Strings(dates)
	for _, date := range dates {
		if doc.Holidays[date] {
			continue
		}
		day := doc.Attendance[date]
		periods := make([]int, 0, len(day))
		for p := range day {
			periods = append(periods, p)
		}
		sort.Ints(periods)
		for _, p := range periods {
			entry := day[p]
			name := strings.TrimSpace(entry.Subject)
			if name == "" {
				continue
			}
			attended := entry.State() == attendance.Present
			held++
			if attended {
				present++
			}
			key := attendance.NormalizeKey(name)
			t, ok := bySubject[key]
			if !ok {
				t = &tally{name: name}
				bySubject[key] = t
			}
			if t.name == "" {
				t.name = name
			}
			t.held++
			if attended {
				t.present++
			}
		}
	}

	r := Report{
		Target:     target,
		Held:       held,
		Present:    present,
		Absent:     held - present,
		Percent:    Percent(present, held),
		Projection: Project(present, held, target),
		Subjects:   make([]SubjectStats, 0, len(bySubject)),
	}
	r.PercentText = FormatPercent(r.Percent)
	r.Status = r.Projection.OverallMessage(target)

	keys := make([]string, 0, len(bySubject))
	for k := range bySubject {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		t := bySubject[k]
		row := SubjectStats{
			Key:         k,
			DisplayName: t.name,
			Held:        t.held,
			Present:     t.present,
			Percent:     Percent(t.present, t.held),
			Badge:       Classify(t.present, t.held),
			Projection:  Project(t.present, t.held, target),
		}
		row.PercentText = FormatPercent(row.Percent)
		row.Status = row.Projection.SubjectMessage()
		r.Subjects = append(r.Subjects, row)
	}
	return r
}
