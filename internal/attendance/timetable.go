package attendance

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// MaxPeriods is the largest period count a day form accepts.
const MaxPeriods = 10

// MaxInitialCount caps the attended/held seeds of a subject.
const MaxInitialCount = 100000

// CoercePeriodCount turns a raw period-count input into a count in
// [0, MaxPeriods]. Leading digits are read and the rest ignored, so "3.0"
// and "3abc" are both 3. No leading digits counts as zero.
func CoercePeriodCount(raw string) int {
	s := strings.TrimSpace(raw)
	neg := false
	if s != "" && (s[0] == '+' || s[0] == '-') {
		neg = s[0] == '-'
		s = s[1:]
	}
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == 0 || neg {
		return 0
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil || n > MaxPeriods {
		// only overflow fails here
		return MaxPeriods
	}
	return n
}

// ApplyDayForm sets a day from a period count and the raw period inputs.
// Inputs beyond count are ignored; missing inputs are blank.
func (d *Document) ApplyDayForm(day Weekday, count string, raw []string) error {
	inputs := make([]string, CoercePeriodCount(count))
	copy(inputs, raw)
	return d.SetDayPeriods(day, inputs)
}

// SetDayPeriods replaces a weekday's periods. Names are trimmed, blanks
// dropped, and unseen subjects registered with zero initial counts.
// Registry records are never removed here, even when orphaned.
func (d *Document) SetDayPeriods(day Weekday, raw []string) error {
	if !day.Valid() {
		return ErrInvalidWeekday
	}
	periods := make([]string, 0, len(raw))
	for _, r := range raw {
		name := strings.TrimSpace(r)
		if name == "" {
			continue
		}
		d.registerSubject(name)
		periods = append(periods, name)
	}
	d.Timetable[day] = periods
	return nil
}

func (d *Document) registerSubject(name string) {
	key := NormalizeKey(name)
	if _, ok := d.Subjects[key]; ok {
		return
	}
	d.Subjects[key] = Subject{DisplayName: strings.TrimSpace(name)}
}

// HasClasses reports whether any weekday has at least one period.
func (d Document) HasClasses() bool {
	for _, periods := range d.Timetable {
		if len(periods) > 0 {
			return true
		}
	}
	return false
}

// ValidateTimetable blocks saving a timetable with no classes at all.
func (d Document) ValidateTimetable() error {
	if !d.HasClasses() {
		return ErrEmptyTimetable
	}
	return nil
}

// SetInitialCounts records the attended/held seeds of an existing subject.
// Negative inputs are coerced to zero; attended > held is accepted as is.
// Seeds above MaxInitialCount fail with ErrCountTooLarge.
func (d *Document) SetInitialCounts(name string, attended, held int) error {
	key := NormalizeKey(name)
	rec, ok := d.Subjects[key]
	if !ok {
		return ErrUnknownSubject
	}
	if attended > MaxInitialCount || held > MaxInitialCount {
		return fmt.Errorf("%w: at most %d", ErrCountTooLarge, MaxInitialCount)
	}
	rec.InitialAttended = ClampInitialCount(attended)
	rec.InitialHeld = ClampInitialCount(held)
	d.Subjects[key] = rec
	return nil
}

// ClampInitialCount forces a seed into [0, MaxInitialCount].
func ClampInitialCount(n int) int {
	return min(max(n, 0), MaxInitialCount)
}

// SubjectChoices returns the distinct subject names used anywhere in the
// timetable, first-seen variant per key, sorted.
func (d Document) SubjectChoices() []string {
	seen := make(map[string]bool)
	var names []string
	for _, day := range Weekdays {
		for _, name := range d.Timetable[day] {
			name = strings.TrimSpace(name)
			key := NormalizeKey(name)
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
