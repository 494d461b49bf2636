package attendance

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// DateLayout is the calendar key used for the attendance log, locks and holidays.
const DateLayout = "2006-01-02"

var (
	ErrInvalidDate    = errors.New("invalid date, expected YYYY-MM-DD")
	ErrInvalidWeekday = errors.New("invalid weekday")
	ErrEmptyTimetable = errors.New("add classes for at least one day")
	ErrUnknownSubject = errors.New("subject not found")
	ErrEmptySubject   = errors.New("subject name required")
	ErrDateLocked     = errors.New("attendance for this date is locked")
	ErrHoliday        = errors.New("date is marked as a holiday")
	ErrNoClasses      = errors.New("no classes scheduled on this date")
	ErrNoSuchPeriod   = errors.New("no such period on this date")
	ErrCountTooLarge  = errors.New("initial count too large")
)

// Weekday names a timetable day.
type Weekday string

const (
	Monday    Weekday = "monday"
	Tuesday   Weekday = "tuesday"
	Wednesday Weekday = "wednesday"
	Thursday  Weekday = "thursday"
	Friday    Weekday = "friday"
	Saturday  Weekday = "saturday"
	Sunday    Weekday = "sunday"
)

// Weekdays lists every timetable day in week order.
var Weekdays = []Weekday{Monday, Tuesday, Wednesday, Thursday, Friday, Saturday, Sunday}

var byTimeWeekday = map[time.Weekday]Weekday{
	time.Sunday:    Sunday,
	time.Monday:    Monday,
	time.Tuesday:   Tuesday,
	time.Wednesday: Wednesday,
	time.Thursday:  Thursday,
	time.Friday:    Friday,
	time.Saturday:  Saturday,
}

// Valid reports whether d is one of the seven known days.
func (d Weekday) Valid() bool {
	for _, w := range Weekdays {
		if w == d {
			return true
		}
	}
	return false
}

// ParseWeekday accepts a day name in any casing.
func ParseWeekday(s string) (Weekday, error) {
	d := Weekday(strings.ToLower(strings.TrimSpace(s)))
	if !d.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidWeekday, s)
	}
	return d, nil
}

// WeekdayOf returns the timetable day for a calendar date.
func WeekdayOf(t time.Time) Weekday {
	return byTimeWeekday[t.Weekday()]
}

// ParseDate validates a YYYY-MM-DD key.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDate, s)
	}
	return t, nil
}

// DateKey formats t as a log key.
func DateKey(t time.Time) string {
	return t.Format(DateLayout)
}

// NormalizeKey maps a subject name to its identity: trimmed and lowercased.
func NormalizeKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Subject is a registry record. InitialAttended <= InitialHeld is expected
// but not enforced.
type Subject struct {
	DisplayName     string `json:"displayName"`
	InitialAttended int    `json:"initialAttended"`
	InitialHeld     int    `json:"initialHeld"`
}

// CellState is the marking state of one (date, period) cell.
type CellState string

const (
	Unmarked CellState = "unmarked"
	Present  CellState = "present"
	Absent   CellState = "absent"
)

// Entry is one attendance log value. Present is nil when only the subject
// was overridden by a swap.
type Entry struct {
	Present *bool  `json:"present,omitempty"`
	Subject string `json:"subject,omitempty"`
}

// State maps the entry onto the marking state machine.
func (e Entry) State() CellState {
	switch {
	case e.Present == nil:
		return Unmarked
	case *e.Present:
		return Present
	default:
		return Absent
	}
}

type (
	Timetable map[Weekday][]string
	Registry  map[string]Subject
	DayLog    map[int]Entry
	Log       map[string]DayLog
)

// Document is the whole per-user state, persisted wholesale.
type Document struct {
	Revision   int64           `json:"revision"`
	Timetable  Timetable       `json:"timetable"`
	Subjects   Registry        `json:"subjects"`
	Attendance Log             `json:"attendance"`
	Locks      map[string]bool `json:"attendanceLock"`
	Holidays   map[string]bool `json:"holidays"`
}

// NewDocument returns the empty document written on first sign-in.
func NewDocument() Document {
	var d Document
	d.fillDefaults()
	return d
}

// DecodeDocument parses a stored document, filling every missing field with
// its empty default.
func DecodeDocument(data []byte) (Document, error) {
	var d Document
	if err := json.Unmarshal(data, &d); err != nil {
		return Document{}, fmt.Errorf("decode document: %w", err)
	}
	d.fillDefaults()
	return d, nil
}

// Encode serializes the document for storage.
func (d Document) Encode() ([]byte, error) {
	return json.Marshal(d)
}

func (d *Document) fillDefaults() {
	tt := make(Timetable, len(Weekdays))
	for _, day := range Weekdays {
		periods := make([]string, 0, len(d.Timetable[day]))
		for _, name := range d.Timetable[day] {
			if name = strings.TrimSpace(name); name != "" {
				periods = append(periods, name)
			}
		}
		tt[day] = periods
	}
	d.Timetable = tt

	// Older documents may carry keys that were only lowercased.
	keys := make([]string, 0, len(d.Subjects))
	for k := range d.Subjects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	reg := make(Registry, len(keys))
	for _, k := range keys {
		nk := NormalizeKey(k)
		if nk == "" {
			continue
		}
		if _, dup := reg[nk]; dup {
			continue
		}
		rec := d.Subjects[k]
		if strings.TrimSpace(rec.DisplayName) == "" {
			rec.DisplayName = strings.TrimSpace(k)
		}
		rec.InitialAttended = ClampInitialCount(rec.InitialAttended)
		rec.InitialHeld = ClampInitialCount(rec.InitialHeld)
		reg[nk] = rec
	}
	d.Subjects = reg

	if d.Attendance == nil {
		d.Attendance = Log{}
	}
	for date, day := range d.Attendance {
		if day == nil {
			delete(d.Attendance, date)
		}
	}
	if d.Locks == nil {
		d.Locks = map[string]bool{}
	}
	if d.Holidays == nil {
		d.Holidays = map[string]bool{}
	}
}

// Clone returns a deep copy.
func (d Document) Clone() Document {
	out := Document{
		Revision:   d.Revision,
		Timetable:  make(Timetable, len(d.Timetable)),
		Subjects:   make(Registry, len(d.Subjects)),
		Attendance: make(Log, len(d.Attendance)),
		Locks:      make(map[string]bool, len(d.Locks)),
		Holidays:   make(map[string]bool, len(d.Holidays)),
	}
	for day, periods := range d.Timetable {
		cp := make([]string, len(periods))
		copy(cp, periods)
		out.Timetable[day] = cp
	}
	for k, v := range d.Subjects {
		out.Subjects[k] = v
	}
	for date, day := range d.Attendance {
		cp := make(DayLog, len(day))
		for i, e := range day {
			if e.Present != nil {
				p := *e.Present
				e.Present = &p
			}
			cp[i] = e
		}
		out.Attendance[date] = cp
	}
	for k, v := range d.Locks {
		out.Locks[k] = v
	}
	for k, v := range d.Holidays {
		out.Holidays[k] = v
	}
	return out
}

// Reset replaces all content with empty defaults. The revision is kept so
// that the reset write supersedes earlier ones.
func (d *Document) Reset() {
	rev := d.Revision
	*d = NewDocument()
	d.Revision = rev
}
