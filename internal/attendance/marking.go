package attendance

import "strings"

// IsLocked reports whether edits for date are frozen.
func (d Document) IsLocked(date string) bool { return d.Locks[date] }

// IsHoliday reports whether date is excluded from statistics.
func (d Document) IsHoliday(date string) bool { return d.Holidays[date] }

func (d Document) periodsOn(date string) ([]string, error) {
	t, err := ParseDate(date)
	if err != nil {
		return nil, err
	}
	return d.Timetable[WeekdayOf(t)], nil
}

// editableCell validates that (date, period) can be changed and returns the
// timetable subject for the slot.
func (d Document) editableCell(date string, period int) (string, error) {
	periods, err := d.periodsOn(date)
	if err != nil {
		return "", err
	}
	if d.IsLocked(date) {
		return "", ErrDateLocked
	}
	if d.IsHoliday(date) {
		return "", ErrHoliday
	}
	if period < 0 || period >= len(periods) {
		return "", ErrNoSuchPeriod
	}
	return periods[period], nil
}

// Mark applies a present (true) or absent (false) action to a cell and
// returns the resulting state. Repeating the current status clears the cell.
func (d *Document) Mark(date string, period int, present bool) (CellState, error) {
	scheduled, err := d.editableCell(date, period)
	if err != nil {
		return "", err
	}
	day := d.Attendance[date]
	existing, ok := day[period]
	if ok && existing.Present != nil && *existing.Present == present {
		delete(day, period)
		if len(day) == 0 {
			delete(d.Attendance, date)
		}
		return Unmarked, nil
	}

	subject := scheduled
	if ok && strings.TrimSpace(existing.Subject) != "" {
		subject = existing.Subject
	}
	if day == nil {
		day = DayLog{}
		d.Attendance[date] = day
	}
	entry := Entry{Present: &present, Subject: strings.TrimSpace(subject)}
	day[period] = entry
	return entry.State(), nil
}

// Swap overrides the subject of one period on one date. An entry without a
// status is created when the cell is unmarked.
func (d *Document) Swap(date string, period int, subject string) (Entry, error) {
	if _, err := d.editableCell(date, period); err != nil {
		return Entry{}, err
	}
	key := NormalizeKey(subject)
	if key == "" {
		return Entry{}, ErrEmptySubject
	}
	name := ""
	for _, choice := range d.SubjectChoices() {
		if NormalizeKey(choice) == key {
			name = choice
			break
		}
	}
	if name == "" {
		return Entry{}, ErrUnknownSubject
	}

	day := d.Attendance[date]
	if day == nil {
		day = DayLog{}
		d.Attendance[date] = day
	}
	entry := day[period]
	entry.Subject = name
	day[period] = entry
	return entry, nil
}

// Lock freezes edits for date. Only dates with scheduled classes can be locked.
func (d *Document) Lock(date string) error {
	return d.setLock(date, true)
}

// Unlock makes date editable again without touching its entries.
func (d *Document) Unlock(date string) error {
	return d.setLock(date, false)
}

func (d *Document) setLock(date string, locked bool) error {
	periods, err := d.periodsOn(date)
	if err != nil {
		return err
	}
	if len(periods) == 0 {
		return ErrNoClasses
	}
	d.Locks[date] = locked
	return nil
}

// ToggleHoliday flips the holiday flag for date and returns the new value.
func (d *Document) ToggleHoliday(date string) (bool, error) {
	if _, err := ParseDate(date); err != nil {
		return false, err
	}
	if d.Holidays[date] {
		delete(d.Holidays, date)
		return false, nil
	}
	d.Holidays[date] = true
	return true, nil
}

// PeriodView is one rendered attendance cell.
type PeriodView struct {
	Index     int       `json:"index"`
	Subject   string    `json:"subject"`
	Scheduled string    `json:"scheduled"`
	Swapped   bool      `json:"swapped"`
	State     CellState `json:"state"`
}

// DayView is what the attendance screen shows for one date.
type DayView struct {
	Date    string       `json:"date"`
	Weekday Weekday      `json:"weekday"`
	Locked  bool         `json:"locked"`
	Holiday bool         `json:"holiday"`
	Periods []PeriodView `json:"periods"`
}

// Day builds the view for date.
func (d Document) Day(date string) (DayView, error) {
	t, err := ParseDate(date)
	if err != nil {
		return DayView{}, err
	}
	wd := WeekdayOf(t)
	view := DayView{
		Date:    date,
		Weekday: wd,
		Locked:  d.IsLocked(date),
		Holiday: d.IsHoliday(date),
		Periods: []PeriodView{},
	}
	saved := d.Attendance[date]
	for i, scheduled := range d.Timetable[wd] {
		pv := PeriodView{Index: i, Subject: scheduled, Scheduled: scheduled, State: Unmarked}
		if e, ok := saved[i]; ok {
			if strings.TrimSpace(e.Subject) != "" {
				pv.Subject = e.Subject
				pv.Swapped = NormalizeKey(e.Subject) != NormalizeKey(scheduled)
			}
			pv.State = e.State()
		}
		view.Periods = append(view.Periods, pv)
	}
	return view, nil
}
