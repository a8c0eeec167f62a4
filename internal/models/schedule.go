package models

import (
	"fmt"
	"sort"
	"time"

	"github.com/uptrace/bun"
)

// Schedule is a date-ranged run of a tour with a fixed head-count ceiling.
type Schedule struct {
	bun.BaseModel `bun:"table:schedules"`

	ID        string    `bun:"id,pk" json:"id"`
	TourID    string    `bun:"tour_id,notnull" json:"tour_id"`
	StartDate time.Time `bun:"start_date,notnull" json:"start_date"`
	EndDate   time.Time `bun:"end_date,notnull" json:"end_date"`
	MaxPeople int       `bun:"max_people,notnull" json:"max_people"`
	CreatedAt time.Time `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt time.Time `bun:"updated_at,notnull" json:"updated_at"`

	Slots []ScheduleSlot `bun:"rel:has-many,join:id=schedule_id" json:"slots,omitempty"`
}

// ScheduleSlot is a recurring departure (weekday + clock time) inside a schedule.
type ScheduleSlot struct {
	bun.BaseModel `bun:"table:schedule_slots"`

	ID         string `bun:"id,pk" json:"id"`
	ScheduleID string `bun:"schedule_id,notnull" json:"schedule_id"`
	WeekDay    int    `bun:"week_day,notnull" json:"week_day"` // 0 = Sunday
	Time       string `bun:"time,notnull" json:"time"`         // HH:MM
}

// ParseSlotTime splits an "HH:MM" slot time into hour and minute.
func ParseSlotTime(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid slot time %q: %w", s, err)
	}
	return t.Hour(), t.Minute(), nil
}

func (s ScheduleSlot) Validate() error {
	if s.WeekDay < 0 || s.WeekDay > 6 {
		return fmt.Errorf("invalid week day %d for slot %s", s.WeekDay, s.ID)
	}
	_, _, err := ParseSlotTime(s.Time)
	return err
}

// Departures expands the recurring slots into concrete departure instants.
// Days are taken in loc and clipped to both the schedule's date range and
// [from, to]; both ends are inclusive at day granularity.
func (s *Schedule) Departures(slots []ScheduleSlot, from, to time.Time, loc *time.Location) ([]time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}

	first := dayOf(latest(from, s.StartDate), loc)
	last := dayOf(earliest(to, s.EndDate), loc)

	byDay := make(map[time.Weekday][][2]int)
	for _, slot := range slots {
		if err := slot.Validate(); err != nil {
			return nil, err
		}
		h, m, _ := ParseSlotTime(slot.Time)
		wd := time.Weekday(slot.WeekDay)
		byDay[wd] = append(byDay[wd], [2]int{h, m})
	}

	departures := []time.Time{}
	for day := first; !day.After(last); day = day.AddDate(0, 0, 1) {
		for _, hm := range byDay[day.Weekday()] {
			departures = append(departures, time.Date(day.Year(), day.Month(), day.Day(), hm[0], hm[1], 0, 0, loc))
		}
	}

	sort.Slice(departures, func(i, j int) bool { return departures[i].Before(departures[j]) })
	return departures, nil
}

func dayOf(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

func latest(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func earliest(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
