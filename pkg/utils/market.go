package utils

import (
	"time"
)

// IndiaLocation is the timezone for Indian markets.
var IndiaLocation *time.Location

func init() {
	var err error
	IndiaLocation, err = time.LoadLocation("Asia/Kolkata")
	if err != nil {
		// Fallback to UTC+5:30
		IndiaLocation = time.FixedZone("IST", 5*60*60+30*60)
	}
}

// MarketHours describes a weekday trading session in a fixed location.
// Open and Close are minutes after local midnight.
type MarketHours struct {
	Location *time.Location
	Open     int
	Close    int
}

// NSEHours is the regular NSE/BSE equity session, 9:15 to 15:30 IST.
func NSEHours() MarketHours {
	return MarketHours{Location: IndiaLocation, Open: 9*60 + 15, Close: 15*60 + 30}
}

// IsOpen reports whether t falls inside the session.
func (m MarketHours) IsOpen(t time.Time) bool {
	loc := m.Location
	if loc == nil {
		loc = time.UTC
	}
	now := t.In(loc)

	if now.Weekday() == time.Saturday || now.Weekday() == time.Sunday {
		return false
	}

	minutes := now.Hour()*60 + now.Minute()
	return minutes >= m.Open && minutes < m.Close
}

// NextOpen returns the next session open at or after t.
func (m MarketHours) NextOpen(t time.Time) time.Time {
	loc := m.Location
	if loc == nil {
		loc = time.UTC
	}
	now := t.In(loc)

	next := time.Date(now.Year(), now.Month(), now.Day(), m.Open/60, m.Open%60, 0, 0, loc)
	if now.After(next) {
		next = next.AddDate(0, 0, 1)
	}

	// Skip weekends
	for next.Weekday() == time.Saturday || next.Weekday() == time.Sunday {
		next = next.AddDate(0, 0, 1)
	}

	return next
}
