package models

import (
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"
)

// LoadLocation resolves an IANA zone name, falling back to UTC.
func LoadLocation(name string) *time.Location {
	if name == "" {
		return time.UTC
	}

	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}

	return loc
}

// ParseTimeOfDay parses "HH:MM" into minutes after midnight.
func ParseTimeOfDay(value string) (int, bool) {
	hours, minutes, found := strings.Cut(strings.TrimSpace(value), ":")
	if !found {
		return 0, false
	}

	h, err := strconv.Atoi(hours)
	if err != nil || h < 0 || h > 23 {
		return 0, false
	}

	m, err := strconv.Atoi(minutes)
	if err != nil || m < 0 || m > 59 {
		return 0, false
	}

	return h*60 + m, true
}
