package view

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// Status is the engagement bucket derived from a conversation's AI score.
type Status string

const (
	StatusHot  Status = "hot"
	StatusWarm Status = "warm"
	StatusCold Status = "cold"
)

const (
	hotThreshold  = 80
	warmThreshold = 60
)

// Classify maps a score to its status. A nil or NaN score is cold.
func Classify(score *float64) Status {
	if score == nil || math.IsNaN(*score) {
		return StatusCold
	}
	switch s := *score; {
	case s >= hotThreshold:
		return StatusHot
	case s >= warmThreshold:
		return StatusWarm
	default:
		return StatusCold
	}
}

// ParseStatus parses a status name, ignoring case.
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusHot, StatusWarm, StatusCold:
		return st, nil
	default:
		return "", fmt.Errorf("unknown status %q", s)
	}
}

// StatusSet is a set of statuses. The zero value is empty.
type StatusSet uint8

const (
	setHot StatusSet = 1 << iota
	setWarm
	setCold
)

// AllStatuses contains every status.
const AllStatuses = setHot | setWarm | setCold

var statusOrder = []Status{StatusHot, StatusWarm, StatusCold}

// NewStatusSet returns a set holding statuses.
func NewStatusSet(statuses ...Status) StatusSet {
	var set StatusSet
	for _, st := range statuses {
		set = set.With(st)
	}
	return set
}

func bit(st Status) StatusSet {
	switch st {
	case StatusHot:
		return setHot
	case StatusWarm:
		return setWarm
	case StatusCold:
		return setCold
	}
	return 0
}

// Has reports whether st is in the set.
func (s StatusSet) Has(st Status) bool {
	b := bit(st)
	return b != 0 && s&b != 0
}

// With returns the set plus st.
func (s StatusSet) With(st Status) StatusSet {
	return s | bit(st)
}

// Without returns the set minus st.
func (s StatusSet) Without(st Status) StatusSet {
	return s &^ bit(st)
}

// Statuses lists the members in hot, warm, cold order.
func (s StatusSet) Statuses() []Status {
	out := make([]Status, 0, len(statusOrder))
	for _, st := range statusOrder {
		if s.Has(st) {
			out = append(out, st)
		}
	}
	return out
}

// MarshalJSON encodes the set as a list of names.
func (s StatusSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Statuses())
}

// UnmarshalJSON decodes a list of names.
func (s *StatusSet) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	var set StatusSet
	for _, name := range names {
		st, err := ParseStatus(name)
		if err != nil {
			return err
		}
		set = set.With(st)
	}
	*s = set
	return nil
}
