package middleware

import (
	"errors"
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/capitalize-ai/lead-inbox/internal/view"
)

const (
	maxSearchLength = 256
	maxIDLength     = 128
)

// ValidateFilters validates user supplied view filters.
func ValidateFilters(f view.Filters) error {
	if math.IsNaN(f.MinScore) || math.IsNaN(f.MaxScore) {
		return errors.New("score range must be numeric")
	}
	if f.MinScore < 0 || f.MaxScore > 100 {
		return fmt.Errorf("score range must lie within [0, 100], got [%g, %g]", f.MinScore, f.MaxScore)
	}
	if f.MinScore > f.MaxScore {
		return fmt.Errorf("min score %g exceeds max score %g", f.MinScore, f.MaxScore)
	}
	if len(f.Search) > maxSearchLength {
		return errors.New("search query exceeds maximum length")
	}
	if !utf8.ValidString(f.Search) {
		return errors.New("search query must be valid UTF-8")
	}
	return nil
}

// ValidateConversationID validates a conversation ID.
func ValidateConversationID(id string) error {
	if len(id) == 0 {
		return errors.New("conversation ID cannot be empty")
	}
	if len(id) > maxIDLength {
		return errors.New("conversation ID exceeds maximum length")
	}
	if !utf8.ValidString(id) {
		return errors.New("conversation ID must be valid UTF-8")
	}
	return nil
}
