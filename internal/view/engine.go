// Package view projects the synchronized conversation collection into the
// filtered, sorted and classified list shown to the user.
package view

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"

	"github.com/capitalize-ai/lead-inbox/internal/model"
	"github.com/capitalize-ai/lead-inbox/pkg/metrics"
)

// Field is the sort key.
type Field string

const (
	FieldAIScore Field = "aiScore"
	FieldDate    Field = "date"
	FieldNone    Field = "none"
)

// ParseField parses a sort field. "score" and "ai_score" are accepted for
// aiScore.
func ParseField(s string) (Field, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "aiscore", "ai_score", "score":
		return FieldAIScore, nil
	case "date":
		return FieldDate, nil
	case "none", "":
		return FieldNone, nil
	default:
		return "", fmt.Errorf("unknown sort field %q", s)
	}
}

// Direction is the sort direction.
type Direction string

const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

// ParseDirection parses a sort direction.
func ParseDirection(s string) (Direction, error) {
	switch d := Direction(strings.ToLower(strings.TrimSpace(s))); d {
	case Asc, Desc:
		return d, nil
	default:
		return "", fmt.Errorf("unknown sort direction %q", s)
	}
}

// Filters selects which conversations are shown. Filters is comparable.
type Filters struct {
	Statuses StatusSet `json:"status"`
	// MinScore and MaxScore are inclusive. Conversations without a score
	// are not range filtered.
	MinScore float64 `json:"min_score"`
	MaxScore float64 `json:"max_score"`
	// Search is matched case-insensitively against the conversation ID,
	// lead name, client email and message bodies.
	Search string `json:"search"`
}

// DefaultFilters shows everything.
func DefaultFilters() Filters {
	return Filters{Statuses: AllStatuses, MinScore: 0, MaxScore: 100}
}

// Source is the collection to project. Version identifies the collection;
// equal versions are assumed to hold equal conversations.
type Source struct {
	Version       uint64
	Conversations []model.Conversation
}

// Item is one projected conversation.
type Item struct {
	Conversation model.Conversation `json:"conversation"`
	Status       Status             `json:"status"`
}

// Projection is the result of Project and the inputs it was computed from.
// It must not be modified.
type Projection struct {
	Items     []Item    `json:"items"`
	Version   uint64    `json:"version"`
	Filters   Filters   `json:"filters"`
	Field     Field     `json:"sort_field"`
	Direction Direction `json:"sort_direction"`
}

type memoKey struct {
	version   uint64
	filters   Filters
	field     Field
	direction Direction
}

// Engine holds the user's filter and sort choices and memoizes the last
// projection.
type Engine struct {
	mu        sync.Mutex
	filters   Filters
	field     Field
	direction Direction
	key       memoKey
	last      *Projection
}

// New creates an Engine showing everything, unsorted.
func New() *Engine {
	return &Engine{
		filters:   DefaultFilters(),
		field:     FieldNone,
		direction: Desc,
	}
}

// SetFilters replaces the filters.
func (e *Engine) SetFilters(f Filters) {
	e.mu.Lock()
	e.filters = f
	e.mu.Unlock()
}

// Filters returns the current filters.
func (e *Engine) Filters() Filters {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.filters
}

// SetSort selects field. Selecting the current field flips the direction;
// selecting another field sorts descending.
func (e *Engine) SetSort(field Field) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if field == e.field {
		if e.direction == Desc {
			e.direction = Asc
		} else {
			e.direction = Desc
		}
		return
	}
	e.field = field
	e.direction = Desc
}

// SetSortDirection sets the direction without changing the field.
func (e *Engine) SetSortDirection(d Direction) {
	e.mu.Lock()
	e.direction = d
	e.mu.Unlock()
}

// Sort returns the current sort field and direction.
func (e *Engine) Sort() (Field, Direction) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.field, e.direction
}

// Project returns the projection of src under the current filters and sort.
// When nothing changed since the previous call the previous *Projection is
// returned.
func (e *Engine) Project(src Source) *Projection {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := memoKey{version: src.Version, filters: e.filters, field: e.field, direction: e.direction}
	if e.last != nil && key == e.key {
		return e.last
	}

	p := &Projection{
		Items:     project(src.Conversations, e.filters, e.field, e.direction),
		Version:   src.Version,
		Filters:   e.filters,
		Field:     e.field,
		Direction: e.direction,
	}
	e.key = key
	e.last = p
	metrics.ViewRecomputesTotal.Inc()
	return p
}

func project(convs []model.Conversation, f Filters, field Field, dir Direction) []Item {
	query := strings.ToLower(strings.TrimSpace(f.Search))

	items := make([]Item, 0, len(convs))
	for i := range convs {
		conv := &convs[i]
		if !matchesSearch(conv, query) {
			continue
		}
		status := Classify(conv.Thread.AIScore)
		if !f.Statuses.Has(status) {
			continue
		}
		if s := conv.Thread.AIScore; s != nil && (*s < f.MinScore || *s > f.MaxScore) {
			continue
		}
		items = append(items, Item{Conversation: *conv, Status: status})
	}

	if cmp := comparator(field); cmp != nil {
		slices.SortStableFunc(items, func(a, b Item) int {
			if dir == Desc {
				return cmp(b, a)
			}
			return cmp(a, b)
		})
	}
	return items
}

func matchesSearch(conv *model.Conversation, query string) bool {
	if query == "" {
		return true
	}
	if containsFold(conv.Thread.ConversationID, query) ||
		containsFold(conv.Thread.LeadName, query) ||
		containsFold(conv.Thread.ClientEmail, query) {
		return true
	}
	for _, msg := range conv.Messages {
		if containsFold(msg.Body, query) {
			return true
		}
	}
	return false
}

// containsFold reports whether s contains the lower-cased query.
func containsFold(s, query string) bool {
	return strings.Contains(strings.ToLower(s), query)
}

func comparator(field Field) func(a, b Item) int {
	switch field {
	case FieldAIScore:
		return func(a, b Item) int {
			sa, sb := sortScore(a.Conversation.Thread.AIScore), sortScore(b.Conversation.Thread.AIScore)
			switch {
			case sa < sb:
				return -1
			case sa > sb:
				return 1
			}
			return 0
		}
	case FieldDate:
		return func(a, b Item) int {
			return a.Conversation.Thread.LastMessageAt.Compare(b.Conversation.Thread.LastMessageAt)
		}
	}
	return nil
}

// sortScore ranks a missing or NaN score below every real score.
func sortScore(s *float64) float64 {
	if s == nil || math.IsNaN(*s) {
		return -1
	}
	return *s
}
