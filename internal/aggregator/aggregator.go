// Package aggregator turns one frame's classified detections into fired alerts
// and the combined warning line.
package aggregator

import (
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/Capitan-Parrot/safety-alert-runner/internal/classifier"
	"github.com/Capitan-Parrot/safety-alert-runner/internal/models"
)

// Ledger is the part of the cooldown ledger the aggregator needs.
type Ledger interface {
	TryFire(streamID string, cat *models.Category, now time.Time) bool
}

// Outcome is the firing decision for one category on one frame.
type Outcome struct {
	Category *models.Category
	Fired    bool
}

type Result struct {
	// Display is the sorted, space-joined labels of categories fired on this frame.
	Display  string
	Persons  int
	Outcomes []Outcome
	// Events holds one alert per fired category, in firing order.
	Events []models.AlertEvent
}

// Fired returns the categories whose TryFire returned true.
func (r Result) Fired() []*models.Category {
	return lo.FilterMap(r.Outcomes, func(o Outcome, _ int) (*models.Category, bool) {
		return o.Category, o.Fired
	})
}

// Evaluate runs every candidate category of the frame through the ledger. The
// solo category is a candidate when exactly one person is in the frame.
func Evaluate(ledger Ledger, streamID string, summary classifier.Summary, solo *models.Category, now time.Time) Result {
	res := Result{Persons: summary.Persons}

	candidates := lo.Filter(summary.Order, func(cat *models.Category, _ int) bool {
		return summary.Hits[cat.Name] >= max(cat.MinCount, 1)
	})
	if solo != nil && summary.Persons == 1 {
		candidates = append(candidates, solo)
	}

	for _, cat := range candidates {
		fired := ledger.TryFire(streamID, cat, now)
		res.Outcomes = append(res.Outcomes, Outcome{Category: cat, Fired: fired})
		if fired {
			res.Events = append(res.Events, models.AlertEvent{
				StreamID: streamID,
				Category: cat,
				FiredAt:  now,
			})
		}
	}

	res.Display = Display(res.Outcomes)
	return res
}

// Display renders the warning line for a set of outcomes.
func Display(outcomes []Outcome) string {
	labels := lo.FilterMap(outcomes, func(o Outcome, _ int) (string, bool) {
		return o.Category.Label, o.Fired
	})
	sort.Strings(labels)
	return strings.Join(labels, " ")
}
