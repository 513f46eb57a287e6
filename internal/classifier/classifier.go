// Package classifier maps raw detector output onto configured event categories.
package classifier

import (
	"slices"

	"github.com/samber/lo"

	"github.com/Capitan-Parrot/safety-alert-runner/internal/models"
)

// Classifier is immutable and safe for concurrent use by all stream loops.
type Classifier struct {
	categories []*models.Category
	persons    models.PersonClass
	solo       *models.Category
}

// Summary is the classified view of one frame.
type Summary struct {
	// Hits counts qualifying detections per category name.
	Hits map[string]int
	// Order lists hit categories in first-seen order.
	Order   []*models.Category
	Persons int
	Labeled []models.LabeledDetection
}

func New(categories []*models.Category, persons models.PersonClass) *Classifier {
	c := &Classifier{persons: persons}
	for _, cat := range categories {
		if cat.Trigger == models.TriggerSolo {
			c.solo = cat
			continue
		}
		c.categories = append(c.categories, cat)
	}
	return c
}

// Solo returns the solo-worker category, or nil when none is configured.
func (c *Classifier) Solo() *models.Category {
	return c.solo
}

// Floor is the lowest threshold of any detector-backed class. The detector may
// drop everything below it; per-category thresholds are still re-checked here.
func (c *Classifier) Floor() float64 {
	thresholds := lo.Map(c.categories, func(cat *models.Category, _ int) float64 {
		return cat.Threshold
	})
	if len(c.persons.ClassIDs)+len(c.persons.ClassNames) > 0 {
		thresholds = append(thresholds, c.persons.Threshold)
	}
	if len(thresholds) == 0 {
		return 0
	}
	return lo.Min(thresholds)
}

// Classify returns the first category, in configuration order, whose classes
// match the detection and whose threshold it meets, or whether it is a person.
// A detection below every matching threshold yields (nil, false).
func (c *Classifier) Classify(det models.Detection) (*models.Category, bool) {
	if matches(det, c.persons.ClassIDs, c.persons.ClassNames) {
		return nil, det.Confidence >= c.persons.Threshold
	}

	for _, cat := range c.categories {
		if !matches(det, cat.ClassIDs, cat.ClassNames) {
			continue
		}
		if det.Confidence >= cat.Threshold {
			return cat, false
		}
	}

	return nil, false
}

// Summarize classifies every detection of one frame.
func (c *Classifier) Summarize(dets []models.Detection) Summary {
	s := Summary{Hits: make(map[string]int)}

	for _, det := range dets {
		cat, person := c.Classify(det)
		switch {
		case person:
			s.Persons++
			s.Labeled = append(s.Labeled, models.LabeledDetection{
				Detection: det,
				Label:     c.persons.Label,
				Person:    true,
			})
		case cat != nil:
			if s.Hits[cat.Name] == 0 {
				s.Order = append(s.Order, cat)
			}
			s.Hits[cat.Name]++
			s.Labeled = append(s.Labeled, models.LabeledDetection{
				Detection: det,
				Label:     cat.Label,
			})
		}
	}

	return s
}

func matches(det models.Detection, ids []int, names []string) bool {
	return slices.Contains(ids, det.ClassID) || (det.Class != "" && slices.Contains(names, det.Class))
}
