package aggregator

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Capitan-Parrot/safety-alert-runner/internal/classifier"
	"github.com/Capitan-Parrot/safety-alert-runner/internal/cooldown"
	"github.com/Capitan-Parrot/safety-alert-runner/internal/models"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func setup() (*classifier.Classifier, *cooldown.Ledger) {
	cats := []*models.Category{
		{Name: "fire", Label: "fire", Tag: "fire", Threshold: 0.65, Cooldown: 300 * time.Second, Trigger: models.TriggerDetection, ClassNames: []string{"fire"}, MinCount: 1},
		{Name: "smoking", Label: "smoking", Tag: "smoke", Threshold: 0.7, Cooldown: 300 * time.Second, Trigger: models.TriggerDetection, ClassNames: []string{"smoke"}, MinCount: 1},
		{Name: "crowd", Label: "crowd", Tag: "crowd", Threshold: 0.5, Cooldown: time.Minute, Trigger: models.TriggerDetection, ClassNames: []string{"helmet"}, MinCount: 3},
		{Name: "solo", Label: "solo-label", Tag: "solo", Cooldown: 300 * time.Second, Trigger: models.TriggerSolo, MinCount: 1},
	}
	persons := models.PersonClass{Label: "worker", Threshold: 0.6, ClassNames: []string{"person"}}
	return classifier.New(cats, persons), cooldown.New()
}

func evaluate(c *classifier.Classifier, l *cooldown.Ledger, now time.Time, dets ...models.Detection) Result {
	return Evaluate(l, "cam1", c.Summarize(dets), c.Solo(), now)
}

func TestEvaluate_FireScenario(t *testing.T) {
	c, l := setup()

	res := evaluate(c, l, t0, models.Detection{Class: "fire", Confidence: 0.70})
	require.Len(t, res.Events, 1)
	assert.Equal(t, "fire", res.Events[0].Payload("screenshots").EventType)
	assert.Equal(t, "fire", res.Display)

	res = evaluate(c, l, t0.Add(10*time.Second), models.Detection{Class: "fire", Confidence: 0.90})
	assert.Empty(t, res.Events)
	assert.Empty(t, res.Display)
	require.Len(t, res.Outcomes, 1)
	assert.False(t, res.Outcomes[0].Fired)

	res = evaluate(c, l, t0.Add(301*time.Second), models.Detection{Class: "fire", Confidence: 0.66})
	require.Len(t, res.Events, 1)
}

func TestEvaluate_SoloFiresOnExactlyOnePerson(t *testing.T) {
	person := models.Detection{Class: "person", Confidence: 0.9}

	tests := []struct {
		name    string
		persons int
		fires   bool
	}{
		{"no people", 0, false},
		{"one person", 1, true},
		{"two people", 2, false},
		{"crowd", 5, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, l := setup()
			dets := make([]models.Detection, tt.persons)
			for i := range dets {
				dets[i] = person
			}

			res := evaluate(c, l, t0, dets...)
			assert.Equal(t, tt.persons, res.Persons)
			if tt.fires {
				require.Len(t, res.Events, 1)
				assert.Equal(t, "solo", res.Events[0].Category.Name)
				assert.Equal(t, "solo-label", res.Display)
			} else {
				assert.Empty(t, res.Events)
				assert.Empty(t, res.Display)
			}
		})
	}
}

func TestEvaluate_DisplaySortedAndEventsInFiringOrder(t *testing.T) {
	c, l := setup()

	res := evaluate(c, l, t0,
		models.Detection{Class: "smoke", Confidence: 0.8},
		models.Detection{Class: "fire", Confidence: 0.8},
		models.Detection{Class: "person", Confidence: 0.8},
	)

	require.Len(t, res.Events, 3)
	assert.Equal(t, "smoking", res.Events[0].Category.Name)
	assert.Equal(t, "fire", res.Events[1].Category.Name)
	assert.Equal(t, "solo", res.Events[2].Category.Name)
	assert.Equal(t, "fire smoking solo-label", res.Display)
	assert.Len(t, res.Fired(), 3)
}

func TestEvaluate_MinCount(t *testing.T) {
	c, l := setup()
	helmet := models.Detection{Class: "helmet", Confidence: 0.9}

	res := evaluate(c, l, t0, helmet, helmet)
	assert.Empty(t, res.Outcomes)

	res = evaluate(c, l, t0, helmet, helmet, helmet)
	require.Len(t, res.Events, 1)
	assert.Equal(t, "crowd", res.Events[0].Category.Name)
}

func TestEvaluate_EmptyFrame(t *testing.T) {
	c, l := setup()

	res := evaluate(c, l, t0)
	assert.Empty(t, res.Events)
	assert.Equal(t, "", res.Display)
	assert.Zero(t, res.Persons)
}

// failed delivery happens after TryFire, so the window stays closed
func TestEvaluate_DeliveryFailureKeepsSuppression(t *testing.T) {
	c, l := setup()
	fire := models.Detection{Class: "fire", Confidence: 0.8}

	res := evaluate(c, l, t0, fire)
	require.Len(t, res.Events, 1)
	publish := func(models.AlertEvent) error { return errors.New("broker down") }
	require.Error(t, publish(res.Events[0]))

	res = evaluate(c, l, t0.Add(time.Minute), fire)
	assert.Empty(t, res.Events)
}

func TestDisplay(t *testing.T) {
	b := &models.Category{Label: "b"}
	a := &models.Category{Label: "a"}
	assert.Equal(t, "a b", Display([]Outcome{{b, true}, {a, true}, {&models.Category{Label: "c"}, false}}))
	assert.Equal(t, "", Display(nil))
}
