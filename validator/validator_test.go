package validator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type sample struct {
	Workers  int
	Ratio    float64
	Interval time.Duration
	Mode     string
}

func TestRangeValidator(t *testing.T) {
	v := &RangeValidator{Field: "Workers", Min: 1, Max: 64}
	assert.NoError(t, v.Validate(sample{Workers: 4}))
	assert.NoError(t, v.Validate(&sample{Workers: 64}))
	assert.ErrorContains(t, v.Validate(sample{Workers: 0}), "not in range")

	assert.ErrorContains(t, (&RangeValidator{Field: "Mode"}).Validate(sample{}), "not numeric")
	assert.ErrorContains(t, (&RangeValidator{Field: "Missing"}).Validate(sample{}), "does not exist")
	assert.ErrorContains(t, v.Validate(42), "must be a struct")
}

func TestDurationRangeValidator(t *testing.T) {
	v := &DurationRangeValidator{Field: "Interval", Min: time.Second, Max: time.Hour}
	assert.NoError(t, v.Validate(sample{Interval: time.Minute}))
	assert.Error(t, v.Validate(sample{Interval: 500 * time.Millisecond}))
	assert.Error(t, v.Validate(sample{Interval: 2 * time.Hour}))
	assert.Error(t, v.Validate(sample{}))

	optional := &DurationRangeValidator{Field: "Interval", Min: time.Second, AllowZero: true}
	assert.NoError(t, optional.Validate(sample{}))
	assert.NoError(t, optional.Validate(sample{Interval: 48 * time.Hour}))
	assert.ErrorContains(t, optional.Validate(sample{Interval: time.Millisecond}), "below")

	assert.ErrorContains(t, (&DurationRangeValidator{Field: "Workers"}).Validate(sample{}), "not a duration")
}

func TestOneOfValidator(t *testing.T) {
	v := &OneOfValidator{Field: "Mode", Allowed: []string{"fail", "skip"}}
	assert.NoError(t, v.Validate(sample{Mode: "skip"}))
	assert.ErrorContains(t, v.Validate(sample{Mode: "ignore"}), `"ignore"`)
}

func TestAllJoinsErrors(t *testing.T) {
	err := All(sample{Workers: 0, Mode: "x"},
		&RangeValidator{Field: "Workers", Min: 1, Max: 8},
		&OneOfValidator{Field: "Mode", Allowed: []string{"fail"}},
	)
	assert.ErrorContains(t, err, "Workers")
	assert.ErrorContains(t, err, "Mode")
	assert.NoError(t, All(sample{Workers: 2}, &RangeValidator{Field: "Workers", Min: 1, Max: 8}))
}
