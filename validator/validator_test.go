package validator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type request struct {
	Loc      string
	Tag      string
	Value    *float64
	Interval int
	Type     string
}

func TestRangeValidator(t *testing.T) {
	rv := &RangeValidator{Field: "Interval", Min: 1, Max: 60}
	assert.NoError(t, rv.Validate(request{Interval: 5}))
	assert.EqualError(t, rv.Validate(&request{Interval: 0}), "field Interval value 0 is outside [1, 60]")
	assert.Error(t, (&RangeValidator{Field: "Tag"}).Validate(request{}))
	assert.Error(t, (&RangeValidator{Field: "Missing"}).Validate(request{}))
	assert.Error(t, rv.Validate(42))
}

func TestRequiredValidator(t *testing.T) {
	v := 1.0
	assert.NoError(t, (&RequiredValidator{Field: "Tag"}).Validate(request{Tag: "P1.Run"}))
	assert.EqualError(t, (&RequiredValidator{Field: "Tag", Name: "tag"}).Validate(request{Tag: "  "}), "tag required")
	assert.Error(t, (&RequiredValidator{Field: "Value"}).Validate(request{}))
	assert.NoError(t, (&RequiredValidator{Field: "Value"}).Validate(request{Value: &v}))
}

func TestValidateAll(t *testing.T) {
	err := ValidateAll(request{Type: "ftp"},
		&RequiredValidator{Field: "Loc", Name: "loc"},
		&RequiredValidator{Field: "Tag", Name: "tag"},
		&OneOfValidator{Field: "Type", Values: []string{"file", "mqtt"}},
	)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "loc required")
	assert.Contains(t, err.Error(), "tag required")
	assert.Contains(t, err.Error(), "must be one of file|mqtt")

	assert.NoError(t, ValidateAll(request{Loc: "NBT", Tag: "X", Type: "mqtt"},
		&RequiredValidator{Field: "Loc"},
		&OneOfValidator{Field: "Type", Values: []string{"file", "mqtt"}},
	))
}
