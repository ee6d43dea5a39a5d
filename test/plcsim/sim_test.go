package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddielth/scada-core/point"
)

func image() *point.Document {
	return &point.Document{
		System: "TRA",
		Points: []point.Point{
			{Loc: "NBT", Tag: "LT1.Level", SignalType: point.AI, Value: 40,
				Limits: point.Limits{High: point.LimitAt(80), HH: point.LimitAt(95)}},
			{Loc: "NBT", Tag: "SUP001.Trip", SignalType: point.DI},
			{Loc: "SBT", Tag: "P1.StartCmd", SignalType: point.DO},
		},
	}
}

func TestAdvanceStaysInSpan(t *testing.T) {
	sim := NewSimulator(1)
	sim.ToggleChance = 1
	doc := image()
	now := time.Date(2026, 3, 4, 10, 0, 0, 0, time.Local)

	for i := 0; i < 500; i++ {
		sim.Advance(doc, now)
		v := doc.Points[0].Value
		require.GreaterOrEqual(t, v, 0.0)
		require.LessOrEqual(t, v, 95*1.1)
	}
	assert.Equal(t, point.QualityGood, doc.Points[0].Quality)
	assert.Equal(t, now.Format(point.TimeLayout), doc.Points[0].TS)

	// an even number of certain toggles ends where it started
	assert.Equal(t, 0.0, doc.Points[1].Value)
	assert.Equal(t, 0.0, doc.Points[2].Value, "outputs are not simulated")
	assert.Empty(t, doc.Points[2].TS)
}

func TestApplySettings(t *testing.T) {
	doc := image()

	ok, err := ApplySettings(doc, []byte(`{"loc":"NBT","tag":"LT1.Level","warn":50,"hh":"x"}`))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "50", doc.Points[0].Warn.String())
	assert.Equal(t, "80", doc.Points[0].High.String(), "unsupplied thresholds are kept")
	assert.Equal(t, "x", doc.Points[0].HH.String())

	ok, err = ApplySettings(doc, []byte(`{"loc":"NBT","tag":"Nope"}`))
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = ApplySettings(doc, []byte(`{`))
	assert.Error(t, err)
}

func TestApplyCommand(t *testing.T) {
	doc := image()
	now := time.Date(2026, 3, 4, 11, 0, 0, 0, time.Local)

	ok, err := ApplyCommand(doc, []byte(`{"loc":"NBT","tag":"LT1.Level","value":42.5}`), now)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 42.5, doc.Points[0].Value)
	assert.Equal(t, point.QualityGood, doc.Points[0].Quality)
	assert.Equal(t, now.Format(point.TimeLayout), doc.Points[0].TS)

	ok, err = ApplyCommand(doc, []byte(`{"loc":"SBT","tag":"LT1.Level","value":1}`), now)
	require.NoError(t, err)
	assert.False(t, ok, "keys are location qualified")

	_, err = ApplyCommand(doc, []byte(`[]`), now)
	assert.Error(t, err)
}

func TestByLocation(t *testing.T) {
	tables := ByLocation(image())
	assert.Equal(t, []string{"NBT", "SBT"}, locations(tables))
	assert.Len(t, tables["NBT"].Points, 2)
	assert.Equal(t, "TRA", tables["SBT"].System)
}
