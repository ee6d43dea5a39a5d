package alarm

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddielth/scada-core/errs"
	"github.com/eddielth/scada-core/point"
)

func strp(s string) *string { return &s }
func intp(i int) *int       { return &i }

func tripPoint() *point.Point {
	return &point.Point{
		Loc: "NBT", Tag: "SUP001.Trip", Label: "SUP001", Desc: "Supply fan trip",
		SignalType: point.DI,
		State0:     strp("Healthy"), Crit0: intp(0),
		State1: strp("Tripped"), Crit1: intp(3),
	}
}

func TestDigitalTripLifecycle(t *testing.T) {
	b := NewBook(filepath.Join(t.TempDir(), "alarms.json"), "Plant")
	p := tripPoint()

	p.Value = 1
	out := b.Upsert(p, DigitalCondition(p, "t1"))
	assert.True(t, out.Raised)

	a, ok := b.Get("NBT", "SUP001.Trip")
	require.True(t, ok)
	assert.Equal(t, Active, a.State)
	assert.False(t, a.Ack)
	assert.Equal(t, 3, a.Crit)
	assert.Equal(t, "Tripped", a.Status)
	assert.Equal(t, "Plant", a.Sys)

	p.Value = 0
	out = b.Upsert(p, DigitalCondition(p, "t2"))
	assert.True(t, out.Cleared)
	assert.Nil(t, out.Retired)
	a, _ = b.Get("NBT", "SUP001.Trip")
	assert.Equal(t, Cleared, a.State)
	assert.Equal(t, "Healthy", a.Status)

	res, err := b.Acknowledge("NBT", "SUP001.Trip")
	require.NoError(t, err)
	assert.True(t, res.Removed)
	assert.Empty(t, b.List())

	require.NoError(t, b.Save())
	reloaded := NewBook(b.path, "Plant")
	require.NoError(t, reloaded.Load())
	assert.Empty(t, reloaded.List())
}

func TestClearWhileAcknowledgedRetires(t *testing.T) {
	b := NewBook("", "")
	p := tripPoint()

	p.Value = 1
	b.Upsert(p, DigitalCondition(p, "t1"))
	_, err := b.Acknowledge("NBT", "SUP001.Trip")
	require.NoError(t, err)
	a, _ := b.Get("NBT", "SUP001.Trip")
	assert.Equal(t, Active, a.State)
	assert.True(t, a.Ack)

	p.Value = 0
	out := b.Upsert(p, DigitalCondition(p, "t2"))
	require.NotNil(t, out.Retired)
	assert.Equal(t, Cleared, out.Retired.State)
	assert.True(t, out.Retired.Ack)
	assert.Equal(t, StatusNormal, out.Retired.Status)
	assert.Empty(t, b.List())
}

func TestAckResetRules(t *testing.T) {
	b := NewBook("", "")
	p := &point.Point{Loc: "NBT", Tag: "LT1.Level", SignalType: point.AI}

	b.Upsert(p, Condition{Crit: 1, Status: "Warning (High): 60", Time: "t1"})
	_, err := b.Acknowledge("NBT", "LT1.Level")
	require.NoError(t, err)

	// same crit keeps the ack
	b.Upsert(p, Condition{Crit: 1, Status: "Warning (High): 61", Time: "t2"})
	a, _ := b.Get("NBT", "LT1.Level")
	assert.True(t, a.Ack)

	// crit change while Active and acked resets it
	b.Upsert(p, Condition{Crit: 2, Status: "High: 85", Time: "t3"})
	a, _ = b.Get("NBT", "LT1.Level")
	assert.False(t, a.Ack)
	assert.Equal(t, 2, a.Crit)

	// raise after Cleared resets the ack
	b.Upsert(p, Condition{Crit: 0, Status: StatusNormal, Time: "t4"})
	b.Upsert(p, Condition{Crit: 2, Status: "High: 85", Time: "t5"})
	a, _ = b.Get("NBT", "LT1.Level")
	assert.Equal(t, Active, a.State)
	assert.False(t, a.Ack)
}

func TestAcknowledgeTwice(t *testing.T) {
	b := NewBook("", "")
	p := tripPoint()
	p.Value = 1
	b.Upsert(p, DigitalCondition(p, "t1"))

	first, err := b.Acknowledge("", "SUP001.Trip")
	require.NoError(t, err)
	assert.False(t, first.Already)

	second, err := b.Acknowledge("NBT", "SUP001.Trip")
	require.NoError(t, err)
	assert.True(t, second.Already)

	_, err = b.Acknowledge("NBT", "missing")
	assert.True(t, errs.Is(err, errs.KindNotFound))
}

func TestUpsertNoAlarmNoRecord(t *testing.T) {
	b := NewBook("", "")
	p := tripPoint()
	p.Value = 0
	out := b.Upsert(p, DigitalCondition(p, "t1"))
	assert.False(t, out.Changed)
	assert.Empty(t, b.List())
}

func TestClassify(t *testing.T) {
	p := &point.Point{SignalType: point.AI, Unit: "%", Limits: point.Limits{
		Warn: point.LimitAt(50), High: point.LimitAt(80), HH: point.LimitAt(95),
		WarnLow: point.LimitAt(20), Low: point.LimitAt(10), LL: point.Disabled(),
	}}

	cases := map[float64]Region{
		40: Normal, 50: Warn, 85: High, 95: HH, 120: HH,
		20: WarnLow, 10: Low, -5: Low,
	}
	for v, want := range cases {
		p.Value = v
		assert.Equal(t, want, Classify(p), "value %v", v)
	}

	p.Value = 85.456
	assert.Equal(t, "High: 85.46 %", High.StatusText(p))
	assert.Equal(t, StatusNormal, Normal.StatusText(p))
	assert.Equal(t, 3, HH.Severity())
	assert.Equal(t, 1, WarnLow.Severity())
	assert.Equal(t, 0, Normal.Severity())
}

func TestAnalogLadderTransitions(t *testing.T) {
	b := NewBook("", "")
	regions := NewRegionTable()
	p := &point.Point{Loc: "NBT", Tag: "LT1.Level", SignalType: point.AI, Limits: point.Limits{
		Warn: point.LimitAt(50), High: point.LimitAt(80), HH: point.LimitAt(95),
	}}

	var transitions []Region
	for _, v := range []float64{40, 60, 85, 100, 100, 40} {
		p.Value = v
		r := Classify(p)
		if _, changed := regions.Transition(p.Key(), r); !changed {
			continue
		}
		transitions = append(transitions, r)
		b.Upsert(p, r.Condition(p, "ts"))
	}

	assert.Equal(t, []Region{Warn, High, HH, Normal}, transitions)
	a, ok := b.Get("NBT", "LT1.Level")
	require.True(t, ok)
	assert.Equal(t, Cleared, a.State)
	assert.Equal(t, StatusNormal, a.Status)
}

func TestRegionTablePrime(t *testing.T) {
	rt := NewRegionTable()
	key := point.Key{Loc: "NBT", Tag: "LT1.Level"}
	rt.Prime(key, High)
	assert.Equal(t, High, rt.Get(key))
	_, changed := rt.Transition(key, High)
	assert.False(t, changed)
	prev, changed := rt.Transition(key, Normal)
	assert.True(t, changed)
	assert.Equal(t, High, prev)
}

func TestUnresolvedRegionAlwaysTransitions(t *testing.T) {
	rt := NewRegionTable()
	key := point.Key{Loc: "NBT", Tag: "LT1.Level"}
	rt.Prime(key, Unresolved)

	prev, changed := rt.Transition(key, Normal)
	assert.True(t, changed)
	assert.Equal(t, Unresolved, prev)
	assert.Equal(t, 0, prev.Severity())

	_, changed = rt.Transition(key, Normal)
	assert.False(t, changed)
}
