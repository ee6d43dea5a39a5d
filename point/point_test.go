package point

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddielth/scada-core/errs"
)

func TestLimitJSON(t *testing.T) {
	var ls Limits
	err := json.Unmarshal([]byte(`{"warn":50,"high":"80","hh":"x","low":""}`), &ls)
	require.NoError(t, err)

	v, ok := ls.Warn.Get()
	assert.True(t, ok)
	assert.Equal(t, 50.0, v)

	v, ok = ls.High.Get()
	assert.True(t, ok)
	assert.Equal(t, 80.0, v)

	_, ok = ls.HH.Get()
	assert.False(t, ok)
	require.NotNil(t, ls.HH)
	require.NotNil(t, ls.Low)
	assert.Nil(t, ls.LL, "missing threshold is not supplied")

	out, err := json.Marshal(ls)
	require.NoError(t, err)
	assert.JSONEq(t, `{"warn":50,"high":80,"hh":"x","low":"x"}`, string(out))
}

func TestLimitsMerge(t *testing.T) {
	dst := Limits{Warn: LimitAt(50), High: LimitAt(80)}

	assert.False(t, dst.Merge(Limits{Warn: LimitAt(50)}))
	assert.True(t, dst.Merge(Limits{High: Disabled(), HH: LimitAt(95)}))

	_, ok := dst.High.Get()
	assert.False(t, ok)
	v, _ := dst.HH.Get()
	assert.Equal(t, 95.0, v)
	v, _ = dst.Warn.Get()
	assert.Equal(t, 50.0, v)

	full := dst.Complete()
	for _, f := range full.fields() {
		assert.NotNil(t, *f)
	}
}

func TestParseLimit(t *testing.T) {
	l, err := ParseLimit(" 12.5 ")
	require.NoError(t, err)
	assert.Equal(t, "12.5", l.String())

	l, err = ParseLimit("X")
	require.NoError(t, err)
	assert.Equal(t, "x", l.String())

	_, err = ParseLimit("abc")
	assert.Error(t, err)
}

func TestDecodeNormalizesTags(t *testing.T) {
	doc, err := Decode([]byte(`[{"loc":"NBT","label":"SUP001","signal":"Trip","signalType":"DI"}]`), false)
	require.NoError(t, err)
	require.Len(t, doc.Points, 1)
	assert.Equal(t, "SUP001.Trip", doc.Points[0].Tag)

	doc, err = Decode([]byte(`{"system":"Plant","points":[{"loc":"NBT","tag":"P1.Run","signalType":"DO"}]}`), false)
	require.NoError(t, err)
	assert.Equal(t, "Plant", doc.System)
	assert.Equal(t, "P1.Run", doc.Points[0].Tag)

	yamlDoc := "system: Plant\npoints:\n  - loc: NBT\n    tag: LT1.Level\n    signalType: AI\n    warn: 50\n    hh: x\n"
	doc, err = Decode([]byte(yamlDoc), true)
	require.NoError(t, err)
	require.Len(t, doc.Points, 1)
	v, ok := doc.Points[0].Warn.Get()
	assert.True(t, ok)
	assert.Equal(t, 50.0, v)
	_, ok = doc.Points[0].HH.Get()
	assert.False(t, ok)

	_, err = Decode([]byte("  "), false)
	assert.Error(t, err)
}

func TestPointText(t *testing.T) {
	tripped := "Tripped"
	crit := 3
	p := Point{Tag: "SUP001.Trip", SignalType: DI, State1: &tripped, Crit1: &crit}

	assert.True(t, p.AlarmManaged())
	state, c := p.DigitalState(1)
	assert.Equal(t, "Tripped", state)
	assert.Equal(t, 3, c)
	state, c = p.DigitalState(0)
	assert.Equal(t, "0", state)
	assert.Equal(t, 0, c)

	assert.Equal(t, "Off", p.CommandState(0))
	assert.Equal(t, "SUP001.Trip", p.Description())
	assert.Equal(t, "-", p.Location())

	ai := Point{SignalType: AI, Value: 12.3456, Unit: "m"}
	assert.Equal(t, "12.35 m", ai.ValueText())
	assert.True(t, ai.AlarmManaged())

	do := Point{SignalType: DO}
	assert.False(t, do.AlarmManaged())
}

func TestKeys(t *testing.T) {
	k := Key{Loc: "NBT", Tag: "LT1.Level"}
	assert.Equal(t, "NBT.LT1.Level", k.String())
	assert.Equal(t, "NBT:LT1.Level", k.HistorianKey())
	assert.Equal(t, "-:X", Key{Tag: "X"}.HistorianKey())

	loc, tag := SplitQualified("NBT:P1.Run")
	assert.Equal(t, "NBT", loc)
	assert.Equal(t, "P1.Run", tag)
	loc, tag = SplitQualified("P1.Run")
	assert.Empty(t, loc)
	assert.Equal(t, "P1.Run", tag)
}

func TestStore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "defs.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"points":[
		{"loc":"NBT","tag":"LT1.Level","signalType":"AI","value":1,"warn":50},
		{"loc":"NBT","tag":"P1.Run","signalType":"DO","value":0}
	]}`), 0644))

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Len())
	assert.Len(t, s.Analog(), 1)

	p, ok := s.Find("", "P1.Run")
	require.True(t, ok)
	assert.Equal(t, "NBT", p.Loc)

	changed, err := s.Update(Key{Loc: "NBT", Tag: "LT1.Level"}, func(p *Point) bool {
		p.Value = 42
		return true
	})
	require.NoError(t, err)
	assert.True(t, changed)

	_, err = s.Update(Key{Loc: "NBT", Tag: "nope"}, func(*Point) bool { return true })
	assert.True(t, errs.Is(err, errs.KindNotFound))

	// copies do not alias the store
	snap := s.Snapshot()
	snap[0].Value = -1
	got, _ := s.Get(Key{Loc: "NBT", Tag: "LT1.Level"})
	assert.Equal(t, 42.0, got.Value)

	require.NoError(t, s.Save())
	reloaded, err := Load(path)
	require.NoError(t, err)
	got, _ = reloaded.Get(Key{Loc: "NBT", Tag: "LT1.Level"})
	assert.Equal(t, 42.0, got.Value)
	v, ok := got.Warn.Get()
	assert.True(t, ok)
	assert.Equal(t, 50.0, v)
}
