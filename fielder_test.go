package main

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRng_Int(t *testing.T) {
	r := NewRng("int")
	for i := 0; i < 1000; i++ {
		v := r.Int(-5, 5)
		if v < -5 || v >= 5 {
			t.Fatalf("Int(-5, 5) returned %d", v)
		}
	}
	assert.Equal(t, int64(7), r.Int(7, 7))
	assert.Equal(t, int64(7), r.Int(7, 3))
}

func TestRng_Chance(t *testing.T) {
	r := NewRng("chance")
	for i := 0; i < 10000; i++ {
		if r.Chance(0) {
			t.Fatal("Chance(0) fired")
		}
		if !r.Chance(1) {
			t.Fatal("Chance(1) did not fire")
		}
	}
}

func TestRng_SameSeedSameSequence(t *testing.T) {
	a := NewRng("seed")
	b := NewRng("seed")
	for i := 0; i < 100; i++ {
		require.Equal(t, a.Uint64(), b.Uint64())
	}
	c := NewRng("other")
	assert.NotEqual(t, NewRng("seed").Uint64(), c.Uint64())
}

func Test_getConst(t *testing.T) {
	tests := []struct {
		value string
		want  any
	}{
		{"true", true},
		{"false", false},
		{"42", int64(42)},
		{"-3", int64(-3)},
		{"2.5", 2.5},
		{"GET", "GET"},
		{"", ""},
	}
	r := NewRng("const")
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			assert.Equal(t, tt.want, getConst(tt.value)(r))
		})
	}
}

func Test_getIntGen(t *testing.T) {
	tests := []struct {
		gentype, p1, p2 string
		min, max        int64
	}{
		{"i", "", "", 0, 100},
		{"i", "20", "", 0, 20},
		{"ir", "10", ",20", 10, 20},
		{"ir", "-10", ",-5", -10, -5},
	}
	r := NewRng("ints")
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s%s%s", tt.gentype, tt.p1, tt.p2), func(t *testing.T) {
			gen, err := getIntGen(tt.gentype, tt.p1, tt.p2)
			require.NoError(t, err)
			for i := 0; i < 500; i++ {
				v := gen(r).(int64)
				if v < tt.min || v >= tt.max {
					t.Fatalf("value %d out of range [%d, %d)", v, tt.min, tt.max)
				}
			}
		})
	}

	_, err := getIntGen("i", "x", "")
	assert.Error(t, err)
	_, err = getIntGen("i", "1", ",y")
	assert.Error(t, err)
}

func Test_getFloatGen(t *testing.T) {
	r := NewRng("floats")
	gen, err := getFloatGen("fr", "1.5", ",2.5")
	require.NoError(t, err)
	for i := 0; i < 500; i++ {
		v := gen(r).(float64)
		if v < 1.5 || v > 2.5 {
			t.Fatalf("value %f out of range", v)
		}
	}

	gen, err = getFloatGen("fg", "", "")
	require.NoError(t, err)
	var sum float64
	for i := 0; i < 2000; i++ {
		sum += gen(r).(float64)
	}
	assert.InDelta(t, 100, sum/2000, 5)

	_, err = getFloatGen("f", "abc", "")
	assert.Error(t, err)
}

func Test_parseFieldSpecs(t *testing.T) {
	r := NewRng("specs")
	fields, err := parseFieldSpecs(r, map[string]string{
		"http.method": "GET",
		"count":       "/i10",
		"ok":          "/b100",
		"never":       "/b0",
		"hex":         "/sx8",
		"word":        "/sw4",
		"plain":       "/s5",
	})
	require.NoError(t, err)
	require.Len(t, fields, 7)

	assert.Equal(t, "GET", fields["http.method"](r))
	assert.Equal(t, true, fields["ok"](r))
	assert.Equal(t, false, fields["never"](r))
	assert.Len(t, fields["hex"](r), 8)
	assert.Len(t, fields["plain"](r), 5)
	assert.Contains(t, fields["word"](r), "-")

	bad := []map[string]string{
		{"bad name!": "x"},
		{"f": "/q"},
		{"f": "/b101"},
		{"f": "/s0"},
		{"f": "/i1,x"},
	}
	for _, specs := range bad {
		_, err := parseFieldSpecs(r, specs)
		assert.Error(t, err, "%v", specs)
	}
}

func TestFielder(t *testing.T) {
	specs := map[string]string{
		"region": "us-east-1",
		"rows":   "/ir1,50",
	}
	f, err := NewFielder("db", specs, 3)
	require.NoError(t, err)
	// extra names are word pairs and could in principle collide
	assert.GreaterOrEqual(t, f.Len(), 3)
	assert.LessOrEqual(t, f.Len(), 5)

	g, err := NewFielder("db", specs, 3)
	require.NoError(t, err)
	assert.Equal(t, f.names, g.names)

	a := f.GetFields(NewRng("values"))
	b := g.GetFields(NewRng("values"))
	assert.Equal(t, a, b)
	assert.Equal(t, "us-east-1", a["region"])

	dst := map[string]any{"keep": 1}
	f.AddFields(dst, NewRng("values"))
	assert.Equal(t, 1, dst["keep"])
	assert.Equal(t, a["rows"], dst["rows"])

	_, err = NewFielder("db", map[string]string{"x": "/zz"}, 0)
	assert.Error(t, err)
}

func BenchmarkFielder(b *testing.B) {
	f, err := NewFielder("bench", map[string]string{"a": "/i100", "b": "/sw20"}, 10)
	if err != nil {
		b.Fatal(err)
	}
	r := NewRng("bench")
	dst := make(map[string]any, f.Len())
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.AddFields(dst, r)
	}
}
