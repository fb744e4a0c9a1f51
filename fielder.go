package main

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/dgryski/go-wyhash"
	"pgregory.net/rand"
)

// adjectives is a list of common adjectives
var adjectives = []string{
	"able", "bad", "best", "better", "big", "black", "certain", "clear", "different", "early",
	"easy", "economic", "federal", "free", "full", "good", "great", "hard", "high", "human",
	"important", "international", "large", "late", "little", "local", "long", "low", "major",
	"military", "national", "new", "old", "only", "other", "political", "possible", "public",
	"real", "recent", "right", "small", "social", "special", "strong", "sure", "true", "white",
	"whole", "young",
}

// nouns is a list of common nouns
var nouns = []string{
	"angle", "ant", "apple", "arch", "arm", "army", "baby", "bag", "ball", "band", "basin", "basket", "bath", "bed", "bee", "bell",
	"berry", "bird", "blade", "board", "boat", "bone", "book", "boot", "bottle", "box", "boy", "brain", "brake", "branch", "brick", "bridge",
	"brush", "bucket", "bulb", "button", "cake", "camera", "card", "carriage", "cart", "cat", "chain", "cheese", "chess", "chin", "church", "circle",
	"clock", "cloud", "coat", "collar", "comb", "cord", "cow", "cup", "curtain", "cushion", "dog", "door", "drain", "drawer", "dress", "drop",
	"ear", "egg", "engine", "eye", "face", "farm", "feather", "finger", "fish", "flag", "floor", "fly", "foot", "fork", "fowl", "frame",
	"garden", "girl", "glove", "goat", "gun", "hair", "hammer", "hand", "hat", "head", "heart", "hook", "horn", "horse", "hospital", "house",
	"island", "jewel", "kettle", "key", "knee", "knife", "knot", "leaf", "leg", "library", "line", "lip", "lock", "map", "match", "monkey",
	"moon", "mouth", "muscle", "nail", "neck", "needle", "nerve", "net", "nose", "nut", "office", "orange", "oven", "parcel", "pen", "pencil",
	"picture", "pig", "pin", "pipe", "plane", "plate", "plough", "pocket", "pot", "potato", "prison", "pump", "rail", "rat", "receipt", "ring",
	"rod", "roof", "root", "sail", "school", "scissors", "screw", "seed", "sheep", "shelf", "ship", "shirt", "shoe", "skin", "skirt", "snake",
	"sock", "spade", "sponge", "spoon", "spring", "square", "stamp", "star", "station", "stem", "stick", "stocking", "stomach", "store", "street", "sun",
	"table", "tail", "thread", "throat", "thumb", "ticket", "toe", "tongue", "tooth", "town", "train", "tray", "tree", "trousers", "umbrella", "wall",
	"watch", "wheel", "whip", "whistle", "window", "wing", "wire", "worm",
}

// Rng is a seeded random source. Each route scheduler owns one; it is not
// safe for concurrent use.
type Rng struct {
	rng *rand.Rand
}

func NewRng(s string) Rng {
	return Rng{rand.New(wyhash.Hash([]byte(s), 2467825690))}
}

func (r Rng) Intn(n int) int64 {
	return int64(r.rng.Intn(n))
}

func (r Rng) Uint64() uint64 {
	return r.rng.Uint64()
}

func (r Rng) Float64() float64 {
	return r.rng.Float64()
}

// Chance returns true with probability p. p <= 0 never fires and p >= 1
// always does.
func (r Rng) Chance(p float64) bool {
	return r.rng.Float64() < p
}

func (r Rng) Choice(a []string) string {
	return a[r.Intn(len(a))]
}

func (r Rng) Bool() bool {
	return r.Intn(2) == 0
}

func (r Rng) Int(min, max int) int64 {
	if max <= min {
		return int64(min)
	}
	return int64(min + r.rng.Intn(max-min))
}

func (r Rng) Float(min, max float64) float64 {
	return r.rng.Float64()*(max-min) + min
}

func (r Rng) Gaussian(mean, stddev float64) float64 {
	return r.rng.NormFloat64()*stddev + mean
}

func (r Rng) GaussianInt(mean, stddev float64) int64 {
	return int64(r.rng.NormFloat64()*stddev + mean)
}

func (r Rng) Exponential(mean float64) float64 {
	return r.rng.ExpFloat64() * mean
}

func (r Rng) String(len int) string {
	var b strings.Builder
	for i := 0; i < len; i++ {
		b.WriteByte(byte("abcdefghijklmnopqrstuvwxyz"[r.Int(0, 26)]))
	}
	return b.String()
}

func (r Rng) HexString(len int) string {
	var b strings.Builder
	for i := 0; i < len; i++ {
		b.WriteByte(byte("0123456789abcdef"[r.Int(0, 16)]))
	}
	return b.String()
}

func (r Rng) WordPair() string {
	return r.Choice(adjectives) + "-" + r.Choice(nouns)
}

func (r Rng) BoolWithProb(p int) bool {
	return r.Int(0, 100) < int64(p)
}

// FieldGen produces one field value from the caller's random source.
type FieldGen func(r Rng) any

func valueGenerators() []FieldGen {
	return []FieldGen{
		func(r Rng) any { return r.Intn(100) },
		func(r Rng) any { return r.BoolWithProb(99) },
		func(r Rng) any { return r.BoolWithProb(50) },
		func(r Rng) any { return r.BoolWithProb(1) },
		func(r Rng) any { return r.Int(-100, 100) },
		func(r Rng) any { return r.Float(0, 1000) },
		func(r Rng) any { return r.Float(0, 1) },
		func(r Rng) any { return r.GaussianInt(50, 30) },
		func(r Rng) any { return r.Gaussian(10000, 1000) },
		func(r Rng) any { return r.Gaussian(500, 300) },
		func(r Rng) any { return r.String(2) },
		func(r Rng) any { return r.String(5) },
		func(r Rng) any { return r.String(10) },
		func(r Rng) any { return r.String(4) + "-" + r.HexString(8) + "-" + r.String(4) },
		func(r Rng) any { return r.HexString(16) },
	}
}

var (
	fieldNamePat = regexp.MustCompile(`^[a-zA-Z0-9_.\-]+$`)
	genpat       = regexp.MustCompile(`^/([ibfs][awxrg]?)([0-9.-]+)?(,[0-9.-]+)?$`)
	// groups                              1            2          3
)

// parseFieldSpecs expects a map of field name to either a constant or a
// generator of the form /gen. The seeded rng is only used for values that
// must stay fixed for the life of the process, such as word lists.
func parseFieldSpecs(rng Rng, specs map[string]string) (map[string]FieldGen, error) {
	fields := make(map[string]FieldGen)
	for name, spec := range specs {
		if !fieldNamePat.MatchString(name) {
			return nil, fmt.Errorf("invalid field name %q", name)
		}
		if !strings.HasPrefix(spec, "/") {
			fields[name] = getConst(spec)
			continue
		}

		matches := genpat.FindStringSubmatch(spec)
		if matches == nil {
			return nil, fmt.Errorf("unparseable field %s=%s", name, spec)
		}
		var err error
		gentype := matches[1]
		p1 := matches[2]
		p2 := matches[3]
		switch gentype {
		case "i", "ir", "ig":
			fields[name], err = getIntGen(gentype, p1, p2)
			if err != nil {
				return nil, fmt.Errorf("invalid int in field %s: %w", name, err)
			}
		case "f", "fr", "fg":
			fields[name], err = getFloatGen(gentype, p1, p2)
			if err != nil {
				return nil, fmt.Errorf("invalid float in field %s: %w", name, err)
			}
		case "b":
			n := 50
			if p1 != "" {
				n, err = strconv.Atoi(p1)
				if err != nil || n < 0 || n > 100 {
					return nil, fmt.Errorf("invalid bool option in %s=%s", name, spec)
				}
			}
			fields[name] = func(r Rng) any { return r.BoolWithProb(n) }
		case "s", "sw", "sx", "sa":
			n := 16
			if p1 != "" {
				n, err = strconv.Atoi(p1)
				if err != nil || n <= 0 {
					return nil, fmt.Errorf("invalid string option in %s=%s", name, spec)
				}
			}
			switch gentype {
			case "sw":
				words := make([]string, n)
				for i := 0; i < n; i++ {
					words[i] = rng.WordPair()
				}
				fields[name] = func(r Rng) any { return r.Choice(words) }
			case "sx":
				fields[name] = func(r Rng) any { return r.HexString(n) }
			default:
				fields[name] = func(r Rng) any { return r.String(n) }
			}
		default:
			return nil, fmt.Errorf("invalid generator type %s in field %s", gentype, name)
		}
	}
	return fields, nil
}

func getConst(value string) FieldGen {
	var gen FieldGen
	if value == "true" {
		gen = func(Rng) any { return true }
	} else if value == "false" {
		gen = func(Rng) any { return false }
	} else {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			gen = func(Rng) any { return i }
		} else if f, err := strconv.ParseFloat(value, 64); err == nil {
			gen = func(Rng) any { return f }
		} else {
			gen = func(Rng) any { return value }
		}
	}
	return gen
}

func gaussianDefaults(v1, v2 float64) (float64, float64) {
	if v1 == 0 && v2 == 0 {
		v1 = 100
		v2 = 10
	} else if v2 == 0 {
		v2 = v1 / 10
	}
	return v1, v2
}

func getIntGen(gentype, p1, p2 string) (FieldGen, error) {
	var v1, v2 int
	var err error
	if p1 == "" {
		v1 = 0
	} else {
		v1, err = strconv.Atoi(p1)
		if err != nil {
			return nil, fmt.Errorf("%s is not an int", p1)
		}
	}
	if p2 == "" || p2 == "," {
		v2 = v1
		v1 = 0
	} else {
		v2, err = strconv.Atoi(p2[1:])
		if err != nil {
			return nil, fmt.Errorf("%s is not an int", p2[1:])
		}
	}
	if gentype == "ig" {
		g1, g2 := gaussianDefaults(float64(v1), float64(v2))
		return func(r Rng) any { return r.GaussianInt(g1, g2) }, nil
	}
	if v1 == 0 && v2 == 0 {
		v2 = 100
	}
	return func(r Rng) any { return r.Int(v1, v2) }, nil
}

func getFloatGen(gentype, p1, p2 string) (FieldGen, error) {
	var v1, v2 float64
	var err error
	if p1 == "" {
		v1 = 0
	} else {
		v1, err = strconv.ParseFloat(p1, 64)
		if err != nil {
			return nil, fmt.Errorf("%s is not a float64", p1)
		}
	}
	if p2 == "" || p2 == "," {
		v2 = v1
		v1 = 0
	} else {
		v2, err = strconv.ParseFloat(p2[1:], 64)
		if err != nil {
			return nil, fmt.Errorf("%s is not a float64", p2[1:])
		}
	}
	if gentype == "fg" {
		g1, g2 := gaussianDefaults(v1, v2)
		return func(r Rng) any { return r.Gaussian(g1, g2) }, nil
	}
	if v1 == 0 && v2 == 0 {
		v2 = 100
	}
	return func(r Rng) any { return r.Float(v1, v2) }, nil
}

// Fielder generates the span fields for one service. Field names and
// word lists are fixed at construction by seeding with the service name, so
// they are stable across runs; values are drawn from whatever Rng the caller
// passes to AddFields.
type Fielder struct {
	fields map[string]FieldGen
	names  []string
}

func NewFielder(seed string, specs map[string]string, nextras int) (*Fielder, error) {
	rng := NewRng(seed)
	gens := valueGenerators()
	fields, err := parseFieldSpecs(rng, specs)
	if err != nil {
		return nil, err
	}
	for i := 0; i < nextras; i++ {
		fieldname := rng.WordPair()
		if _, ok := fields[fieldname]; ok {
			continue
		}
		fields[fieldname] = gens[rng.Intn(len(gens))]
	}

	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	// map order is random; values have to be drawn in a fixed order to keep
	// traces reproducible for a given seed
	sort.Strings(names)
	return &Fielder{fields: fields, names: names}, nil
}

func (f *Fielder) Len() int {
	return len(f.names)
}

// AddFields evaluates every generator into dst.
func (f *Fielder) AddFields(dst map[string]any, r Rng) {
	for _, name := range f.names {
		dst[name] = f.fields[name](r)
	}
}

func (f *Fielder) GetFields(r Rng) map[string]any {
	fields := make(map[string]any, len(f.names))
	f.AddFields(fields, r)
	return fields
}
