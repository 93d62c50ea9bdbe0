package snapshot

import (
	"math"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// number coerces a loosely typed JSON value to a finite float. Numbers and
// numeric strings convert; anything else, NaN and Inf become 0.
func number(r gjson.Result) float64 {
	var v float64
	switch r.Type {
	case gjson.Number:
		v = r.Num
	case gjson.String:
		f, err := strconv.ParseFloat(strings.TrimSpace(r.Str), 64)
		if err != nil {
			return 0
		}
		v = f
	case gjson.True:
		v = 1
	default:
		return 0
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// count coerces to a non-negative int64, for byte and second counters.
func count(r gjson.Result) int64 {
	v := number(r)
	switch {
	case v <= 0:
		return 0
	case v >= math.MaxInt64:
		return math.MaxInt64
	}
	return int64(v)
}

// fraction coerces to a value in [0,1].
func fraction(r gjson.Result) float64 {
	return math.Min(math.Max(number(r), 0), 1)
}

func integer(r gjson.Result) int {
	v := number(r)
	if v <= 0 || v > math.MaxInt32 {
		return 0
	}
	return int(v)
}

// flag reads 1/0, "1"/"0" and true/false alike.
func flag(r gjson.Result) bool {
	return r.Bool()
}

// firstPresent returns the first of results that exists and is not null.
func firstPresent(results ...gjson.Result) gjson.Result {
	for _, r := range results {
		if r.Exists() && r.Type != gjson.Null {
			return r
		}
	}
	return gjson.Result{}
}
