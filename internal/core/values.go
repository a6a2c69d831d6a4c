package core

import (
	"encoding/json"
	"math"
	"reflect"
	"strconv"
	"strings"
)

// scalarString renders a JSON scalar in a canonical form so that 5, 5.0,
// int64(5) and "5" all compare equal.
func scalarString(value any) string {
	if value == nil {
		return "null"
	}
	if n, ok := asInt64(value); ok {
		return strconv.FormatInt(n, 10)
	}
	if n, ok := asUint64(value); ok {
		return strconv.FormatUint(n, 10)
	}
	if f, ok := asFloat64(value); ok {
		if isWholeFinite(f) && f >= float64(math.MinInt64) && f < float64(math.MaxInt64) {
			return strconv.FormatInt(int64(f), 10)
		}
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	switch v := value.(type) {
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return scalarString(f)
		}
		return v.String()
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return ""
	}
	return string(encoded)
}

func valuesEqual(left, right any) bool {
	return scalarString(left) == scalarString(right)
}

// anyOf applies match to each element when candidates is a list, otherwise to
// candidates itself.
func anyOf(candidates any, match func(any) bool) bool {
	values := reflect.ValueOf(candidates)
	if !values.IsValid() || (values.Kind() != reflect.Slice && values.Kind() != reflect.Array) {
		return match(candidates)
	}
	for i := 0; i < values.Len(); i++ {
		if match(values.Index(i).Interface()) {
			return true
		}
	}
	return false
}

func numericValue(value any) (float64, bool) {
	if n, ok := asInt64(value); ok {
		return float64(n), true
	}
	if n, ok := asUint64(value); ok {
		return float64(n), true
	}
	if f, ok := asFloat64(value); ok {
		return f, !math.IsNaN(f)
	}
	switch v := value.(type) {
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil && !math.IsNaN(f)
	}
	return 0, false
}

func asInt64(value any) (int64, bool) {
	switch number := value.(type) {
	case int:
		return int64(number), true
	case int8:
		return int64(number), true
	case int16:
		return int64(number), true
	case int32:
		return int64(number), true
	case int64:
		return number, true
	default:
		return 0, false
	}
}

func asUint64(value any) (uint64, bool) {
	switch number := value.(type) {
	case uint:
		return uint64(number), true
	case uint8:
		return uint64(number), true
	case uint16:
		return uint64(number), true
	case uint32:
		return uint64(number), true
	case uint64:
		return number, true
	default:
		return 0, false
	}
}

func asFloat64(value any) (float64, bool) {
	switch number := value.(type) {
	case float32:
		return float64(number), true
	case float64:
		return number, true
	default:
		return 0, false
	}
}

func isWholeFinite(value float64) bool {
	return !math.IsNaN(value) && !math.IsInf(value, 0) && math.Trunc(value) == value
}
