package shigoto

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Task arguments arrive with whatever numeric types the codec produced:
// json.Number from the JSON codecs, int64 or uint64 from CBOR, the original type from a
// local queue. These helpers convert them for registered functions.

// ToInt converts a task argument to int64.
func ToInt(v any) (int64, error) {
	switch x := v.(type) {
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case uint:
		return uintToInt(uint64(x))
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint64:
		return uintToInt(x)
	case float32:
		return floatToInt(float64(x))
	case float64:
		return floatToInt(x)
	case json.Number:
		return x.Int64()
	case string:
		return strconv.ParseInt(x, 10, 64)
	}
	return 0, fmt.Errorf("argument %v (%T) is not an integer", v, v)
}

// ToFloat converts a task argument to float64.
func ToFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case json.Number:
		return x.Float64()
	case string:
		return strconv.ParseFloat(x, 64)
	}
	n, err := ToInt(v)
	if err != nil {
		return 0, fmt.Errorf("argument %v (%T) is not a number", v, v)
	}
	return float64(n), nil
}

// ToString converts a task argument to a string.
func ToString(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case fmt.Stringer:
		return x.String(), nil
	}
	return "", fmt.Errorf("argument %v (%T) is not a string", v, v)
}

func uintToInt(u uint64) (int64, error) {
	if u > math.MaxInt64 {
		return 0, fmt.Errorf("argument %d overflows int64", u)
	}
	return int64(u), nil
}

func floatToInt(f float64) (int64, error) {
	if f != math.Trunc(f) || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, fmt.Errorf("argument %v is not an integer", f)
	}
	if f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, fmt.Errorf("argument %v overflows int64", f)
	}
	return int64(f), nil
}
