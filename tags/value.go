package tags

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/eddielth/relay-sync/model"
)

// ErrNoValue is returned when the remote reported a null value
var ErrNoValue = errors.New("tag has no value")

// MapValue converts a decoded wire value into a typed Value. Decimal wire
// values are narrowed by data type: string keeps the decimal text, float
// becomes float64, everything else becomes int64.
func MapValue(raw interface{}, dt model.DataType) (model.Value, error) {
	if raw == nil {
		return model.Value{}, ErrNoValue
	}

	switch dt {
	case model.DataTypeString:
		return model.StringValue(toString(raw)), nil
	case model.DataTypeFloat:
		f, err := toFloat(raw)
		if err != nil {
			return model.Value{}, err
		}
		return model.FloatValue(f), nil
	case model.DataTypeBool:
		b, err := toBool(raw)
		if err != nil {
			return model.Value{}, err
		}
		return model.BoolValue(b), nil
	default:
		i, err := toInt(raw)
		if err != nil {
			return model.Value{}, err
		}
		return model.IntValue(i), nil
	}
}

// RawValue is the inverse of MapValue: it renders v the way the mailbox API
// reports values of its type.
func RawValue(v model.Value) interface{} {
	switch v.Type() {
	case model.DataTypeFloat:
		f, _ := v.Float()
		return json.Number(strconv.FormatFloat(f, 'g', -1, 64))
	case model.DataTypeBool:
		b, _ := v.Bool()
		return b
	case model.DataTypeString:
		s, _ := v.Str()
		return s
	default:
		i, _ := v.Int()
		return json.Number(strconv.FormatInt(i, 10))
	}
}

func toString(raw interface{}) string {
	switch v := raw.(type) {
	case json.Number:
		return v.String()
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	default:
		return fmt.Sprint(v)
	}
}

func toFloat(raw interface{}) (float64, error) {
	switch v := raw.(type) {
	case json.Number:
		return v.Float64()
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid float value %q: %w", v, err)
		}
		return f, nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case float64:
		return v, nil
	case int64:
		return float64(v), nil
	case int:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("unsupported value type %T for float tag", raw)
	}
}

func toInt(raw interface{}) (int64, error) {
	switch v := raw.(type) {
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, nil
		}
		f, err := v.Float64()
		if err != nil {
			return 0, fmt.Errorf("invalid integer value %q: %w", v.String(), err)
		}
		return truncate(f)
	case string:
		s := strings.TrimSpace(v)
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid integer value %q: %w", v, err)
		}
		return truncate(f)
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case float64:
		return truncate(v)
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	default:
		return 0, fmt.Errorf("unsupported value type %T for integer tag", raw)
	}
}

func truncate(f float64) (int64, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f >= math.MaxInt64 || f < math.MinInt64 {
		return 0, fmt.Errorf("value %v out of integer range", f)
	}
	return int64(f), nil
}

func toBool(raw interface{}) (bool, error) {
	switch v := raw.(type) {
	case bool:
		return v, nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return false, fmt.Errorf("invalid boolean value %q: %w", v.String(), err)
		}
		return f != 0, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return false, fmt.Errorf("invalid boolean value %q: %w", v, err)
		}
		return b, nil
	case float64:
		return v != 0, nil
	case int64:
		return v != 0, nil
	case int:
		return v != 0, nil
	default:
		return false, fmt.Errorf("unsupported value type %T for boolean tag", raw)
	}
}
