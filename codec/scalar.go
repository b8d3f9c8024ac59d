package codec

import (
	"fmt"
	"strconv"
)

// Scalar encodes plain scalar values as their Redis string representation.
//
// This is the codec used for index lookups, sort scores and timeseries
// values: numbers keep their natural ordering under the store's numeric
// comparisons, strings pass through untouched.
type Scalar struct{}

// Marshal encodes a scalar value.
func (Scalar) Marshal(v any) ([]byte, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return x, nil
	case string:
		return []byte(x), nil
	case float64:
		return strconv.AppendFloat(nil, x, 'g', -1, 64), nil
	case float32:
		return strconv.AppendFloat(nil, float64(x), 'g', -1, 32), nil
	case int:
		return strconv.AppendInt(nil, int64(x), 10), nil
	case int64:
		return strconv.AppendInt(nil, x, 10), nil
	case uint64:
		return strconv.AppendUint(nil, x, 10), nil
	case bool:
		if x {
			return []byte("1"), nil
		}
		return []byte("0"), nil
	default:
		return nil, fmt.Errorf("scalar codec: unsupported type %T", v)
	}
}

// Unmarshal decodes a scalar into *string, *float64, *int64 or *[]byte.
func (Scalar) Unmarshal(data []byte, v any) error {
	switch x := v.(type) {
	case *[]byte:
		*x = data
		return nil
	case *string:
		*x = string(data)
		return nil
	case *float64:
		f, err := strconv.ParseFloat(string(data), 64)
		if err != nil {
			return fmt.Errorf("scalar codec: %w", err)
		}
		*x = f
		return nil
	case *int64:
		n, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			return fmt.Errorf("scalar codec: %w", err)
		}
		*x = n
		return nil
	case *bool:
		*x = len(data) == 1 && data[0] == '1'
		return nil
	default:
		return fmt.Errorf("scalar codec: unsupported target %T", v)
	}
}

// Name returns the unique name of the codec ("scalar").
func (Scalar) Name() string { return "scalar" }
