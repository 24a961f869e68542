package planner

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"time"

	"github.com/johndauphine/tablecopy/internal/checkpoint"
)

// Boundary kinds stored alongside the boundary value.
const (
	KindInt    = "int"
	KindFloat  = "float"
	KindString = "string"
	KindBytes  = "bytes"
	KindTime   = "time"
	KindOffset = "offset"
)

// EncodeMarker converts a sampled key value into its persisted form.
func EncodeMarker(v any) (*checkpoint.Boundary, error) {
	switch x := v.(type) {
	case int64:
		return &checkpoint.Boundary{Kind: KindInt, Value: strconv.FormatInt(x, 10)}, nil
	case int32:
		return &checkpoint.Boundary{Kind: KindInt, Value: strconv.FormatInt(int64(x), 10)}, nil
	case int16:
		return &checkpoint.Boundary{Kind: KindInt, Value: strconv.FormatInt(int64(x), 10)}, nil
	case int8:
		return &checkpoint.Boundary{Kind: KindInt, Value: strconv.FormatInt(int64(x), 10)}, nil
	case int:
		return &checkpoint.Boundary{Kind: KindInt, Value: strconv.Itoa(x)}, nil
	case uint8:
		return &checkpoint.Boundary{Kind: KindInt, Value: strconv.FormatUint(uint64(x), 10)}, nil
	case float64:
		return &checkpoint.Boundary{Kind: KindFloat, Value: strconv.FormatFloat(x, 'g', -1, 64)}, nil
	case float32:
		return &checkpoint.Boundary{Kind: KindFloat, Value: strconv.FormatFloat(float64(x), 'g', -1, 32)}, nil
	case string:
		return &checkpoint.Boundary{Kind: KindString, Value: x}, nil
	case []byte:
		return &checkpoint.Boundary{Kind: KindBytes, Value: base64.StdEncoding.EncodeToString(x)}, nil
	case time.Time:
		return &checkpoint.Boundary{Kind: KindTime, Value: x.Format(time.RFC3339Nano)}, nil
	case nil:
		return nil, fmt.Errorf("marker value is NULL")
	default:
		return nil, fmt.Errorf("unsupported marker type %T", v)
	}
}

// EncodeOffset converts a row offset into its persisted form.
func EncodeOffset(n int64) *checkpoint.Boundary {
	return &checkpoint.Boundary{Kind: KindOffset, Value: strconv.FormatInt(n, 10)}
}

// Decode turns a persisted boundary back into a query parameter. A nil
// boundary decodes to nil.
func Decode(b *checkpoint.Boundary) (any, error) {
	if b == nil {
		return nil, nil
	}
	switch b.Kind {
	case KindInt, KindOffset:
		return strconv.ParseInt(b.Value, 10, 64)
	case KindFloat:
		return strconv.ParseFloat(b.Value, 64)
	case KindString:
		return b.Value, nil
	case KindBytes:
		return base64.StdEncoding.DecodeString(b.Value)
	case KindTime:
		return time.Parse(time.RFC3339Nano, b.Value)
	default:
		return nil, fmt.Errorf("unknown boundary kind %q", b.Kind)
	}
}
