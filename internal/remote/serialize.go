package remote

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/dryousufmesalm/bot-app-sub002/internal/models"
)

// EncodeFields prepares a field map for the remote store. Temporal values
// become RFC3339 strings, compound values become JSON strings, and anything
// the encoder rejects falls back to its printed form.
func EncodeFields(fields map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		out[k] = encodeValue(v)
	}
	return out
}

func encodeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case nil:
		return nil
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	case *time.Time:
		if t == nil {
			return nil
		}
		return t.UTC().Format(time.RFC3339)
	case json.RawMessage:
		return string(t)
	}

	switch reflect.ValueOf(v).Kind() {
	case reflect.Slice, reflect.Array, reflect.Map, reflect.Struct, reflect.Ptr:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}

	// Scalars pass through, except the few json.Marshal refuses (NaN, Inf).
	if _, err := json.Marshal(v); err != nil {
		return fmt.Sprint(v)
	}
	return v
}

// numericCycleFields are the cycle fields the store schema types as numbers.
// Values headed for them are coerced to float64 so a string or integer from
// an event payload cannot produce a type-mismatched record.
var numericCycleFields = []string{
	"magic_number",
	"open_price",
	"lower_bound",
	"upper_bound",
	"threshold_lower",
	"threshold_upper",
	"initial_threshold_price",
	"zone_base_price",
	"recovery_zone_base_price",
	"initial_stop_loss_price",
	"direction_switches",
	"next_order_index",
	"total_volume",
	"total_profit",
	"accumulated_loss",
	"lot_idx",
}

func coerceNumericFields(fields map[string]interface{}) {
	for _, k := range numericCycleFields {
		if v, ok := fields[k]; ok {
			fields[k] = toFloat(v)
		}
	}
}

// toFloat coerces to float64, defaulting to 0.0 when the value has no
// numeric reading.
func toFloat(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case float32:
		return float64(t)
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case uint64:
		return float64(t)
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return 0.0
		}
		return f
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0.0
		}
		return f
	default:
		return 0.0
	}
}

// CycleFields flattens a cycle into the remote record shape. The local id
// moves to local_id because the store reserves id for its own, and the
// recognized numeric fields are coerced.
func CycleFields(c *models.Cycle) map[string]interface{} {
	b, err := json.Marshal(c)
	if err != nil {
		return map[string]interface{}{"local_id": c.ID}
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return map[string]interface{}{"local_id": c.ID}
	}

	m["local_id"] = c.ID
	delete(m, "id")
	delete(m, "remote_id")

	coerceNumericFields(m)
	return EncodeFields(m)
}
