// pkg/converter/values.go
package converter

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// IsNull determines if a value should be treated as NULL
func (c *TypeConverter) IsNull(value interface{}) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return true
		}
		for _, token := range c.config.NullTokens {
			if trimmed == token {
				return true
			}
		}
	case []byte:
		return c.IsNull(string(v))
	}
	return false
}

// ToText converts a driver or JSON value to its text form. NULL becomes "".
func (c *TypeConverter) ToText(value interface{}) string {
	if c.IsNull(value) {
		return ""
	}
	switch v := value.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, bool:
		return fmt.Sprintf("%v", v)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', c.config.FloatPrecision, 32)
	case float64:
		return strconv.FormatFloat(v, 'f', c.config.FloatPrecision, 64)
	case json.Number:
		return v.String()
	case decimal.Decimal:
		return v.String()
	case time.Time:
		return v.UTC().Format(c.config.TimeLayout)
	case *time.Time:
		if v == nil {
			return ""
		}
		return v.UTC().Format(c.config.TimeLayout)
	default:
		// Semi-structured values (Snowflake VARIANT, nested JSON) are kept as JSON text
		jsonBytes, err := json.Marshal(v)
		if err != nil {
			c.logger.Debug("Falling back to fmt for value",
				zap.String("type", fmt.Sprintf("%T", v)),
				zap.Error(err))
			return fmt.Sprintf("%v", v)
		}
		return string(jsonBytes)
	}
}

// ToRow converts a column->value map into canonical text columns. Column names
// are normalized and aliases resolved; unknown columns are dropped.
func (c *TypeConverter) ToRow(values map[string]interface{}) map[string]string {
	row := make(map[string]string, len(values))
	for name, value := range values {
		canonical, ok := CanonicalColumn(name)
		if !ok {
			continue
		}
		if _, exists := row[canonical]; exists && c.IsNull(value) {
			continue
		}
		row[canonical] = c.ToText(value)
	}
	return row
}
