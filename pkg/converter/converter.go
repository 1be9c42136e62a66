// pkg/converter/converter.go
package converter

import (
	"go.uber.org/zap"
)

// TypeConverter turns driver and decoded JSON values into the text form a
// transaction row keeps
type TypeConverter struct {
	logger *zap.Logger
	config TypeConverterConfig
}

// TypeConverterConfig provides configuration options for value conversion
type TypeConverterConfig struct {
	// Tokens treated as NULL when they are the whole value
	NullTokens []string
	// Layout used when a driver hands back a time.Time
	TimeLayout string
	// Decimal places kept when a float is rendered
	FloatPrecision int
}

// DefaultConfig returns the default configuration
func DefaultConfig() TypeConverterConfig {
	return TypeConverterConfig{
		NullTokens:     []string{"null", "NULL", "nil", "NIL", "NaN", "N/A", "n/a", "None"},
		TimeLayout:     CanonicalDateLayout,
		FloatPrecision: -1,
	}
}

// NewTypeConverter creates a new TypeConverter with default configuration
func NewTypeConverter(logger *zap.Logger) *TypeConverter {
	return NewTypeConverterWithConfig(logger, DefaultConfig())
}

// NewTypeConverterWithConfig creates a TypeConverter with custom configuration
func NewTypeConverterWithConfig(logger *zap.Logger, config TypeConverterConfig) *TypeConverter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TypeConverter{
		logger: logger,
		config: config,
	}
}
