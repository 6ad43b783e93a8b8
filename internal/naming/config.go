// Package naming maps entity and field names onto SQL table and column identifiers, including
// pluralization, explicit overrides, reserved word detection and collision handling.
package naming

// Config holds naming customization options. Keys are matched case-insensitively because
// configuration loaders fold map keys to lower case.
type Config struct {
	// PluralOverrides maps singular -> custom plural
	// Example: {"person": "people", "status": "statuses"}
	PluralOverrides map[string]string `mapstructure:"plural_overrides"`

	// TableOverrides maps entity name -> table name
	// Example: {"User": "accounts"}
	TableOverrides map[string]string `mapstructure:"table_overrides"`

	// ColumnOverrides maps entity name -> field name -> column name
	// Example: {"User": {"passwordHash": "pw_hash"}}
	ColumnOverrides map[string]map[string]string `mapstructure:"column_overrides"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		PluralOverrides: make(map[string]string),
		TableOverrides:  make(map[string]string),
		ColumnOverrides: make(map[string]map[string]string),
	}
}
