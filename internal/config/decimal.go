package config

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Decimal reads YAML scalars such as 2, "1.5" or "2%" into an exact decimal.
// A trailing percent sign is dropped; grid steps are always percentages.
type Decimal struct {
	decimal.Decimal
}

func (d *Decimal) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: decimal must be a scalar", value.Line)
	}
	raw := strings.TrimSuffix(strings.TrimSpace(value.Value), "%")
	if raw == "" {
		d.Decimal = decimal.Zero
		return nil
	}
	dec, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("line %d: invalid decimal %q: %w", value.Line, value.Value, err)
	}
	d.Decimal = dec
	return nil
}

func (d Decimal) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}
