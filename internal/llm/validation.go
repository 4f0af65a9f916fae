package llm

import (
	"fmt"
	"math"
	"reflect"
)

// Validator checks tool arguments against the JSON-schema subset used in
// tool declarations: properties, required, type, enum, minimum and maximum.
type Validator struct{ Schema map[string]any }

func NewValidator(schema map[string]any) *Validator { return &Validator{Schema: schema} }

// Validate reports the first violation in input. A schema without
// properties accepts only an empty argument object.
func (v *Validator) Validate(input map[string]any) error {
	props, _ := v.Schema["properties"].(map[string]any)

	for k, val := range input {
		sch, ok := props[k].(map[string]any)
		if !ok {
			return fmt.Errorf("unknown field: %s", k)
		}

		typ, _ := sch["type"].(string)
		if err := checkType(val, typ); err != nil {
			return fmt.Errorf("field %s: %v", k, err)
		}
		if err := validateEnum(k, val, sch); err != nil {
			return err
		}
		if err := validateNumericConstraints(k, val, sch); err != nil {
			return err
		}
	}

	for _, r := range requiredFields(v.Schema["required"]) {
		if _, ok := input[r]; !ok {
			return fmt.Errorf("missing required field: %s", r)
		}
	}
	return nil
}

// requiredFields accepts []any (decoded JSON or YAML) and []string (built in Go).
func requiredFields(raw any) []string {
	switch r := raw.(type) {
	case []string:
		return r
	case []any:
		out := make([]string, 0, len(r))
		for _, item := range r {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func validateEnum(fieldName string, val any, schema map[string]any) error {
	var allowed []any
	switch e := schema["enum"].(type) {
	case []any:
		allowed = e
	case []string:
		for _, s := range e {
			allowed = append(allowed, s)
		}
	default:
		return nil
	}
	for _, a := range allowed {
		if reflect.DeepEqual(a, val) {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %v", fieldName, allowed)
}

func validateNumericConstraints(fieldName string, val any, schema map[string]any) error {
	n, ok := toFloat(val)
	if !ok {
		return nil
	}
	if min, ok := toFloat(schema["minimum"]); ok && n < min {
		return fmt.Errorf("%s below minimum %v", fieldName, min)
	}
	if max, ok := toFloat(schema["maximum"]); ok && n > max {
		return fmt.Errorf("%s above maximum %v", fieldName, max)
	}
	return nil
}

func toFloat(val any) (float64, bool) {
	switch n := val.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func checkType(val any, typ string) error {
	if val == nil {
		return fmt.Errorf("value cannot be nil")
	}

	kind := reflect.TypeOf(val).Kind()

	switch typ {
	case "string":
		if kind != reflect.String {
			return fmt.Errorf("must be string")
		}
	case "number":
		if _, ok := toFloat(val); !ok {
			return fmt.Errorf("must be number")
		}
	case "integer":
		n, ok := toFloat(val)
		if !ok || n != math.Trunc(n) {
			return fmt.Errorf("must be integer")
		}
	case "boolean":
		if kind != reflect.Bool {
			return fmt.Errorf("must be boolean")
		}
	case "object":
		if kind != reflect.Map {
			return fmt.Errorf("must be object")
		}
	case "array":
		if kind != reflect.Slice {
			return fmt.Errorf("must be array")
		}
	}
	return nil
}
