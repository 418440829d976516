package validator

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/eddielth/shellyd/config"
)

// Validator checks a decoded reading
type Validator interface {
	// Validate returns an error when data is not plausible
	Validate(data interface{}) error
}

// RangeError reports a value outside its configured bounds
type RangeError struct {
	Field string
	Value float64
	Min   float64
	Max   float64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("field %s value %g outside range [%g, %g]", e.Field, e.Value, e.Min, e.Max)
}

// RangeValidator bounds one numeric field. Field matches either the Go
// field name or its json tag.
type RangeValidator struct {
	Field string
	Min   float64
	Max   float64
}

// Validate checks that the field of data lies in [Min, Max]
func (rv *RangeValidator) Validate(data interface{}) error {
	v := reflect.ValueOf(data)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}

	if v.Kind() != reflect.Struct {
		return fmt.Errorf("data must be a struct, got %s", v.Kind())
	}

	field, ok := lookup(v, rv.Field)
	if !ok {
		return fmt.Errorf("field %s does not exist", rv.Field)
	}

	var value float64
	switch field.Kind() {
	case reflect.Float32, reflect.Float64:
		value = field.Float()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		value = float64(field.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		value = float64(field.Uint())
	default:
		return fmt.Errorf("field %s is not numeric", rv.Field)
	}

	if value < rv.Min || value > rv.Max {
		return &RangeError{Field: rv.Field, Value: value, Min: rv.Min, Max: rv.Max}
	}

	return nil
}

func lookup(v reflect.Value, name string) (reflect.Value, bool) {
	if f := v.FieldByName(name); f.IsValid() {
		return f, true
	}
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		tag, _, _ := strings.Cut(t.Field(i).Tag.Get("json"), ",")
		if tag != "" && tag != "-" && tag == name {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

// Set is an ordered list of validators applied together
type Set []Validator

// FromRules builds range validators from configuration
func FromRules(rules []config.RangeRule) (Set, error) {
	set := make(Set, 0, len(rules))
	for _, rule := range rules {
		if rule.Field == "" {
			return nil, fmt.Errorf("validation rule without field")
		}
		if rule.Min > rule.Max {
			return nil, fmt.Errorf("validation rule for %s: min %g above max %g", rule.Field, rule.Min, rule.Max)
		}
		set = append(set, &RangeValidator{Field: rule.Field, Min: rule.Min, Max: rule.Max})
	}
	return set, nil
}

// Validate runs every validator and returns the first failure
func (s Set) Validate(data interface{}) error {
	for _, v := range s {
		if err := v.Validate(data); err != nil {
			return err
		}
	}
	return nil
}
