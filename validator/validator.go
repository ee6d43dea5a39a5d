package validator

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
)

// Validator is a data validator
type Validator interface {
	// Validate validates data
	Validate(data interface{}) error
}

// RangeValidator checks that a numeric field lies in [Min, Max]
type RangeValidator struct {
	Field string
	Min   float64
	Max   float64
}

// Validate checks the field is within range
func (rv *RangeValidator) Validate(data interface{}) error {
	field, err := fieldOf(data, rv.Field)
	if err != nil {
		return err
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
		return fmt.Errorf("field %s value %g is outside [%g, %g]", rv.Field, value, rv.Min, rv.Max)
	}

	return nil
}

// RequiredValidator checks that a field is set: non-blank strings, non-nil
// pointers, non-empty slices.
type RequiredValidator struct {
	Field string
	// Name is the wire name reported in the error; defaults to Field.
	Name string
}

// Validate checks the field is present
func (rv *RequiredValidator) Validate(data interface{}) error {
	field, err := fieldOf(data, rv.Field)
	if err != nil {
		return err
	}

	missing := false
	switch field.Kind() {
	case reflect.String:
		missing = strings.TrimSpace(field.String()) == ""
	case reflect.Ptr, reflect.Interface, reflect.Map:
		missing = field.IsNil()
	case reflect.Slice:
		missing = field.Len() == 0
	}

	if missing {
		name := rv.Name
		if name == "" {
			name = rv.Field
		}
		return fmt.Errorf("%s required", name)
	}
	return nil
}

// OneOfValidator checks that a string field holds one of Values
type OneOfValidator struct {
	Field  string
	Values []string
}

// Validate checks the field value is allowed
func (ov *OneOfValidator) Validate(data interface{}) error {
	field, err := fieldOf(data, ov.Field)
	if err != nil {
		return err
	}
	if field.Kind() != reflect.String {
		return fmt.Errorf("field %s is not a string", ov.Field)
	}
	for _, v := range ov.Values {
		if field.String() == v {
			return nil
		}
	}
	return fmt.Errorf("field %s must be one of %s, got %q", ov.Field, strings.Join(ov.Values, "|"), field.String())
}

// ValidateAll runs every validator and joins the failures
func ValidateAll(data interface{}, validators ...Validator) error {
	var errs []error
	for _, v := range validators {
		if err := v.Validate(data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func fieldOf(data interface{}, name string) (reflect.Value, error) {
	v := reflect.ValueOf(data)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}

	if v.Kind() != reflect.Struct {
		return reflect.Value{}, fmt.Errorf("data must be a struct")
	}

	field := v.FieldByName(name)
	if !field.IsValid() {
		return reflect.Value{}, fmt.Errorf("field %s does not exist", name)
	}
	return field, nil
}
