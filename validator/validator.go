package validator

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"
)

// Validator checks one aspect of a settings struct
type Validator interface {
	// Validate validates the data
	Validate(data interface{}) error
}

// RangeValidator checks that a numeric field lies in [Min, Max]
type RangeValidator struct {
	Field string
	Min   float64
	Max   float64
}

// Validate checks that the field is within the range
func (rv *RangeValidator) Validate(data interface{}) error {
	field, err := lookup(data, rv.Field)
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
		return fmt.Errorf("field %s value %g is not in range [%g, %g]", rv.Field, value, rv.Min, rv.Max)
	}

	return nil
}

// DurationRangeValidator checks a time.Duration field. A zero Max means no
// upper bound; AllowZero accepts 0 as "off".
type DurationRangeValidator struct {
	Field     string
	Min       time.Duration
	Max       time.Duration
	AllowZero bool
}

// Validate checks that the duration is within the range
func (dv *DurationRangeValidator) Validate(data interface{}) error {
	field, err := lookup(data, dv.Field)
	if err != nil {
		return err
	}
	if field.Type() != reflect.TypeOf(time.Duration(0)) {
		return fmt.Errorf("field %s is not a duration", dv.Field)
	}

	d := time.Duration(field.Int())
	if d == 0 && dv.AllowZero {
		return nil
	}
	if d < dv.Min || (dv.Max > 0 && d > dv.Max) {
		if dv.Max > 0 {
			return fmt.Errorf("field %s value %v is not in range [%v, %v]", dv.Field, d, dv.Min, dv.Max)
		}
		return fmt.Errorf("field %s value %v is below %v", dv.Field, d, dv.Min)
	}
	return nil
}

// OneOfValidator checks that a string field holds one of the allowed values
type OneOfValidator struct {
	Field   string
	Allowed []string
}

// Validate checks the field against the allowed values
func (ov *OneOfValidator) Validate(data interface{}) error {
	field, err := lookup(data, ov.Field)
	if err != nil {
		return err
	}
	if field.Kind() != reflect.String {
		return fmt.Errorf("field %s is not a string", ov.Field)
	}

	for _, allowed := range ov.Allowed {
		if field.String() == allowed {
			return nil
		}
	}
	return fmt.Errorf("field %s value %q is not one of [%s]", ov.Field, field.String(), strings.Join(ov.Allowed, ", "))
}

// All runs every validator and joins the failures
func All(data interface{}, validators ...Validator) error {
	var errs []error
	for _, v := range validators {
		if err := v.Validate(data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func lookup(data interface{}, name string) (reflect.Value, error) {
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
