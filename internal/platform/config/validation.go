package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

// newValidator reports fields by their koanf keys, so messages name the same
// path an operator sets in YAML or through APP_ variables.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("koanf"), ",")
		if name == "" {
			return fld.Name
		}

		return name
	})

	return v
}

// Validate checks every field rule and reports all violations at once.
func (c *Config) Validate() error {
	err := validate.Struct(c)

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}

	lines := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		lines = append(lines, describe(fe))
	}

	return fmt.Errorf("config validation failed:\n  %s", strings.Join(lines, "\n  "))
}

func describe(fe validator.FieldError) string {
	key := keyPath(fe.Namespace())

	switch fe.Tag() {
	case "required":
		return key + " is required"
	case "required_if":
		return fmt.Sprintf("%s is required when %s", key, fe.Param())
	case "min", "gte":
		return fmt.Sprintf("%s must be at least %s", key, fe.Param())
	case "max", "lte":
		return fmt.Sprintf("%s must be at most %s", key, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", key, fe.Param())
	case "url":
		return key + " must be a valid URL"
	case "nefield":
		return fmt.Sprintf("%s must differ from %s", key, sibling(fe))
	case "gtefield":
		return fmt.Sprintf("%s must be at least %s", key, sibling(fe))
	default:
		return fmt.Sprintf("%s failed validation: %s", key, fe.Tag())
	}
}

// keyPath drops the root struct name: "Config.sync.pull_limit" becomes
// "sync.pull_limit".
func keyPath(namespace string) string {
	_, rest, found := strings.Cut(namespace, ".")
	if !found {
		return namespace
	}

	return rest
}

// sibling resolves a cross-field parameter, which validator reports as a Go
// field name, to the koanf key next to the failing field.
func sibling(fe validator.FieldError) string {
	key := keyPath(fe.Namespace())
	parent := key[:strings.LastIndex(key, ".")+1]

	t := reflect.TypeFor[Config]()

	path := strings.Split(fe.StructNamespace(), ".")
	for _, name := range path[1 : len(path)-1] {
		f, ok := t.FieldByName(name)
		if !ok {
			return parent + strings.ToLower(fe.Param())
		}

		t = f.Type
	}

	if f, ok := t.FieldByName(fe.Param()); ok {
		if name, _, _ := strings.Cut(f.Tag.Get("koanf"), ","); name != "" {
			return parent + name
		}
	}

	return parent + strings.ToLower(fe.Param())
}
