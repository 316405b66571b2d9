// Package validation runs go-playground/validator struct checks and turns
// failures into coded governance errors.
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	sserr "github.com/StricklySoft/stricklysoft-governance/pkg/errors"
)

var (
	once     sync.Once
	validate *validator.Validate
)

func instance() *validator.Validate {
	once.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		// Report fields by their JSON names, which is what callers and
		// config files use.
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "" || name == "-" {
				return f.Name
			}
			return name
		})
	})
	return validate
}

// Struct validates s against its `validate` tags. Failures are returned as
// a single [sserr.CodeValidation] error whose Details["fields"] lists the
// offending field paths.
func Struct(s any) error {
	err := instance().Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return sserr.Wrap(err, sserr.CodeValidation, "validation failed")
	}

	fields := make([]string, 0, len(verrs))
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Namespace())
		msgs = append(msgs, describe(fe))
	}
	return sserr.New(sserr.CodeValidation, strings.Join(msgs, "; ")).WithDetail("fields", fields)
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Namespace())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %v", fe.Namespace(), fe.Param(), fe.Value())
	case "gte", "gt", "lte", "lt", "ltefield", "min", "max":
		return fmt.Sprintf("%s fails %s=%s (value %v)", fe.Namespace(), fe.Tag(), fe.Param(), fe.Value())
	default:
		return fmt.Sprintf("%s fails rule %q", fe.Namespace(), fe.Tag())
	}
}
