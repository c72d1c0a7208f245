package server

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/mohammad-safakhou/fivediag/internal/diagnosis"
)

type requestValidator struct {
	v *validator.Validate
}

func newRequestValidator() *requestValidator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &requestValidator{v: v}
}

// requestValidationError carries per-field details and matches
// diagnosis.ErrValidation.
type requestValidationError struct {
	details []ErrorDetail
}

func (e requestValidationError) Error() string {
	parts := make([]string, len(e.details))
	for i, d := range e.details {
		parts[i] = d.Path + ": " + d.Info
	}
	return "invalid request: " + strings.Join(parts, "; ")
}

func (e requestValidationError) Is(target error) bool { return target == diagnosis.ErrValidation }

// Validate implements echo.Validator.
func (rv *requestValidator) Validate(i interface{}) error {
	err := rv.v.Struct(i)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return diagnosis.ValidationError{Field: "body", Reason: err.Error()}
	}
	out := requestValidationError{details: make([]ErrorDetail, 0, len(fieldErrs))}
	for _, fe := range fieldErrs {
		out.details = append(out.details, ErrorDetail{Path: fieldPath(fe), Info: message(fe)})
	}
	return out
}

func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must have at least %s entries", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "gte", "lte":
		return fmt.Sprintf("must be %s %s", fe.Tag(), fe.Param())
	default:
		return "failed " + fe.Tag()
	}
}
