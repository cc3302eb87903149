package utils

import (
	"errors"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// GetValidator returns the shared validator; field names in errors are the json tag names.
func GetValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			if name == "" {
				return fld.Name
			}
			return name
		})
	})
	return validate
}

// ValidateInput runs struct validation and converts the first failure into a *ValidationError.
func ValidateInput(input any) error {
	err := GetValidator().Struct(input)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return err
	}
	fe := fieldErrs[0]
	switch fe.Tag() {
	case "required":
		return NewValidationError(fe.Field(), "is required")
	case "oneof":
		return NewValidationError(fe.Field(), "must be one of: "+fe.Param())
	case "max":
		return NewValidationError(fe.Field(), "must be at most "+fe.Param()+" characters")
	default:
		return NewValidationError(fe.Field(), "failed "+fe.Tag()+" check")
	}
}

// UniqueSlice returns the distinct values of s in first-seen order.
func UniqueSlice[T comparable](s []T) []T {
	seen := make(map[T]struct{}, len(s))
	out := make([]T, 0, len(s))
	for _, v := range s {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
