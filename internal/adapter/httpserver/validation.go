package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/faultline-labs/faultline/internal/domain"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// FieldError names one failed validation rule for the error envelope.
type FieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
}

type validationError struct {
	fields []FieldError
}

func (e *validationError) Error() string {
	names := make([]string, 0, len(e.fields))
	for _, f := range e.fields {
		names = append(names, f.Field)
	}
	return "validation failed: " + strings.Join(names, ", ")
}

func (e *validationError) Unwrap() error { return domain.ErrInvalidArgument }

// DecodeAndValidate decodes a JSON body into v and validates its struct
// tags. Failures unwrap to domain.ErrInvalidArgument so they map to 400.
func DecodeAndValidate(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid json body: %w", domain.ErrInvalidArgument)
	}
	return ValidateStruct(v)
}

// ValidateStruct validates struct tags on an already-decoded value.
func ValidateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validation: %w", domain.ErrInvalidArgument)
	}
	fields := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, FieldError{Field: strings.ToLower(fe.Field()), Rule: fe.Tag()})
	}
	return &validationError{fields: fields}
}

// ErrorDetails extracts the per-field details from a validation error, or
// nil for any other error.
func ErrorDetails(err error) any {
	var ve *validationError
	if errors.As(err, &ve) {
		return map[string]any{"fields": ve.fields}
	}
	return nil
}
