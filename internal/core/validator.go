package core

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"reviewdesk/internal/types"
)

// ValidationError describes one failed field rule.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Validator wraps go-playground/validator and maps failures to AppErrors
// using the JSON field names of the request DTOs.
type Validator struct {
	validate *validator.Validate
	logger   *slog.Logger
}

// NewValidator creates a Validator.
func NewValidator(logger *slog.Logger) *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return fld.Name
		}
		return name
	})
	return &Validator{validate: v, logger: logger}
}

// ValidateStruct validates req. On failure it returns an AppError whose code
// is that of the first failed field and whose details list every failure
// under "validation_errors".
func (v *Validator) ValidateStruct(req any) error {
	err := v.validate.Struct(req)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		v.logger.Error("validator misuse", "error", err)
		return types.NewAppError(types.ErrCodeInternalUnexpected, "request validation failed", err)
	}

	errs := make([]ValidationError, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		errs = append(errs, toValidationError(fe))
	}

	return types.NewAppErrorWithDetails(
		types.ErrorCode(errs[0].Code),
		errs[0].Message,
		err,
		map[string]any{"validation_errors": errs},
	)
}

func toValidationError(fe validator.FieldError) ValidationError {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return ValidationError{
			Field:   field,
			Code:    string(types.ErrCodeValidationMissingField),
			Message: fmt.Sprintf("%s is required", field),
		}
	case "email":
		return ValidationError{
			Field:   field,
			Code:    string(types.ErrCodeValidationInvalidEmail),
			Message: fmt.Sprintf("%s must be a valid email address", field),
		}
	case "max", "lte":
		return ValidationError{
			Field:   field,
			Code:    string(types.ErrCodeValidationInvalidInput),
			Message: fmt.Sprintf("%s must be at most %s", field, fe.Param()),
		}
	case "min", "gte":
		return ValidationError{
			Field:   field,
			Code:    string(types.ErrCodeValidationInvalidInput),
			Message: fmt.Sprintf("%s must be at least %s", field, fe.Param()),
		}
	default:
		return ValidationError{
			Field:   field,
			Code:    string(types.ErrCodeValidationInvalidInput),
			Message: fmt.Sprintf("%s failed the %q rule", field, fe.Tag()),
		}
	}
}
