package validation

import (
	"fmt"
	"html"
	"reflect"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var identifierRegex = regexp.MustCompile(`^[A-Za-z0-9_\-:.]+$`)

// Timestamps accepted by the timestamp_range rule. Storage keys order by
// Unix nanoseconds, which only sort correctly inside this window.
var (
	MinTimestamp = time.Unix(0, 0).UTC()
	MaxTimestamp = time.Date(2200, 1, 1, 0, 0, 0, 0, time.UTC)
)

// Validator wraps validator/v10 with the custom rules used on ingestion
// records and a strict HTML policy for free text.
type Validator struct {
	validator *validator.Validate
	logger    *zap.Logger
	sanitizer *bluemonday.Policy
}

// NewValidator creates a new validator instance
func NewValidator(logger *zap.Logger) *Validator {
	v := validator.New()

	// Decimal amounts validate as numbers so gte/lte tags apply.
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})

	// Report json names rather than Go field names.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})

	_ = v.RegisterValidation("identifier", func(fl validator.FieldLevel) bool {
		return identifierRegex.MatchString(fl.Field().String())
	})

	_ = v.RegisterValidation("timestamp_range", func(fl validator.FieldLevel) bool {
		ts, ok := fl.Field().Interface().(time.Time)
		return ok && !ts.Before(MinTimestamp) && ts.Before(MaxTimestamp)
	})

	return &Validator{
		validator: v,
		logger:    logger,
		sanitizer: bluemonday.StrictPolicy(),
	}
}

// ValidationError represents a validation error with details
type ValidationError struct {
	Field   string `json:"field"`
	Tag     string `json:"tag"`
	Value   string `json:"value"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return "validation failed"
	}
	return fmt.Sprintf("validation failed: %s", ve[0].Message)
}

// ValidateStruct validates a struct using struct tags
func (v *Validator) ValidateStruct(s interface{}) error {
	err := v.validator.Struct(s)
	if err == nil {
		return nil
	}

	fieldErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}

	validationErrs := make(ValidationErrors, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		validationErrs = append(validationErrs, ValidationError{
			Field:   fe.Field(),
			Tag:     fe.Tag(),
			Value:   fmt.Sprintf("%v", fe.Value()),
			Message: getErrorMessage(fe),
		})
	}
	v.logger.Debug("struct validation failed", zap.Int("errors", len(validationErrs)))
	return validationErrs
}

// SanitizeText strips markup from investigator-supplied text and bounds its length.
func (v *Validator) SanitizeText(input string, maxLength int) string {
	if input == "" {
		return input
	}
	sanitized := v.sanitizer.Sanitize(input)
	sanitized = html.UnescapeString(sanitized)
	sanitized = strings.TrimSpace(sanitized)
	if maxLength > 0 && utf8.RuneCountInString(sanitized) > maxLength {
		sanitized = string([]rune(sanitized)[:maxLength])
	}
	return sanitized
}

func getErrorMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "gte":
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param())
	case "iso4217":
		return fmt.Sprintf("%s must be an ISO 4217 currency code", fe.Field())
	case "iso3166_1_alpha2":
		return fmt.Sprintf("%s must be an ISO 3166-1 alpha-2 country code", fe.Field())
	case "nefield":
		return fmt.Sprintf("%s must differ from %s", fe.Field(), fe.Param())
	case "identifier":
		return fmt.Sprintf("%s contains invalid characters", fe.Field())
	case "timestamp_range":
		return fmt.Sprintf("%s must fall between %d and %d", fe.Field(), MinTimestamp.Year(), MaxTimestamp.Year())
	default:
		return fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
	}
}
