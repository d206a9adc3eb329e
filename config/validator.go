package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// validate is the global validator instance.
var validate *validator.Validate

func init() {
	validate = validator.New()

	// Register custom validators
	validate.RegisterValidation("env", validateEnvironment)
}

// ConfigError represents a validation error for a specific field.
type ConfigError struct {
	Field   string
	Message string
	Value   interface{}
}

func (e ConfigError) Error() string {
	return fmt.Sprintf("%s: %s (got %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of config errors.
type ValidationErrors []ConfigError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}

	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")
	for _, err := range e {
		sb.WriteString(fmt.Sprintf("  - %s\n", err.Error()))
	}
	return sb.String()
}

// ValidateWithDetails performs validation and returns detailed errors.
func ValidateWithDetails(cfg *Config) error {
	var details ValidationErrors
	if err := validate.Struct(cfg); err != nil {
		validationErrors, ok := err.(validator.ValidationErrors)
		if !ok {
			return err
		}
		for _, fe := range validationErrors {
			details = append(details, ConfigError{
				Field:   fe.Namespace(),
				Message: formatValidationError(fe),
				Value:   fe.Value(),
			})
		}
	}
	details = append(details, crossSectionErrors(cfg)...)
	if len(details) > 0 {
		return details
	}
	return nil
}

// crossSectionErrors checks rules that span more than one section.
func crossSectionErrors(cfg *Config) ValidationErrors {
	var errs ValidationErrors
	needsRedis := cfg.Lock.Type == "redis" || cfg.Events.Type == "redis"
	if needsRedis && strings.TrimSpace(cfg.Redis.Address) == "" {
		errs = append(errs, ConfigError{
			Field:   "Config.Redis.Address",
			Message: "required when lock or events use redis",
			Value:   cfg.Redis.Address,
		})
	}
	if cfg.Storage.Type == "badger" && strings.TrimSpace(cfg.Storage.Badger.Path) == "" {
		errs = append(errs, ConfigError{
			Field:   "Config.Storage.Badger.Path",
			Message: "required for the badger store",
			Value:   cfg.Storage.Badger.Path,
		})
	}
	if cfg.Storage.Type == "sqlite" && strings.TrimSpace(cfg.Storage.SQLite.Path) == "" {
		errs = append(errs, ConfigError{
			Field:   "Config.Storage.SQLite.Path",
			Message: "required for the sqlite store",
			Value:   cfg.Storage.SQLite.Path,
		})
	}
	if cfg.LLM.Provider == "openai" && cfg.LLM.APIKey == "" && cfg.LLM.BaseURL == "" {
		errs = append(errs, ConfigError{
			Field:   "Config.LLM.APIKey",
			Message: "api key or base url required for the openai provider",
		})
	}
	if cfg.Depth.ShallowMultiplier > cfg.Depth.MediumMultiplier || cfg.Depth.MediumMultiplier > cfg.Depth.DeepMultiplier {
		errs = append(errs, ConfigError{
			Field:   "Config.Depth",
			Message: "multipliers must not decrease from shallow to deep",
			Value:   []float64{cfg.Depth.ShallowMultiplier, cfg.Depth.MediumMultiplier, cfg.Depth.DeepMultiplier},
		})
	}
	return errs
}

// formatValidationError converts validator.FieldError to a human-readable message.
func formatValidationError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "this field is required"
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be less than or equal to %s", fe.Param())
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "gtfield":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "env":
		return "must be one of [development staging production]"
	default:
		return fmt.Sprintf("failed validation: %s", fe.Tag())
	}
}

// validateEnvironment is a custom validator for environment values.
func validateEnvironment(fl validator.FieldLevel) bool {
	env := fl.Field().String()
	validEnvs := []string{"development", "staging", "production"}
	for _, valid := range validEnvs {
		if env == valid {
			return true
		}
	}
	return false
}
