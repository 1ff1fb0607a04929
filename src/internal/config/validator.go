package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// maxSetNameLength is the longest ipset name the kernel accepts.
const maxSetNameLength = 31

// longestFamily is the longest group suffix fwsync appends to the rule prefix.
const longestFamily = "6RangeBlock_"

// ValidateConfig validates the entire configuration and returns all validation errors
func (c *Config) ValidateConfig() error {
	var validationErrors ValidationErrors

	sections := []struct {
		name  string
		value any
	}{
		{"general", &c.General},
		{"ipset", &c.IPSet},
		{"chunked", &c.Chunked},
		{"api", &c.API},
	}
	for _, s := range sections {
		if err := validate.Struct(s.value); err != nil {
			validationErrors = append(validationErrors, convertValidatorErrors(err, s.name)...)
		}
	}

	if c.General.LegacyRulePrefix != "" && c.General.LegacyRulePrefix == c.General.RulePrefix {
		validationErrors = append(validationErrors, ValidationError{
			FieldPath: "general.legacy_rule_prefix",
			Message:   "must differ from rule_prefix",
		})
	}

	if c.General.Backend == BackendIPSet {
		// Room for the longest group name plus a one-digit offset.
		limit := maxSetNameLength - len(longestFamily) - 1
		if len(c.General.RulePrefix) > limit {
			validationErrors = append(validationErrors, ValidationError{
				FieldPath: "general.rule_prefix",
				Message:   fmt.Sprintf("must be at most %d characters with the ipset backend", limit),
			})
		}
	}

	if len(validationErrors) > 0 {
		return validationErrors
	}
	return nil
}

// convertValidatorErrors converts go-playground/validator errors to our ValidationError format
func convertValidatorErrors(err error, fieldPrefix string) ValidationErrors {
	var validationErrors ValidationErrors

	var validatorErrs validator.ValidationErrors
	if errors.As(err, &validatorErrs) {
		for _, e := range validatorErrs {
			fieldPath := fieldPrefix
			if e.Field() != "" {
				fieldPath = fieldPrefix + "." + e.Field()
			}
			validationErrors = append(validationErrors, ValidationError{
				FieldPath: fieldPath,
				Message:   getValidationMessage(e),
			})
		}
	}

	return validationErrors
}
