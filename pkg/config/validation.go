package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate checks a loaded configuration against its struct tags
// (`validate:"..."`) using go-playground/validator.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			return formatValidationErrors(verrs)
		}
		return err
	}

	seen := make(map[uint64]bool, len(cfg.Backend.LUNs))
	for _, lun := range cfg.Backend.LUNs {
		if seen[lun.ID] {
			return fmt.Errorf("duplicate LUN id %d in backend.luns", lun.ID)
		}
		seen[lun.ID] = true
	}

	return nil
}

// formatValidationErrors renders validator.ValidationErrors as a single
// multi-line, field-addressed error.
func formatValidationErrors(errs validator.ValidationErrors) error {
	msg := "invalid configuration:"
	for _, fe := range errs {
		msg += fmt.Sprintf("\n  - %s: failed %q validation (value: %v)", fe.Namespace(), fe.Tag(), fe.Value())
	}
	return fmt.Errorf("%s", msg)
}
