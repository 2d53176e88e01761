package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate checks that all required fields are set and values are valid.
// Call it after defaults are applied.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fieldError(verrs[0])
		}
		return err
	}

	for i, asset := range c.Stream.Prices {
		if asset == "*" && len(c.Stream.Prices) > 1 {
			return errors.New(`stream.prices: "*" cannot be combined with explicit assets`)
		}
		if strings.TrimSpace(asset) == "" {
			return fmt.Errorf("stream.prices[%d] is empty", i)
		}
	}
	if c.Stream.Balance && c.Stream.Wallet == "" {
		return errors.New("stream.balance requires stream.wallet")
	}

	return nil
}

// fieldError renders a validator error with the YAML-style field path.
func fieldError(fe validator.FieldError) error {
	path := fe.Namespace()
	if i := strings.IndexByte(path, '.'); i >= 0 {
		path = path[i+1:]
	}
	path = strings.ToLower(path)

	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%s is required", path)
	case "oneof":
		return fmt.Errorf("%s must be one of [%s], got %q", path, fe.Param(), fmt.Sprint(fe.Value()))
	case "url":
		return fmt.Errorf("%s must be a valid url, got %q", path, fmt.Sprint(fe.Value()))
	default:
		return fmt.Errorf("%s failed %s=%s", path, fe.Tag(), fe.Param())
	}
}
