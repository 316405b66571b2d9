package alert

import (
	"time"

	"github.com/StricklySoft/stricklysoft-governance/internal/validation"
	"github.com/StricklySoft/stricklysoft-governance/pkg/config"
	sserr "github.com/StricklySoft/stricklysoft-governance/pkg/errors"
)

// Validate checks that c has an id and a name, at least one well-formed
// condition, and only known channels.
func (c *Config) Validate() error {
	if err := validation.Struct(c); err != nil {
		return err
	}
	if c.Conditions.Empty() {
		return sserr.Validationf("alert: config %q defines no conditions", c.ID).
			WithDetail("config_id", c.ID)
	}
	return nil
}

// Cooldown returns the rule's cooldown, falling back to fallback when the
// rule does not set one.
func (c *Config) Cooldown(fallback time.Duration) time.Duration {
	if c.CooldownMinutes > 0 {
		return time.Duration(c.CooldownMinutes) * time.Minute
	}
	if fallback > 0 {
		return fallback
	}
	return DefaultCooldown
}

// LoadConfigs reads a list of rules from a YAML or JSON file and validates
// each one.
func LoadConfigs(path string) ([]Config, error) {
	var cfgs []Config
	if err := config.LoadFile(path, &cfgs); err != nil {
		return nil, err
	}
	for i := range cfgs {
		if err := cfgs[i].Validate(); err != nil {
			return nil, sserr.Wrapf(err, sserr.CodeValidation, "alert: invalid rule %d in %q", i, path)
		}
	}
	return cfgs, nil
}
