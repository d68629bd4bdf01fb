// Package config provides YAML configuration loading and validation for the
// capture node daemon and the fleet controller. Omitted keys fall back to
// defaults and a few values can be overridden from the environment.
package config
