package validator

import (
	"fmt"
	"strings"

	"github.com/septivank/iot-telemetry-bridge/internal/db"
)

// ValidationResult holds validation outcome
type ValidationResult struct {
	IsValid bool
	Reason  string
}

func invalid(format string, args ...any) ValidationResult {
	return ValidationResult{IsValid: false, Reason: fmt.Sprintf(format, args...)}
}

// Validator checks device bindings before a broker session is opened
type Validator struct {
	allowWildcards bool
}

// NewValidator creates a validator. With allowWildcards false, topic
// filters containing + or # are rejected.
func NewValidator(allowWildcards bool) *Validator {
	return &Validator{allowWildcards: allowWildcards}
}

// ValidateDeviceConfig reports whether cfg is complete enough to bridge
func (v *Validator) ValidateDeviceConfig(cfg db.DeviceConnectionConfig) ValidationResult {
	if strings.TrimSpace(cfg.DeviceID) == "" {
		return invalid("empty device id")
	}

	if strings.TrimSpace(cfg.Broker) == "" {
		return invalid("missing mqtt broker")
	}

	if cfg.Port < 0 || cfg.Port > 65535 {
		return invalid("invalid mqtt port %d", cfg.Port)
	}

	if cfg.Topic == "" {
		return invalid("missing mqtt topic")
	}

	if err := v.validateTopicFilter(cfg.Topic); err != nil {
		return invalid("invalid mqtt topic %q: %v", cfg.Topic, err)
	}

	if cfg.Password != "" && cfg.Username == "" {
		return invalid("password given without username")
	}

	return ValidationResult{IsValid: true}
}

// validateTopicFilter applies the MQTT topic filter rules: '#' only as the
// whole last level, '+' only as a whole level, no NUL characters.
func (v *Validator) validateTopicFilter(topic string) error {
	if strings.ContainsRune(topic, 0) {
		return fmt.Errorf("contains NUL character")
	}

	levels := strings.Split(topic, "/")
	for i, level := range levels {
		hasWildcard := strings.ContainsAny(level, "+#")
		if !hasWildcard {
			continue
		}
		if !v.allowWildcards {
			return fmt.Errorf("wildcards are not allowed")
		}
		switch {
		case level == "+":
		case level == "#" && i == len(levels)-1:
		default:
			return fmt.Errorf("wildcard must occupy a whole level, '#' only last")
		}
	}
	return nil
}
