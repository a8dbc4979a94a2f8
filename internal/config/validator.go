package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

var durationKeys = []string{
	"token_ttl",
	"health.interval",
	"health.timeout",
	"job_timeout",
	"scenario_timeout",
}

// ValidateConfig validates configuration values and returns an error if any are invalid.
// This function should be called after viper has loaded the configuration.
func ValidateConfig() error {
	var errors []string

	for _, key := range durationKeys {
		if !viper.IsSet(key) {
			continue
		}
		if d := getDuration(key); d <= 0 {
			errors = append(errors, fmt.Sprintf("%s must be positive, got: %v", key, d))
		}
	}

	if viper.IsSet("health.interval") && viper.IsSet("health.timeout") {
		if getDuration("health.interval") > getDuration("health.timeout") {
			errors = append(errors, "health.interval must not exceed health.timeout")
		}
	}

	if strings.TrimSpace(viper.GetString("realm")) == "" {
		errors = append(errors, "realm must not be empty")
	}
	if strings.TrimSpace(viper.GetString("domain")) == "" {
		errors = append(errors, "domain must not be empty")
	}

	if viper.IsSet("parallelism") {
		if p := viper.GetInt("parallelism"); p <= 0 {
			errors = append(errors, fmt.Sprintf("parallelism must be positive, got: %d", p))
		}
	}

	if viper.IsSet("iterations") {
		if n := viper.GetInt("iterations"); n < 0 {
			errors = append(errors, fmt.Sprintf("iterations must not be negative, got: %d", n))
		}
	}

	// 0 disables the metrics server.
	if viper.IsSet("metrics_port") {
		port := viper.GetInt("metrics_port")
		if port < 0 || port > 65535 {
			errors = append(errors, fmt.Sprintf("metrics_port must be between 1 and 65535, got: %d", port))
		}
	}

	switch mode := viper.GetString("health.mode"); mode {
	case "", "http", "k8s", "both":
	default:
		errors = append(errors, fmt.Sprintf("health.mode must be one of http, k8s, both, got: %q", mode))
	}

	switch executor := viper.GetString("executor"); executor {
	case "", "local":
	case "docker":
		if viper.GetString("docker.image") == "" {
			errors = append(errors, "docker.image is required when executor is docker")
		}
	default:
		errors = append(errors, fmt.Sprintf("executor must be local or docker, got: %q", executor))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n  %s", strings.Join(errors, "\n  "))
	}
	return nil
}
