package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/apiteam/test-manager/internal/cron"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	var errs ValidationErrors

	if cfg.fileErr != nil {
		errs = append(errs, ValidationError{Field: FileEnv, Message: cfg.fileErr.Error()})
	}

	if cfg.OrchestratorRedisAddr == "" {
		errs = append(errs, ValidationError{Field: "ORCHESTRATOR_REDIS_ADDR", Message: "required"})
	}

	if cfg.EntityEngineURL == "" {
		errs = append(errs, ValidationError{Field: "ENTITY_ENGINE_URL", Message: "required"})
	} else if u, err := url.Parse(cfg.EntityEngineURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		errs = append(errs, ValidationError{
			Field:   "ENTITY_ENGINE_URL",
			Message: fmt.Sprintf("must be a ws:// or wss:// URL, got %q", cfg.EntityEngineURL),
		})
	}

	if cfg.BasePath != "" && (!strings.HasPrefix(cfg.BasePath, "/") || strings.HasSuffix(cfg.BasePath, "/")) {
		errs = append(errs, ValidationError{
			Field:   "BASE_PATH",
			Message: fmt.Sprintf("must start with '/' and have no trailing '/', got %q", cfg.BasePath),
		})
	}

	errs = checkDuration(errs, "DISCONNECT_GRACE", cfg.DisconnectGraceStr)
	errs = checkDuration(errs, "MAX_JOB_DURATION", cfg.MaxJobDurationStr)
	errs = checkDuration(errs, "HTTP_SHUTDOWN_TIMEOUT", cfg.HTTPShutdownTimeoutStr)

	if cfg.MetricsEnabled {
		if n, err := parseInt(cfg.MetricsPort); err != nil || n == 0 || n > 65535 {
			errs = append(errs, ValidationError{
				Field:   "METRICS_PORT",
				Message: fmt.Sprintf("must be a port number, got %q", cfg.MetricsPort),
			})
		}
	}

	if cfg.StatsEnabled {
		if _, err := cron.Parse(cfg.StatsSchedule); err != nil {
			errs = append(errs, ValidationError{
				Field:   "STATS_SCHEDULE",
				Message: err.Error(),
			})
		}
		if cfg.DatabaseURL != "" {
			errs = checkDuration(errs, "LEADER_RETRY_INTERVAL", cfg.LeaderRetryIntervalStr)
			errs = checkDuration(errs, "LEADER_HEARTBEAT_INTERVAL", cfg.LeaderHeartbeatIntervalStr)
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// checkDuration appends an error unless s is empty or a positive duration.
func checkDuration(errs ValidationErrors, field, s string) ValidationErrors {
	if s == "" {
		return errs
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return append(errs, ValidationError{
			Field:   field,
			Message: fmt.Sprintf("invalid duration: %v", err),
		})
	}
	if d <= 0 {
		return append(errs, ValidationError{
			Field:   field,
			Message: "must be positive",
		})
	}
	return errs
}
