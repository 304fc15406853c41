package config

import (
	"strings"
	"testing"
)

func validConfig() Config {
	return Config{
		OrchestratorRedisAddr: "localhost:6379",
		EntityEngineURL:       "ws://localhost:8080/api/entity-engine",
		BasePath:              "/api/test-manager",
		DisconnectGraceStr:    "1s",
		MaxJobDurationStr:     "30m",
		MetricsPort:           "9090",
		StatsSchedule:         "@every 10s",
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	if err := Validate(validConfig()); err != nil {
		t.Errorf("valid config should not return error, got: %v", err)
	}
}

func TestValidate_RequiredFields(t *testing.T) {
	cfg := validConfig()
	cfg.OrchestratorRedisAddr = ""
	cfg.EntityEngineURL = ""

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected error for missing fields")
	}
	for _, field := range []string{"ORCHESTRATOR_REDIS_ADDR", "ENTITY_ENGINE_URL"} {
		if !strings.Contains(err.Error(), field) {
			t.Errorf("error should mention %s: %q", field, err.Error())
		}
	}
}

func TestValidate_EntityEngineURL(t *testing.T) {
	for _, raw := range []string{"http://localhost:8080", "localhost:8080", "ws://", "::"} {
		t.Run(raw, func(t *testing.T) {
			cfg := validConfig()
			cfg.EntityEngineURL = raw
			if err := Validate(cfg); err == nil || !strings.Contains(err.Error(), "ENTITY_ENGINE_URL") {
				t.Errorf("error = %v, want ENTITY_ENGINE_URL error", err)
			}
		})
	}
}

func TestValidate_BasePath(t *testing.T) {
	for _, path := range []string{"api", "/api/", "/"} {
		t.Run(path, func(t *testing.T) {
			cfg := validConfig()
			cfg.BasePath = path
			if err := Validate(cfg); err == nil || !strings.Contains(err.Error(), "BASE_PATH") {
				t.Errorf("error = %v, want BASE_PATH error", err)
			}
		})
	}
}

func TestValidate_InvalidDurations(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		wantErr string
	}{
		{"non-parseable", "invalid", "invalid duration"},
		{"negative", "-1s", "must be positive"},
		{"zero", "0s", "must be positive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.DisconnectGraceStr = tt.value

			err := Validate(cfg)
			if err == nil {
				t.Fatalf("expected error for disconnect_grace=%q", tt.value)
			}
			if !strings.Contains(err.Error(), "DISCONNECT_GRACE") || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q should contain %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestValidate_MetricsPort(t *testing.T) {
	cfg := validConfig()
	cfg.MetricsEnabled = true
	cfg.MetricsPort = "99999"

	if err := Validate(cfg); err == nil || !strings.Contains(err.Error(), "METRICS_PORT") {
		t.Errorf("error = %v, want METRICS_PORT error", err)
	}

	// The port is only checked when metrics are enabled.
	cfg.MetricsEnabled = false
	if err := Validate(cfg); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidate_StatsSchedule(t *testing.T) {
	cfg := validConfig()
	cfg.StatsEnabled = true
	cfg.StatsSchedule = "every ten seconds"

	if err := Validate(cfg); err == nil || !strings.Contains(err.Error(), "STATS_SCHEDULE") {
		t.Errorf("error = %v, want STATS_SCHEDULE error", err)
	}
}

func TestValidate_LeaderIntervals(t *testing.T) {
	cfg := validConfig()
	cfg.StatsEnabled = true
	cfg.DatabaseURL = "postgres://localhost/testmanager"
	cfg.LeaderRetryIntervalStr = "soon"

	if err := Validate(cfg); err == nil || !strings.Contains(err.Error(), "LEADER_RETRY_INTERVAL") {
		t.Errorf("error = %v, want LEADER_RETRY_INTERVAL error", err)
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	cfg := validConfig()
	cfg.OrchestratorRedisAddr = ""
	cfg.MaxJobDurationStr = "invalid"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected errors")
	}

	errs, ok := err.(ValidationErrors)
	if !ok {
		t.Fatalf("expected ValidationErrors, got %T", err)
	}

	if len(errs) != 2 {
		t.Errorf("expected 2 validation errors, got %d: %v", len(errs), errs)
	}
}

func TestValidationErrors_Error(t *testing.T) {
	tests := []struct {
		name string
		errs ValidationErrors
		want []string
	}{
		{"empty", ValidationErrors{}, nil},
		{"single", ValidationErrors{{Field: "BASE_PATH", Message: "bad"}}, []string{"BASE_PATH: bad"}},
		{"several", ValidationErrors{
			{Field: "ORCHESTRATOR_REDIS_ADDR", Message: "required"},
			{Field: "METRICS_PORT", Message: "bad"},
		}, []string{"2 validation errors", "ORCHESTRATOR_REDIS_ADDR: required", "METRICS_PORT: bad"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.errs.Error()
			if len(tt.want) == 0 && got != "" {
				t.Errorf("Error() = %q, want empty", got)
			}
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Errorf("Error() = %q, missing %q", got, w)
				}
			}
		})
	}
}
