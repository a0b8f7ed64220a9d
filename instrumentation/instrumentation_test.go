package instrumentation

import (
	"context"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name: "default config",
			config: Config{
				Enabled: false,
			},
			wantErr: false,
		},
		{
			name: "with service name and version",
			config: Config{
				Enabled:        true,
				ServiceName:    "test-service",
				ServiceVersion: "1.0.0",
			},
			wantErr: false,
		},
		{
			name: "empty service name gets default",
			config: Config{
				Enabled:        true,
				ServiceName:    "",
				ServiceVersion: "",
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, err := New(tt.config)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if err != nil {
				return
			}

			if inst == nil {
				t.Fatal("New() returned nil instrumentation")
			}
			if inst.Meter("http") == nil {
				t.Error("Meter('http') returned nil")
			}
			if inst.Tracer("engine") == nil {
				t.Error("Tracer('engine') returned nil")
			}
			if inst.Metrics() == nil {
				t.Error("Metrics() returned nil")
			}
			if inst.TracerProvider() == nil {
				t.Error("TracerProvider() returned nil")
			}
			if inst.MeterProvider() == nil {
				t.Error("MeterProvider() returned nil")
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if err := inst.Shutdown(ctx); err != nil {
				t.Errorf("Shutdown() error = %v", err)
			}
			// Shutdown is idempotent
			if err := inst.Shutdown(ctx); err != nil {
				t.Errorf("Second Shutdown() error = %v", err)
			}
		})
	}
}

func TestInstrumentation_NoOpProviders(t *testing.T) {
	inst, err := New(Config{
		Enabled: false,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx := context.Background()

	// Recording on no-op providers must not panic
	inst.Metrics().RecordAuthorizationRequest(ctx, "test-client", "code")
	inst.Metrics().RecordGrantIssued(ctx, "test-client")
	inst.Metrics().RecordCodeExchange(ctx, "test-client")
	inst.Metrics().RecordTokenIssued(ctx, "test-client", "authorization_code", false)
	inst.Metrics().RecordTokenRefresh(ctx, "test-client")
	inst.Metrics().RecordTokenRevocation(ctx, "test-client")
	inst.Metrics().RecordBootstrapRequest(ctx, true, false)
	inst.Metrics().RecordClientCreated(ctx, false)
	inst.Metrics().RecordRateLimitExceeded(ctx, "client")
	inst.Metrics().RecordGrantReplayDetected(ctx, "test-client")
	inst.Metrics().RecordAuthFailure(ctx, "invalid_secret")
	inst.Metrics().RecordQuotaExceeded(ctx, "test-owner")
	inst.Metrics().RecordStorageOperation(ctx, "save_token", "success", 1.2)
	inst.Metrics().RecordHTTPRequest(ctx, "POST", "/oauth/token", 200, 3.4)
	inst.Metrics().RecordAuditEvent(ctx, "token_issued")
	inst.Metrics().RecordEncryptionOperation(ctx, "encrypt", 0.1)
}

func TestRegisterStorageSizeCallbacks(t *testing.T) {
	inst, err := New(Config{Enabled: true, ServiceName: "test"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	err = inst.RegisterStorageSizeCallbacks(
		func() int64 { return 1 },
		func() int64 { return 2 },
		func() int64 { return 3 },
	)
	if err != nil {
		t.Errorf("RegisterStorageSizeCallbacks() error = %v", err)
	}
}

func TestShouldLogClientIPs(t *testing.T) {
	inst, err := New(Config{Enabled: false, LogClientIPs: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if !inst.ShouldLogClientIPs() {
		t.Error("ShouldLogClientIPs() = false, want true")
	}

	inst, err = New(Config{Enabled: false})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if inst.ShouldLogClientIPs() {
		t.Error("ShouldLogClientIPs() = true, want false")
	}
}
