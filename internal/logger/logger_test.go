package logger

import (
	"context"
	"testing"

	"go.uber.org/zap"
)

// TestNewDevelopment tests development logger creation
func TestNewDevelopment(t *testing.T) {
	logger, err := NewDevelopment()
	if err != nil {
		t.Fatalf("NewDevelopment() error = %v", err)
	}
	if logger == nil {
		t.Fatal("NewDevelopment() returned nil logger")
	}
	logger.Info("test message")
}

// TestNewProduction tests production logger creation
func TestNewProduction(t *testing.T) {
	logger, err := NewProduction()
	if err != nil {
		t.Fatalf("NewProduction() error = %v", err)
	}
	if logger == nil {
		t.Fatal("NewProduction() returned nil logger")
	}
	logger.Info("test message")
}

// TestNewWithConfig tests logger creation with custom config
func TestNewWithConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *Config
		wantErr bool
	}{
		{
			name: "defaults applied",
			cfg:  &Config{},
		},
		{
			name: "explicit level and encoding",
			cfg:  &Config{Level: "debug", Encoding: "console"},
		},
		{
			name:    "invalid level",
			cfg:     &Config{Level: "loud"},
			wantErr: true,
		},
		{
			name:    "nil config",
			cfg:     nil,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewWithConfig(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewWithConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && logger == nil {
				t.Fatal("NewWithConfig() returned nil logger")
			}
		})
	}
}

// TestFromLogConfig tests building a logger from a level/format pair
func TestFromLogConfig(t *testing.T) {
	logger, err := FromLogConfig("info", "json")
	if err != nil {
		t.Fatalf("FromLogConfig() error = %v", err)
	}
	if logger == nil {
		t.Fatal("FromLogConfig() returned nil logger")
	}

	logger, err = FromLogConfig("debug", "console")
	if err != nil {
		t.Fatalf("FromLogConfig() console error = %v", err)
	}
	if logger == nil {
		t.Fatal("FromLogConfig() returned nil logger for console format")
	}

	if _, err := FromLogConfig("shout", "json"); err == nil {
		t.Error("FromLogConfig() expected error for invalid level")
	}
}

// TestContextLogger tests context embedding and retrieval
func TestContextLogger(t *testing.T) {
	logger := zap.NewNop()
	ctx := WithLogger(context.Background(), logger)

	if got := FromContext(ctx); got != logger {
		t.Error("FromContext() did not return the embedded logger")
	}

	// Missing or nil contexts fall back to a no-op logger
	if got := FromContext(context.Background()); got == nil {
		t.Error("FromContext() returned nil for empty context")
	}
	if got := FromContext(nil); got == nil { //nolint:staticcheck
		t.Error("FromContext() returned nil for nil context")
	}
}
