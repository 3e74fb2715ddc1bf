package database

import (
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig()

	if c.Host != "localhost" {
		t.Errorf("Host = %q, want localhost", c.Host)
	}
	if c.Port != 5432 {
		t.Errorf("Port = %d, want 5432", c.Port)
	}
	if c.MaxOpenConns != 25 {
		t.Errorf("MaxOpenConns = %d, want 25", c.MaxOpenConns)
	}
	if c.MaxIdleConns != 5 {
		t.Errorf("MaxIdleConns = %d, want 5", c.MaxIdleConns)
	}
	if c.ConnMaxLifetime != 5*time.Minute {
		t.Errorf("ConnMaxLifetime = %v, want 5m", c.ConnMaxLifetime)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"empty host", func(c *Config) { c.Host = "" }, "database host is required"},
		{"zero port", func(c *Config) { c.Port = 0 }, "database port must be between 1 and 65535"},
		{"port too high", func(c *Config) { c.Port = 70000 }, "database port must be between 1 and 65535"},
		{"empty user", func(c *Config) { c.User = "" }, "database user is required"},
		{"empty database", func(c *Config) { c.Database = "" }, "database name is required"},
		{"zero max open", func(c *Config) { c.MaxOpenConns = 0 }, "max open connections must be greater than 0"},
		{"negative max idle", func(c *Config) { c.MaxIdleConns = -1 }, "max idle connections must be non-negative"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_ConnectionString(t *testing.T) {
	c := &Config{Host: "localhost", Port: 5432, User: "testuser", Database: "testdb", SSLMode: "disable"}

	if got := c.ConnectionString(); got != "host=localhost port=5432 user=testuser dbname=testdb sslmode=disable" {
		t.Errorf("ConnectionString() = %q", got)
	}

	c.Password = "testpass"
	want := "host=localhost port=5432 user=testuser dbname=testdb sslmode=disable password=testpass"
	if got := c.ConnectionString(); got != want {
		t.Errorf("ConnectionString() = %q, want %q", got, want)
	}
}

func TestConnect_InvalidConfig(t *testing.T) {
	logger := zap.NewNop()
	c := &Config{Host: "", Port: 5432, User: "testuser"}

	_, err := Connect(c, logger)
	if err == nil || !strings.Contains(err.Error(), "invalid database configuration") {
		t.Errorf("Connect() error = %v, want invalid database configuration", err)
	}
}

