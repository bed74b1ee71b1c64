package utils

import (
	"testing"
	"time"
)

func TestPostgresPoolConfig_Defaults(t *testing.T) {
	got := PostgresPoolConfig{}.withDefaults()
	if got.MaxOpenConns != 16 || got.MaxIdleConns != 8 {
		t.Fatalf("pool sizes = %d/%d", got.MaxOpenConns, got.MaxIdleConns)
	}
	if got.ConnMaxLifetime != time.Hour || got.ConnMaxIdleTime != 10*time.Minute {
		t.Fatalf("lifetimes = %v/%v", got.ConnMaxLifetime, got.ConnMaxIdleTime)
	}
	if got.PingTimeout != 5*time.Second {
		t.Fatalf("ping timeout = %v", got.PingTimeout)
	}
}

func TestPostgresPoolConfig_ExplicitValuesKept(t *testing.T) {
	in := PostgresPoolConfig{
		MaxOpenConns:    2,
		MaxIdleConns:    1,
		ConnMaxLifetime: time.Minute,
		ConnMaxIdleTime: time.Minute,
		PingTimeout:     time.Second,
	}
	if got := in.withDefaults(); got != in {
		t.Fatalf("explicit config overridden: %+v", got)
	}
}
