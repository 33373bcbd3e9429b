package redis

import (
	"testing"
	"time"
)

func TestNewSignerLock(t *testing.T) {
	tests := []struct {
		name       string
		cfg        Config
		wantErr    bool
		wantTTL    time.Duration
		wantPrefix string
	}{
		{
			name:       "applies defaults",
			cfg:        Config{Addr: "localhost:6379"},
			wantTTL:    10 * time.Minute,
			wantPrefix: "liquidator",
		},
		{
			name:       "keeps explicit values",
			cfg:        Config{Addr: "localhost:6379", TTL: time.Minute, KeyPrefix: "test"},
			wantTTL:    time.Minute,
			wantPrefix: "test",
		},
		{
			name:    "requires address",
			cfg:     Config{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lock, err := NewSignerLock(tt.cfg, nil)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			defer lock.Close()

			if lock.ttl != tt.wantTTL {
				t.Errorf("ttl = %v, want %v", lock.ttl, tt.wantTTL)
			}
			if lock.keyPrefix != tt.wantPrefix {
				t.Errorf("keyPrefix = %s, want %s", lock.keyPrefix, tt.wantPrefix)
			}
		})
	}
}

func TestSignerLock_Key(t *testing.T) {
	lock, err := NewSignerLock(Config{Addr: "localhost:6379", KeyPrefix: "p"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer lock.Close()

	if got := lock.key("liquidator:signer:1:0xabc"); got != "p:lock:liquidator:signer:1:0xabc" {
		t.Errorf("key = %s", got)
	}
}
