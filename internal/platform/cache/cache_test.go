package cache

import (
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestParseURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"valid-redis", "redis://localhost:6379", false},
		{"valid-with-db", "redis://localhost:6379/0", false},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseURL() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNew_UnreachableHost(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping unreachable host test in short mode")
	}

	ctx := t.Context()
	_, err := New(ctx, "redis://localhost:59999")
	if err == nil {
		t.Fatal("New() should return error for unreachable host")
	}
}

func TestClaim_UnreachableHost(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping unreachable host test in short mode")
	}

	c := &Cache{Client: redis.NewClient(&redis.Options{
		Addr:        "localhost:59999",
		DialTimeout: 500 * time.Millisecond,
		MaxRetries:  -1,
	})}
	defer c.Close()

	ctx := t.Context()
	if _, err := c.Claim(ctx, "TopicA/Sub1", "worker-1", time.Minute); err == nil {
		t.Error("Claim() should return error for unreachable host")
	}
	if _, _, err := c.GetID(ctx, "topic:TopicA"); err == nil {
		t.Error("GetID() should return error for unreachable host")
	}
}
