package app

import (
	"context"
	"testing"
	"time"
)

func TestParseWindowResult(t *testing.T) {
	tests := []struct {
		name           string
		raw            interface{}
		wantCount      int
		wantRetryAfter int
		wantErr        bool
	}{
		{name: "first hit", raw: []interface{}{int64(1), int64(60000)}, wantCount: 1, wantRetryAfter: 60},
		{name: "rounds retry up", raw: []interface{}{int64(5), int64(1500)}, wantCount: 5, wantRetryAfter: 2},
		{name: "minimum one second", raw: []interface{}{int64(2), int64(0)}, wantCount: 2, wantRetryAfter: 1},
		{name: "missing ttl uses window", raw: []interface{}{int64(2), int64(-1)}, wantCount: 2, wantRetryAfter: 60},
		{name: "wrong shape", raw: "OK", wantErr: true},
		{name: "wrong count type", raw: []interface{}{"1", int64(10)}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			count, retryAfter, err := parseWindowResult(tt.raw, 60000)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if count != tt.wantCount || retryAfter != tt.wantRetryAfter {
				t.Fatalf("got count=%d retryAfter=%d, want %d/%d", count, retryAfter, tt.wantCount, tt.wantRetryAfter)
			}
		})
	}
}

func TestRedisRateLimiterWithoutClientIsNoop(t *testing.T) {
	limiter := NewRedisRateLimiter(nil, "")
	count, retryAfter, err := limiter.ConsumeRateLimit(context.Background(), "scope", "subject", 5, time.Minute)
	if err != nil || count != 0 || retryAfter != 0 {
		t.Fatalf("expected no-op, got count=%d retryAfter=%d err=%v", count, retryAfter, err)
	}
	if got := limiter.key("a", "b"); got != "transfa:custody:rate_limit:a:b" {
		t.Fatalf("unexpected key %q", got)
	}
	if got := NewRedisRateLimiter(nil, "custom:").key("a", "b"); got != "custom:a:b" {
		t.Fatalf("unexpected key %q", got)
	}
}
