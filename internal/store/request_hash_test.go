package store

import (
	"strings"
	"testing"
)

func TestTransferRequestHash(t *testing.T) {
	base := transferRequestHash(10, "dest")
	if len(base) != 64 {
		t.Fatalf("expected hex sha256, got %q", base)
	}
	if got := transferRequestHash(10, "  dest "); got != base {
		t.Fatalf("destination whitespace must not change the hash")
	}
	if transferRequestHash(11, "dest") == base {
		t.Fatalf("amount must change the hash")
	}
	if transferRequestHash(10, "other") == base {
		t.Fatalf("destination must change the hash")
	}
}

func TestTruncateReason(t *testing.T) {
	long := strings.Repeat("x", 2500)
	if got := truncateReason(long); len(got) != 2000 {
		t.Fatalf("expected 2000 chars, got %d", len(got))
	}
	if got := truncateReason("short"); got != "short" {
		t.Fatalf("unexpected %q", got)
	}
}
