package socketio

import (
	"fmt"
	"testing"
)

func TestConnectionLimiterLocalhostUnlimited(t *testing.T) {
	cl := NewConnectionLimiter(1)

	for i := 0; i < 10; i++ {
		if evicted := cl.TryAdd(fmt.Sprintf("local-%d", i), "127.0.0.1"); evicted != "" {
			t.Errorf("localhost connection %d evicted %q", i, evicted)
		}
	}

	if evicted := cl.TryAdd("ipv6-local", "::1"); evicted != "" {
		t.Errorf("IPv6 localhost evicted %q", evicted)
	}
}

func TestConnectionLimiterLocalUnaffectedByExternalCap(t *testing.T) {
	cl := NewConnectionLimiter(1)

	cl.TryAdd("ext-1", "192.168.1.100")

	if evicted := cl.TryAdd("local-1", "127.0.0.1"); evicted != "" {
		t.Errorf("local connection evicted %q with the external cap reached", evicted)
	}
}

func TestConnectionLimiterEvictsOldestExternal(t *testing.T) {
	cl := NewConnectionLimiter(1)

	cl.TryAdd("first", "10.0.0.1")
	if evicted := cl.TryAdd("second", "10.0.0.2"); evicted != "first" {
		t.Errorf("evicted = %q, want first", evicted)
	}
	if evicted := cl.TryAdd("third", "10.0.0.3"); evicted != "second" {
		t.Errorf("evicted = %q, want second", evicted)
	}
}

func TestConnectionLimiterRemoveFreesSlot(t *testing.T) {
	cl := NewConnectionLimiter(1)

	cl.TryAdd("ext-1", "192.168.1.100")
	cl.Remove("ext-1")

	if evicted := cl.TryAdd("ext-2", "192.168.1.101"); evicted != "" {
		t.Errorf("evicted %q after the slot was freed", evicted)
	}
}

func TestConnectionLimiterDuplicateAddIsIdempotent(t *testing.T) {
	cl := NewConnectionLimiter(1)

	cl.TryAdd("ext-1", "192.168.1.100")

	if evicted := cl.TryAdd("ext-1", "192.168.1.100"); evicted != "" {
		t.Errorf("duplicate add evicted %q", evicted)
	}

	// The duplicate must not have consumed a second external slot.
	if evicted := cl.TryAdd("ext-2", "192.168.1.101"); evicted != "ext-1" {
		t.Errorf("evicted = %q, want ext-1", evicted)
	}
}

func TestConnectionLimiterRemoveNonexistent(t *testing.T) {
	cl := NewConnectionLimiter(1)
	cl.Remove("nonexistent") // must not panic
}

func TestIsLocalIP(t *testing.T) {
	tests := []struct {
		ip       string
		expected bool
	}{
		{"127.0.0.1", true},
		{"::1", true},
		{"192.168.1.100", false},
		{"10.0.0.1", false},
		{"0.0.0.0", false},
	}

	for _, tc := range tests {
		if got := isLocalIP(tc.ip); got != tc.expected {
			t.Errorf("isLocalIP(%q) = %v, want %v", tc.ip, got, tc.expected)
		}
	}
}
