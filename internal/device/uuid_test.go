package device

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeUUID(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"short form", "FFE1", "ffe1"},
		{"0x prefix", "0xFFE1", "ffe1"},
		{"SIG base shortened", "0000ffe1-0000-1000-8000-00805f9b34fb", "ffe1"},
		{"SIG base uppercase", "0000FFE1-0000-1000-8000-00805F9B34FB", "ffe1"},
		{"vendor UUID kept whole", "00000012-0200-A58E-E411-AFE28044E62C", "000000120200a58ee411afe28044e62c"},
		{"UART UUID kept whole", "6e400003-b5a3-f393-e0a9-e50e24dcca9e", "6e400003b5a3f393e0a9e50e24dcca9e"},
		{"wrong suffix not shortened", "0000ffe1-1234-5678-9abc-def012345678", "0000ffe1123456789abcdef012345678"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeUUID(tt.input))
		})
	}
}

func TestNormalizeUUID_Idempotent(t *testing.T) {
	for _, in := range []string{"ffe0", "0000FFE0-0000-1000-8000-00805F9B34FB", "6e400001-b5a3-f393-e0a9-e50e24dcca9e"} {
		once := NormalizeUUID(in)
		assert.Equal(t, once, NormalizeUUID(once), "normalizing twice MUST be stable for %s", in)
	}
}

func TestValidateUUID(t *testing.T) {
	got, err := ValidateUUID("0xFFE1", "6e400002-b5a3-f393-e0a9-e50e24dcca9e")
	require.NoError(t, err)
	assert.Equal(t, []string{"ffe1", "6e400002b5a3f393e0a9e50e24dcca9e"}, got)

	for _, bad := range []string{"", "ffe", "zzzz", "6e400002-b5a3-f393-e0a9"} {
		_, err := ValidateUUID(bad)
		assert.Error(t, err, "%q MUST be rejected", bad)
	}
	_, err = ValidateUUID()
	assert.Error(t, err)
}

func TestShortenUUID(t *testing.T) {
	assert.Equal(t, "00000012", ShortenUUID("000000120200a58ee411afe28044e62c"))
	assert.Equal(t, "ffe1", ShortenUUID("ffe1"))
}

func TestNewIdentity(t *testing.T) {
	// GOAL: Verify every accepted address spelling maps to one identity
	//
	// TEST SCENARIO: colon, dash and bare forms in mixed case → same address, slug and string

	for _, addr := range []string{"24:dc:c3:00:00:01", "24-DC-C3-00-00-01", "24dcc3000001", " 24:DC:C3:00:00:01 "} {
		id, err := NewIdentity(addr, FamilyBus)
		require.NoError(t, err, addr)
		assert.Equal(t, "24:DC:C3:00:00:01", id.Address)
		assert.Equal(t, "24dcc3000001", id.Slug())
		assert.Equal(t, "bus/24:DC:C3:00:00:01", id.String())
	}

	for _, bad := range []string{"", "24:dc:c3:00:00", "24:dc:c3:00:00:0g", "24:dc:c3:00:00:01:02"} {
		_, err := NewIdentity(bad, FamilyASCII)
		assert.Error(t, err, "%q MUST be rejected", bad)
	}
}

func TestParseFamily(t *testing.T) {
	for in, want := range map[string]Family{"bus": FamilyBus, " JSONCTL ": FamilyJSONCtl, "Ascii": FamilyASCII} {
		got, err := ParseFamily(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseFamily("toaster")
	assert.ErrorContains(t, err, "unknown peripheral family")
}

func TestErrorMatching(t *testing.T) {
	wrapped := fmt.Errorf("dial: %w", &ConnectionError{State: BluetoothOff, Msg: "hci0 down"})
	assert.ErrorIs(t, wrapped, ErrBluetoothOff)
	assert.NotErrorIs(t, wrapped, ErrNotConnected)
	assert.True(t, IsConnectionState(wrapped, BluetoothOff))

	auth := fmt.Errorf("session: %w", &AuthError{Stage: "password", Err: errors.New("echo mismatch")})
	assert.ErrorIs(t, auth, ErrAuthFailed, "auth failures MUST match the sentinel")
	assert.Equal(t, "authentication failed: password: echo mismatch", errors.Unwrap(auth).Error())

	nf := &NotFoundError{Resource: "characteristic", UUIDs: []string{"ffe0", "ffe1"}}
	assert.Equal(t, `characteristic "ffe1" not found in service "ffe0"`, nf.Error())
}
