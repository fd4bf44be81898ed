package device

import (
	"fmt"
	"strings"
)

// Family tags the protocol variant a peripheral speaks.
type Family string

const (
	FamilyBus     Family = "bus"     // binary framed, cipher-authenticated
	FamilyJSONCtl Family = "jsonctl" // structured-text request/response, password
	FamilyASCII   Family = "ascii"   // delimited ASCII, polled, unauthenticated
)

// ParseFamily validates a family name from configuration.
func ParseFamily(s string) (Family, error) {
	switch Family(strings.ToLower(strings.TrimSpace(s))) {
	case FamilyBus:
		return FamilyBus, nil
	case FamilyJSONCtl:
		return FamilyJSONCtl, nil
	case FamilyASCII:
		return FamilyASCII, nil
	default:
		return "", fmt.Errorf("unknown peripheral family %q (want bus, jsonctl or ascii)", s)
	}
}

// PeripheralIdentity is the stable link-layer address plus family tag.
// It is the join key for the friendly-name cache and for topic namespacing.
type PeripheralIdentity struct {
	Address string
	Family  Family
}

// NewIdentity normalizes the address to upper-case colon form.
func NewIdentity(address string, family Family) (PeripheralIdentity, error) {
	addr, err := NormalizeAddress(address)
	if err != nil {
		return PeripheralIdentity{}, err
	}
	return PeripheralIdentity{Address: addr, Family: family}, nil
}

// Slug is the address in lower-case hex without separators, used in topics.
func (id PeripheralIdentity) Slug() string {
	return strings.ToLower(strings.ReplaceAll(id.Address, ":", ""))
}

func (id PeripheralIdentity) String() string {
	return fmt.Sprintf("%s/%s", id.Family, id.Address)
}

// NormalizeAddress accepts "aa:bb:cc:dd:ee:ff", "AA-BB-..." or "aabbccddeeff".
func NormalizeAddress(address string) (string, error) {
	raw := strings.ToUpper(strings.TrimSpace(address))
	raw = strings.NewReplacer(":", "", "-", "").Replace(raw)
	if len(raw) != 12 {
		return "", fmt.Errorf("invalid peripheral address %q", address)
	}
	for _, r := range raw {
		if !(r >= '0' && r <= '9' || r >= 'A' && r <= 'F') {
			return "", fmt.Errorf("invalid peripheral address %q", address)
		}
	}
	parts := make([]string, 0, 6)
	for i := 0; i < 12; i += 2 {
		parts = append(parts, raw[i:i+2])
	}
	return strings.Join(parts, ":"), nil
}
