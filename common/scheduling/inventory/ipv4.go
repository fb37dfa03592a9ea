package inventory

import (
	"errors"
	"fmt"
	"net/netip"
)

var (
	ErrNotIPv4Block = errors.New("address block is not an IPv4 CIDR")
)

// AddressCapacity returns the number of assignable addresses in an IPv4 block.
// The network and broadcast addresses are not assignable in blocks larger than a /31.
func AddressCapacity(cidr string) (int, error) {
	prefix, err := parseBlock(cidr)
	if err != nil {
		return 0, err
	}

	hostBits := 32 - prefix.Bits()
	if hostBits <= 1 {
		return 1 << hostBits, nil
	}

	return (1 << hostBits) - 2, nil
}

// FirstFreeAddress returns the lowest assignable address of the block that is not in taken.
func FirstFreeAddress(cidr string, taken map[string]struct{}) (string, bool, error) {
	prefix, err := parseBlock(cidr)
	if err != nil {
		return "", false, err
	}

	capacity, _ := AddressCapacity(cidr)

	addr := prefix.Addr()
	if 32-prefix.Bits() > 1 {
		addr = addr.Next()
	}

	for i := 0; i < capacity; i++ {
		if _, used := taken[addr.String()]; !used {
			return addr.String(), true, nil
		}

		addr = addr.Next()
	}

	return "", false, nil
}

func parseBlock(cidr string) (netip.Prefix, error) {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("%w: \"%s\": %v", ErrNotIPv4Block, cidr, err)
	}

	if !prefix.Addr().Is4() {
		return netip.Prefix{}, fmt.Errorf("%w: \"%s\"", ErrNotIPv4Block, cidr)
	}

	return prefix.Masked(), nil
}
