package order

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

// DefaultTokenDecimals matches the settlement token deployed on chain.
const DefaultTokenDecimals = 18

// IDToHex derives the fixed-width on-chain identifier for an opaque string id.
// The same function backs id generation and lookup-by-hash, so the two paths
// can never disagree.
func IDToHex(id string) (string, error) {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return "", fmt.Errorf("%w: id cannot be empty", ErrValidation)
	}
	return crypto.Keccak256Hash([]byte(trimmed)).Hex(), nil
}

// PriceToAtomic converts a display price such as "1.5" into the token's atomic
// integer representation as a decimal string.
func PriceToAtomic(price string, decimals int) (string, error) {
	if decimals <= 0 {
		return "", fmt.Errorf("%w: decimals must be a positive integer", ErrValidation)
	}

	trimmed := strings.TrimSpace(price)
	if trimmed == "" {
		return "", fmt.Errorf("%w: price must be a positive decimal string", ErrValidation)
	}

	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: price must be a positive decimal string", ErrValidation)
	}

	atomic := d.Shift(int32(decimals))
	if !atomic.IsInteger() {
		return "", fmt.Errorf("%w: price has more than %d decimal places", ErrValidation, decimals)
	}
	if atomic.Sign() <= 0 {
		return "", fmt.Errorf("%w: price must be greater than zero", ErrValidation)
	}

	return atomic.String(), nil
}

// ValidWallet reports whether s is a 20-byte hex address.
func ValidWallet(s string) bool {
	return common.IsHexAddress(s)
}

// ValidIDHex reports whether s is a 0x-prefixed 32-byte hex string.
func ValidIDHex(s string) bool {
	if len(s) != 66 || !strings.HasPrefix(s, "0x") {
		return false
	}
	for _, r := range s[2:] {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}

// SameAddress compares two hex addresses or hashes case-insensitively.
func SameAddress(a, b string) bool {
	return strings.EqualFold(a, b)
}
