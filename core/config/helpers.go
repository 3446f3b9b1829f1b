package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/AvaProtocol/ap-userops/core/apperrors"
)

// parseAddress expects a value that already passed eth_addr validation.
func parseAddress(s string) common.Address {
	if s == "" {
		return common.Address{}
	}
	return common.HexToAddress(s)
}

// parseUint accepts a decimal or 0x-prefixed integer. Empty means nil.
func parseUint(field, s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(s, 0)
	if !ok || v.Sign() < 0 {
		return nil, apperrors.NewConfigurationError(field, fmt.Sprintf("%q is not a non-negative integer", s))
	}
	return v, nil
}

// parseUnits converts a human amount such as "0.1" into base units.
func parseUnits(field, s string, decimals int32) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return nil, apperrors.NewConfigurationError(field, fmt.Sprintf("%q is not a number", s))
	}
	if d.IsNegative() {
		return nil, apperrors.NewConfigurationError(field, "must not be negative")
	}
	scaled := d.Shift(decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, apperrors.NewConfigurationError(field, fmt.Sprintf("%s has more than %d decimals", s, decimals))
	}
	return scaled.BigInt(), nil
}

func parseDuration(field, s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, apperrors.NewConfigurationError(field, err.Error())
	}
	if d <= 0 {
		return 0, apperrors.NewConfigurationError(field, "must be positive")
	}
	return d, nil
}
