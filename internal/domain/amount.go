package domain

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// MicroVoi is the number of microVOI in one VOI.
const MicroVoi = 1_000_000

var microVoiDec = decimal.NewFromInt(MicroVoi)

// MicroToVoi converts a microVOI amount to VOI.
func MicroToVoi(micro uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(micro), 0).Div(microVoiDec)
}

// VoiToMicro converts a VOI amount to microVOI, truncating any precision
// below one microVOI. Negative amounts are rejected.
func VoiToMicro(voi decimal.Decimal) (uint64, error) {
	if voi.IsNegative() {
		return 0, fmt.Errorf("%w: %s VOI is negative", ErrInvalidAmount, voi.String())
	}
	micro := voi.Mul(microVoiDec).Floor()
	if !micro.BigInt().IsUint64() {
		return 0, fmt.Errorf("%w: %s VOI overflows", ErrInvalidAmount, voi.String())
	}
	return micro.BigInt().Uint64(), nil
}

// ParseVoi parses a decimal VOI string such as "12.5" into microVOI.
func ParseVoi(s string) (uint64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return VoiToMicro(d)
}

// FormatVoi renders a microVOI amount as a VOI string with up to six
// decimals, e.g. 510000 -> "0.51".
func FormatVoi(micro uint64) string {
	return MicroToVoi(micro).String()
}
