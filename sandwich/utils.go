package sandwich

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/params"
)

var (
	ethDivisor  = new(big.Float).SetUint64(params.Ether)
	gweiDivisor = new(big.Float).SetUint64(params.GWei)

	big100 = big.NewInt(100)
)

func formatUnits(value *big.Int, unit string) string {
	if value == nil {
		return "0"
	}
	float := new(big.Float).SetInt(value)
	switch unit {
	case "eth":
		return float.Quo(float, ethDivisor).String()
	case "gwei":
		return float.Quo(float, gweiDivisor).String()
	default:
		return ""
	}
}

// startOfDay returns midnight UTC of the calendar day t falls in.
func startOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func msSince(t time.Time) int64 {
	return time.Since(t).Milliseconds()
}
