package balance

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
)

// FormatBTC renders amount in BTC with exactly eight fraction digits using
// integer arithmetic, e.g. 150000 -> "0.00150000".
func FormatBTC(amount btcutil.Amount) string {
	sat := int64(amount)
	sign := ""
	if sat < 0 {
		sign = "-"
		sat = -sat
	}
	whole := sat / btcutil.SatoshiPerBitcoin
	frac := sat % btcutil.SatoshiPerBitcoin
	return fmt.Sprintf("%s%d.%08d", sign, whole, frac)
}
