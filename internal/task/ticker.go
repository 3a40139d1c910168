package task

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidTicker rejects tickers that are not exactly six digits
var ErrInvalidTicker = errors.New("ticker must be exactly six digits")

// NormalizeTicker validates a mainland China A-share ticker and returns
// the exchange-qualified symbol. Tickers starting with 6 trade on
// Shanghai, everything else on Shenzhen.
func NormalizeTicker(ticker string) (string, error) {
	ticker = strings.TrimSpace(ticker)
	if len(ticker) != 6 {
		return "", fmt.Errorf("%q: %w", ticker, ErrInvalidTicker)
	}
	for _, r := range ticker {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("%q: %w", ticker, ErrInvalidTicker)
		}
	}
	if ticker[0] == '6' {
		return ticker + ".SH", nil
	}
	return ticker + ".SZ", nil
}
