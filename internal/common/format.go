package common

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	// Default separator widths
	DefaultWidth = 80
	WideWidth    = 100
)

// PrintSeparator prints a separator line with the specified character and width
func PrintSeparator(char string, width int) {
	fmt.Println(strings.Repeat(char, width))
}

// PrintSeparatorNewline prints a separator with a newline before it
func PrintSeparatorNewline(char string, width int) {
	fmt.Println("\n" + strings.Repeat(char, width))
}

// PrintHeader prints a formatted header with title and separators
func PrintHeader(title string, width int) {
	PrintSeparatorNewline("=", width)
	fmt.Println(title)
	PrintSeparator("=", width)
}

// PrintFooter prints a formatted footer with message and separators
func PrintFooter(message string, width int) {
	PrintSeparatorNewline("=", width)
	fmt.Println(message)
	fmt.Println(strings.Repeat("=", width) + "\n")
}

// PrintBoxSeparator prints a box-drawing separator line (for sub-sections)
func PrintBoxSeparator(width int) {
	fmt.Println("├" + strings.Repeat("─", width))
}

// BoxPrefix returns the appropriate box-drawing prefix for list items
func BoxPrefix(isLast bool) string {
	if isLast {
		return "└  "
	}
	return "│  "
}

// BoxDetailPrefix returns the prefix for detail lines under list items
func BoxDetailPrefix(isLast bool) string {
	if isLast {
		return "   "
	}
	return "│  "
}

// FormatAmount renders a ledger amount in the asset's major unit, e.g. 12345 at
// scale 2 as "123.45".
func FormatAmount(amount uint64, scale uint8) string {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(amount), -int32(scale)).StringFixed(int32(scale))
}

// ParseAmount converts a major-unit amount such as "123.45" into ledger units
// at scale. Amounts finer than the scale are rejected.
func ParseAmount(value string, scale uint8) (uint64, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return 0, fmt.Errorf("invalid amount format: %w", err)
	}
	if !d.IsPositive() {
		return 0, errors.New("amount must be greater than zero")
	}
	units := d.Shift(int32(scale))
	if !units.IsInteger() {
		return 0, fmt.Errorf("amount %s has more than %d decimal places", value, scale)
	}
	raw := units.BigInt()
	if !raw.IsUint64() {
		return 0, fmt.Errorf("amount %s is too large", value)
	}
	return raw.Uint64(), nil
}
