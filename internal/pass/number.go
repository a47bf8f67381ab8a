package pass

import "fmt"

// FormatNumber builds the human-legible pass number from the type prefix, the
// issue date (YYYYMMDD) and the per-type-per-day sequence, e.g.
// GP-VIS-20260101-0042.
func FormatNumber(t Type, dateStr string, seq int) string {
	return fmt.Sprintf("GP-%s-%s-%04d", t.Prefix(), dateStr, seq)
}
