package sheet

import (
	"strings"

	"github.com/shopspring/decimal"
)

// ErrorMarker is displayed for any formula that is not a recognized SUM.
const ErrorMarker = "#ERR"

const sumPrefix = "SUM("

// Numeric cells are plain decimals of bounded size; exponent notation and
// longer values count as text.
const (
	maxNumericDigits = 30
	maxFractionScale = 12
)

// Evaluate returns the displayed value of raw. Literals display as
// themselves. "=SUM(A1:B3)" sums a rectangle and "=SUM(A1,B2,...)" sums a
// list of cells. Referenced cells contribute their raw value only when it is
// numeric; formulas are never followed, so a referenced formula counts as 0.
func Evaluate(raw string, cells Cells) string {
	if !strings.HasPrefix(raw, "=") {
		return raw
	}

	args, ok := sumArgs(raw[1:])
	if !ok {
		return ErrorMarker
	}

	var (
		total decimal.Decimal
		err   error
	)
	if strings.Contains(args, ":") {
		total, err = sumRange(args, cells)
	} else {
		total, err = sumList(args, cells)
	}
	if err != nil {
		return ErrorMarker
	}
	return total.String()
}

// Display evaluates every cell and returns the results keyed by cell key.
func (c Cells) Display() map[string]string {
	out := make(map[string]string, len(c))
	for ref, raw := range c {
		out[ref.String()] = Evaluate(raw, c)
	}
	return out
}

// sumArgs strips "SUM(" and ")" from a formula body, case-insensitively.
func sumArgs(body string) (string, bool) {
	body = strings.TrimSpace(body)
	if len(body) < len(sumPrefix)+1 || !strings.EqualFold(body[:len(sumPrefix)], sumPrefix) {
		return "", false
	}
	if !strings.HasSuffix(body, ")") {
		return "", false
	}
	args := strings.TrimSpace(body[len(sumPrefix) : len(body)-1])
	if args == "" || strings.ContainsAny(args, "()") {
		return "", false
	}
	return args, true
}

func sumRange(args string, cells Cells) (decimal.Decimal, error) {
	parts := strings.Split(args, ":")
	if len(parts) != 2 || strings.Contains(args, ",") {
		return decimal.Zero, ErrInvalidRef
	}
	from, err := ParseRef(parts[0])
	if err != nil {
		return decimal.Zero, err
	}
	to, err := ParseRef(parts[1])
	if err != nil {
		return decimal.Zero, err
	}

	minCol, maxCol := order(from.Col, to.Col)
	minRow, maxRow := order(from.Row, to.Row)
	cols := maxCol - minCol + 1
	rows := maxRow - minRow + 1

	total := decimal.Zero

	// Walk whichever is smaller: the stored cells or the rectangle.
	if rows > len(cells)/cols {
		for ref, raw := range cells {
			if ref.Col >= minCol && ref.Col <= maxCol && ref.Row >= minRow && ref.Row <= maxRow {
				total = total.Add(numeric(raw))
			}
		}
		return total, nil
	}

	for col := minCol; col <= maxCol; col++ {
		for row := minRow; row <= maxRow; row++ {
			if raw, ok := cells[Ref{Col: col, Row: row}]; ok {
				total = total.Add(numeric(raw))
			}
		}
	}
	return total, nil
}

func sumList(args string, cells Cells) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, part := range strings.Split(args, ",") {
		ref, err := ParseRef(part)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(numeric(cells[ref]))
	}
	return total, nil
}

// numeric returns the value of a raw cell, or zero for blanks, text, formulas
// and values outside the plain decimal form.
func numeric(raw string) decimal.Decimal {
	value := strings.TrimSpace(raw)
	if value == "" || strings.HasPrefix(value, "=") || strings.ContainsAny(value, "eE") {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero
	}
	if d.Exponent() > 0 || d.Exponent() < -maxFractionScale || d.NumDigits() > maxNumericDigits {
		return decimal.Zero
	}
	return d
}

func order(a, b int) (int, int) {
	if a > b {
		return b, a
	}
	return a, b
}
