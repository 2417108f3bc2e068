// Package sheet holds the spreadsheet side of a document: validated cell
// references, the raw cell map and the SUM evaluator that renders it.
package sheet

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/feriteja/naskah/pkg/apperr"
)

// ErrInvalidRef is returned for any key that is not a letter A-Z followed by
// a positive row number without a leading zero.
var ErrInvalidRef = apperr.Validation("invalid cell reference").WithCode("ErrInvalidCellRef")

// Ref addresses a single cell. Col is 0 for column A and 25 for column Z;
// Row starts at 1.
type Ref struct {
	Col int
	Row int
}

// ParseRef parses a cell key such as "A1" or " b12 ". The input is trimmed
// and uppercased before validation.
func ParseRef(s string) (Ref, error) {
	key := strings.ToUpper(strings.TrimSpace(s))
	if len(key) < 2 {
		return Ref{}, fmt.Errorf("parse %q: %w", s, ErrInvalidRef)
	}

	col := key[0]
	if col < 'A' || col > 'Z' {
		return Ref{}, fmt.Errorf("parse %q: %w", s, ErrInvalidRef)
	}

	digits := key[1:]
	if digits[0] < '1' || digits[0] > '9' {
		return Ref{}, fmt.Errorf("parse %q: %w", s, ErrInvalidRef)
	}
	for i := 1; i < len(digits); i++ {
		if digits[i] < '0' || digits[i] > '9' {
			return Ref{}, fmt.Errorf("parse %q: %w", s, ErrInvalidRef)
		}
	}

	row, err := strconv.Atoi(digits)
	if err != nil {
		return Ref{}, fmt.Errorf("parse %q: %w", s, ErrInvalidRef)
	}

	return Ref{Col: int(col - 'A'), Row: row}, nil
}

// MustParseRef is ParseRef for keys known to be valid. It panics otherwise.
func MustParseRef(s string) Ref {
	ref, err := ParseRef(s)
	if err != nil {
		panic(err)
	}
	return ref
}

// String returns the normalized key, e.g. "B12".
func (r Ref) String() string {
	return string(rune('A'+r.Col)) + strconv.Itoa(r.Row)
}

// Cells maps a cell reference to its raw string value.
type Cells map[Ref]string

// ParseCells builds Cells from string keys, rejecting the first malformed key
// and keys that name the same cell once normalized.
func ParseCells(raw map[string]string) (Cells, error) {
	cells := make(Cells, len(raw))
	for key, value := range raw {
		ref, err := ParseRef(key)
		if err != nil {
			return nil, err
		}
		if _, dup := cells[ref]; dup {
			return nil, fmt.Errorf("duplicate key %q for %s: %w", key, ref, ErrInvalidRef)
		}
		cells[ref] = value
	}
	return cells, nil
}

// Strings returns the cells keyed by their normalized string form.
func (c Cells) Strings() map[string]string {
	out := make(map[string]string, len(c))
	for ref, value := range c {
		out[ref.String()] = value
	}
	return out
}

// Clone returns a copy of the cells.
func (c Cells) Clone() Cells {
	if c == nil {
		return nil
	}
	out := make(Cells, len(c))
	for ref, value := range c {
		out[ref] = value
	}
	return out
}

// MarshalJSON encodes the cells as {"A1": "raw"}.
func (c Cells) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Strings())
}

// UnmarshalJSON decodes {"A1": "raw"} and fails on malformed keys.
func (c *Cells) UnmarshalJSON(data []byte) error {
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	cells, err := ParseCells(raw)
	if err != nil {
		return err
	}
	*c = cells
	return nil
}
