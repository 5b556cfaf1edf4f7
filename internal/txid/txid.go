// Package txid mints and validates transaction identifiers.
package txid

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

// Prefix marks identifiers minted by New.
const Prefix = "tx-"

// MaxLen bounds caller supplied identifiers.
const MaxLen = 128

// New returns a time-ordered identifier of the form tx-<uuidv7>.
func New() string {
	return Prefix + uuid.Must(uuid.NewV7()).String()
}

// Validate rejects empty, oversized or whitespace-bearing identifiers.
func Validate(id string) error {
	if id == "" {
		return fmt.Errorf("txid: empty")
	}
	if len(id) > MaxLen {
		return fmt.Errorf("txid: longer than %d bytes", MaxLen)
	}
	if strings.IndexFunc(id, unicode.IsSpace) >= 0 {
		return fmt.Errorf("txid: %q contains whitespace", id)
	}
	return nil
}

// Minted reports whether id was produced by New and returns its UUID.
func Minted(id string) (uuid.UUID, bool) {
	raw, ok := strings.CutPrefix(id, Prefix)
	if !ok {
		return uuid.UUID{}, false
	}
	parsed, err := uuid.Parse(raw)
	if err != nil || parsed.Version() != 7 {
		return uuid.UUID{}, false
	}
	return parsed, true
}
