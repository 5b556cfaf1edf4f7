// Package scenario describes transaction runs as YAML documents: the
// participants with their opening balances, the plans to execute, the faults
// to inject and the outcome to expect. The built-in scenarios A, B and C are
// embedded.
package scenario

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"pkt.systems/commitd/api"
	"pkt.systems/commitd/internal/txid"
)

//go:embed builtin/*.yaml
var builtinFS embed.FS

// ErrUnknownBuiltin reports a built-in scenario name that does not exist.
var ErrUnknownBuiltin = errors.New("scenario: unknown built-in scenario")

// File is one scenario document.
type File struct {
	Name           string                      `yaml:"name"`
	Description    string                      `yaml:"description,omitempty"`
	Participants   map[string]map[string]int64 `yaml:"participants"`
	Transactions   []Transaction               `yaml:"transactions"`
	ExpectBalances map[string]map[string]int64 `yaml:"expect_balances,omitempty"`
}

// Transaction is one coordinator run inside a scenario.
type Transaction struct {
	// ID is minted when empty.
	ID      string        `yaml:"id,omitempty"`
	Plan    api.Plan      `yaml:"plan"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
	// CrashAfterPrepare names participants that crash right after voting.
	CrashAfterPrepare []string `yaml:"crash_after_prepare,omitempty"`
	// Recover names participants recovered once the run returns.
	Recover []string     `yaml:"recover,omitempty"`
	Expect  api.Decision `yaml:"expect,omitempty"`
}

// Parse decodes and validates a scenario document.
func Parse(r io.Reader) (*File, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var f File
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("scenario: empty document")
		}
		return nil, fmt.Errorf("scenario: decode: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Load reads a scenario file from disk.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("scenario: read %s: %w", path, err)
	}
	f, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Builtin returns the embedded scenario called name (case-insensitive).
func Builtin(name string) (*File, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	data, err := builtinFS.ReadFile("builtin/" + key + ".yaml")
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBuiltin, name)
	}
	return Parse(bytes.NewReader(data))
}

// Builtins lists the embedded scenario names.
func Builtins() []string {
	entries, err := builtinFS.ReadDir("builtin")
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if name, ok := strings.CutSuffix(e.Name(), ".yaml"); ok {
			out = append(out, strings.ToUpper(name))
		}
	}
	sort.Strings(out)
	return out
}

// Validate checks that every transaction only references declared
// participants and that expectations are well formed.
func (f *File) Validate() error {
	if len(f.Participants) == 0 {
		return errors.New("scenario: no participants declared")
	}
	if len(f.Transactions) == 0 {
		return errors.New("scenario: no transactions")
	}
	declared := func(name string) bool {
		_, ok := f.Participants[name]
		return ok
	}
	for name := range f.Participants {
		if strings.TrimSpace(name) == "" || strings.ContainsAny(name, `/\`) {
			return fmt.Errorf("scenario: invalid participant name %q", name)
		}
	}
	for i, tx := range f.Transactions {
		where := fmt.Sprintf("scenario: transaction %d", i+1)
		if tx.ID != "" {
			if err := txid.Validate(tx.ID); err != nil {
				return fmt.Errorf("%s: %w", where, err)
			}
		}
		if len(tx.Plan) == 0 {
			return fmt.Errorf("%s: empty plan", where)
		}
		for _, name := range tx.Plan.Participants() {
			if !declared(name) {
				return fmt.Errorf("%s: undeclared participant %q", where, name)
			}
			if len(tx.Plan[name]) == 0 {
				return fmt.Errorf("%s: empty payload for %q", where, name)
			}
		}
		for _, name := range append(append([]string(nil), tx.CrashAfterPrepare...), tx.Recover...) {
			if !declared(name) {
				return fmt.Errorf("%s: undeclared participant %q", where, name)
			}
		}
		if tx.Expect != "" && !tx.Expect.Final() {
			return fmt.Errorf("%s: expect must be COMMIT or ABORT, got %q", where, tx.Expect)
		}
		if tx.Timeout < 0 {
			return fmt.Errorf("%s: negative timeout", where)
		}
	}
	for name := range f.ExpectBalances {
		if !declared(name) {
			return fmt.Errorf("scenario: expected balances for undeclared participant %q", name)
		}
	}
	return nil
}

// ParticipantNames returns the declared participants in sorted order.
func (f *File) ParticipantNames() []string {
	names := make([]string, 0, len(f.Participants))
	for name := range f.Participants {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Encode renders f as YAML.
func (f *File) Encode(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(f); err != nil {
		return fmt.Errorf("scenario: encode: %w", err)
	}
	return enc.Close()
}
