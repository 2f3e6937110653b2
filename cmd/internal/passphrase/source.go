package passphrase

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Source lazily resolves the signer keystore passphrase from an environment
// variable or by prompting the operator. The value is cached after the first
// successful retrieval.
type Source struct {
	envVar string
	prompt func() (string, error)

	once  sync.Once
	value string
	err   error
}

// NewSource constructs a passphrase source that checks envVar before
// prompting on the terminal.
func NewSource(envVar string) *Source {
	return &Source{envVar: strings.TrimSpace(envVar), prompt: promptTerminal}
}

var errNoTerminal = errors.New("no terminal available")

func promptTerminal() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errNoTerminal
	}
	return readPassword(os.Stderr, func() ([]byte, error) { return term.ReadPassword(fd) })
}

func readPassword(out io.Writer, read func() ([]byte, error)) (string, error) {
	fmt.Fprint(out, "Enter signer keystore passphrase: ")
	raw, err := read()
	fmt.Fprintln(out)
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	return string(raw), nil
}

// Get returns the cached passphrase or resolves it on first use. A set
// environment variable is used verbatim; whitespace-only passphrases are
// rejected either way.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		if s.envVar != "" {
			if value, ok := os.LookupEnv(s.envVar); ok {
				if strings.TrimSpace(value) == "" {
					s.err = fmt.Errorf("%s is set but empty", s.envVar)
					return
				}
				s.value = value
				return
			}
		}

		value, err := s.prompt()
		switch {
		case errors.Is(err, errNoTerminal) && s.envVar != "":
			s.err = fmt.Errorf("signer keystore passphrase required; set %s or run interactively", s.envVar)
			return
		case errors.Is(err, errNoTerminal):
			s.err = errors.New("signer keystore passphrase required and no terminal available")
			return
		case err != nil:
			s.err = err
			return
		}
		if strings.TrimSpace(value) == "" {
			s.err = errors.New("signer keystore passphrase cannot be empty")
			return
		}
		s.value = value
	})

	return s.value, s.err
}
