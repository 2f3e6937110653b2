package passphrase

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSourcePrefersEnvironment(t *testing.T) {
	t.Setenv("STREAMD_TEST_PASSPHRASE", " hunter2 ")
	s := NewSource("STREAMD_TEST_PASSPHRASE")
	s.prompt = func() (string, error) {
		t.Fatal("prompted despite environment variable")
		return "", nil
	}
	value, err := s.Get()
	require.NoError(t, err)
	require.Equal(t, " hunter2 ", value)
}

func TestSourceRejectsBlankEnvironment(t *testing.T) {
	t.Setenv("STREAMD_TEST_PASSPHRASE", "   ")
	_, err := NewSource("STREAMD_TEST_PASSPHRASE").Get()
	require.ErrorContains(t, err, "set but empty")
}

func TestSourcePromptsOnceAndCaches(t *testing.T) {
	calls := 0
	s := NewSource("")
	s.prompt = func() (string, error) {
		calls++
		return "correct horse", nil
	}
	for i := 0; i < 2; i++ {
		value, err := s.Get()
		require.NoError(t, err)
		require.Equal(t, "correct horse", value)
	}
	require.Equal(t, 1, calls)
}

func TestSourceWithoutTerminal(t *testing.T) {
	s := NewSource("STREAMD_TEST_UNSET_PASSPHRASE")
	s.prompt = func() (string, error) { return "", errNoTerminal }
	_, err := s.Get()
	require.ErrorContains(t, err, "STREAMD_TEST_UNSET_PASSPHRASE")

	s = NewSource("")
	s.prompt = func() (string, error) { return " ", nil }
	_, err = s.Get()
	require.ErrorContains(t, err, "cannot be empty")
}

func TestReadPasswordWritesPrompt(t *testing.T) {
	var out bytes.Buffer
	value, err := readPassword(&out, func() ([]byte, error) { return []byte("pw"), nil })
	require.NoError(t, err)
	require.Equal(t, "pw", value)
	require.Contains(t, out.String(), "signer keystore passphrase")

	_, err = readPassword(&out, func() ([]byte, error) { return nil, errors.New("eof") })
	require.ErrorContains(t, err, "read passphrase")
}
