package crypto

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type stubBackend struct {
	name  string
	err   error
	calls int
}

func (s *stubBackend) Name() string { return s.name }

func (s *stubBackend) Sign(payload map[string]any, _ Config) (map[string]any, error) {
	out := Unsigned(payload)
	out["signature"] = s.name
	return out, nil
}

func (s *stubBackend) Validate(map[string]any, Config) error {
	s.calls++
	return s.err
}

func TestNewDispatcherValidation(t *testing.T) {
	_, err := NewDispatcher(PolicyAny)
	require.Error(t, err)

	_, err = NewDispatcher("most", &stubBackend{name: "a"})
	require.Error(t, err)

	_, err = NewDispatcher(PolicyAll, nil)
	require.Error(t, err)

	d, err := NewDispatcher("", &stubBackend{name: "a"}, &stubBackend{name: "b"})
	require.NoError(t, err)
	require.Equal(t, PolicyAny, d.Policy())
	require.Equal(t, []string{"a", "b"}, d.Names())
}

func TestDispatcherAnyPolicy(t *testing.T) {
	failing := &stubBackend{name: "gpg", err: errors.New("bad key")}
	passing := &stubBackend{name: "x509"}
	never := &stubBackend{name: "other"}

	d, err := NewDispatcher(PolicyAny, failing, passing, never)
	require.NoError(t, err)

	require.NoError(t, d.Validate(map[string]any{"topic": "t"}, Config{}))
	require.Equal(t, 1, failing.calls)
	require.Equal(t, 1, passing.calls)
	require.Zero(t, never.calls)
}

func TestDispatcherAnyPolicyAllFail(t *testing.T) {
	a := &stubBackend{name: "a", err: errors.New("first")}
	b := &stubBackend{name: "b", err: errors.New("second")}

	d, err := NewDispatcher(PolicyAny, a, b)
	require.NoError(t, err)

	err = d.Validate(map[string]any{}, Config{})
	require.ErrorIs(t, err, ErrSignatureInvalid)
	require.Contains(t, err.Error(), "first")
	require.Contains(t, err.Error(), "second")
}

func TestDispatcherAllPolicy(t *testing.T) {
	a := &stubBackend{name: "a"}
	b := &stubBackend{name: "b", err: errors.New("nope")}
	c := &stubBackend{name: "c"}

	d, err := NewDispatcher(PolicyAll, a, b, c)
	require.NoError(t, err)

	err = d.Validate(map[string]any{}, Config{})
	require.ErrorIs(t, err, ErrSignatureInvalid)
	require.Contains(t, err.Error(), "b: nope")
	require.Zero(t, c.calls)

	b.err = nil
	require.NoError(t, d.Validate(map[string]any{}, Config{}))
}

func TestDispatcherNilPayload(t *testing.T) {
	d, err := NewDispatcher(PolicyAny, &stubBackend{name: "a"})
	require.NoError(t, err)
	require.ErrorIs(t, d.Validate(nil, Config{}), ErrSignatureInvalid)
}

func TestDispatcherSignUsesFirstBackend(t *testing.T) {
	d, err := NewDispatcher(PolicyAny, &stubBackend{name: "a"}, &stubBackend{name: "b"})
	require.NoError(t, err)

	signed, err := d.Sign(map[string]any{"topic": "t"}, Config{})
	require.NoError(t, err)
	require.Equal(t, "a", signed["signature"])
}

func TestParsePolicy(t *testing.T) {
	for in, want := range map[string]Policy{"": PolicyAny, "ANY": PolicyAny, " all ": PolicyAll} {
		got, err := ParsePolicy(in)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := ParsePolicy("quorum")
	require.Error(t, err)
}

func TestAuthorizedSigner(t *testing.T) {
	cfg := Config{RoutingPolicy: map[string][]string{"org.example.build": {"builder01"}}}

	require.True(t, cfg.AuthorizedSigner("org.example.build", "builder01"))
	require.False(t, cfg.AuthorizedSigner("org.example.build", "shell01"))
	require.True(t, cfg.AuthorizedSigner("org.example.other", "shell01"))

	cfg.RoutingNitpicky = true
	require.False(t, cfg.AuthorizedSigner("org.example.other", "shell01"))
}

func TestCanonicalIgnoresSignatureFieldsAndSortsKeys(t *testing.T) {
	payload := map[string]any{
		"topic":       "t1",
		"msg":         map[string]any{"b": json.Number("1.50"), "a": "<x>"},
		"signature":   "sig",
		"certificate": "cert",
	}

	got, err := Canonical(payload)
	require.NoError(t, err)
	require.Equal(t, `{"msg":{"a":"<x>","b":1.50},"topic":"t1"}`, string(got))
	require.Contains(t, payload, "signature")
}
