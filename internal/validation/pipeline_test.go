package validation_test

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/example/busguard/internal/crypto"
	"github.com/example/busguard/internal/crypto/factory"
	"github.com/example/busguard/internal/message"
	"github.com/example/busguard/internal/testutil"
	"github.com/example/busguard/internal/validation"
)

type recordingVerifier struct {
	mu       sync.Mutex
	payloads []map[string]any
	err      error
}

func (r *recordingVerifier) Validate(payload map[string]any, _ crypto.Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, payload)
	return r.err
}

func (r *recordingVerifier) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payloads)
}

func newPipeline(t *testing.T, cfg crypto.Config, v validation.Verifier, logger zerolog.Logger) *validation.Pipeline {
	t.Helper()
	p, err := validation.New(cfg, v, logger)
	require.NoError(t, err)
	return p
}

// x509Pipeline wires the real dispatcher against a throwaway PKI.
func x509Pipeline(t *testing.T) (*validation.Pipeline, *crypto.Dispatcher, crypto.Config) {
	t.Helper()
	pki := testutil.NewPKI(t)
	pki.Issue(t, "shell-app01", "shell-app01.example.org")
	cfg := pki.Config("shell-app01")

	dispatcher, err := factory.Dispatcher(cfg, zerolog.Nop())
	require.NoError(t, err)
	return newPipeline(t, cfg, dispatcher, zerolog.Nop()), dispatcher, cfg
}

func TestNewRequiresVerifierWhenEnabled(t *testing.T) {
	_, err := validation.New(crypto.Config{ValidateSignatures: true}, nil, zerolog.Nop())
	require.Error(t, err)

	p, err := validation.New(crypto.Config{}, nil, zerolog.Nop())
	require.NoError(t, err)
	require.False(t, p.SignaturesEnabled())
}

func TestValidateTopicMismatch(t *testing.T) {
	verifier := &recordingVerifier{}
	p := newPipeline(t, crypto.Config{ValidateSignatures: true}, verifier, zerolog.Nop())

	msg, err := p.Validate(message.Envelope{"topic": "t1", "body": map[string]any{"topic": "t2"}})

	require.ErrorIs(t, err, validation.ErrTopicMismatch)
	require.Equal(t, message.StateRejected, msg.State)
	require.Zero(t, verifier.calls(), "signature check must not run on a topic mismatch")
}

func TestValidateTopicMismatchWithSignaturesDisabled(t *testing.T) {
	p := newPipeline(t, crypto.Config{}, nil, zerolog.Nop())

	_, err := p.Validate(message.Envelope{"topic": "t1", "body": map[string]any{"topic": "t2"}})
	require.ErrorIs(t, err, validation.ErrTopicMismatch)
}

func TestValidateValidSignature(t *testing.T) {
	p, dispatcher, cfg := x509Pipeline(t)
	body, err := dispatcher.Sign(map[string]any{"topic": "t1"}, cfg)
	require.NoError(t, err)

	msg, err := p.Validate(message.Envelope{"topic": "t1", "body": body})

	require.NoError(t, err)
	require.Equal(t, message.StateAccepted, msg.State)
	require.True(t, msg.Signed())
}

func TestValidateValidSignatureOverWire(t *testing.T) {
	p, dispatcher, cfg := x509Pipeline(t)
	body, err := dispatcher.Sign(map[string]any{
		"topic": "org.example.build",
		"msg":   map[string]any{"build": 17, "status": "ok"},
	}, cfg)
	require.NoError(t, err)

	raw := mustJSON(t, body)
	msg, err := p.Validate(message.BinaryWrapper("org.example.build", raw))

	require.NoError(t, err)
	require.Equal(t, message.StateAccepted, msg.State)
}

func TestValidateInvalidSignature(t *testing.T) {
	p, dispatcher, cfg := x509Pipeline(t)
	body, err := dispatcher.Sign(map[string]any{"topic": "t1"}, cfg)
	require.NoError(t, err)
	body["signature"] = "thisisnotmysignature"

	msg, err := p.Validate(message.Envelope{"topic": "t1", "body": body})

	require.ErrorIs(t, err, validation.ErrSignatureInvalid)
	require.ErrorIs(t, err, crypto.ErrSignatureInvalid)
	require.Equal(t, validation.KindSignatureInvalid, validation.Classify(err))
	require.Equal(t, message.StateRejected, msg.State)
}

func TestValidateTamperedSignatureAlwaysFails(t *testing.T) {
	p, dispatcher, cfg := x509Pipeline(t)

	for _, forged := range []string{"", "AAAA", "thisisnotmysignature", "c2lnbmF0dXJl"} {
		body, err := dispatcher.Sign(map[string]any{"topic": "t1", "msg": map[string]any{"n": 1}}, cfg)
		require.NoError(t, err)
		body["signature"] = forged

		_, err = p.Validate(message.Envelope{"topic": "t1", "body": body})
		require.ErrorIs(t, err, validation.ErrSignatureInvalid, "signature %q", forged)
	}
}

func TestValidateUnsignedMessageRejectedWhenEnabled(t *testing.T) {
	p, _, _ := x509Pipeline(t)

	_, err := p.Validate(message.Envelope{"some": "stuff"})
	require.ErrorIs(t, err, validation.ErrSignatureInvalid)
}

func TestValidateNoTopicInBody(t *testing.T) {
	verifier := &recordingVerifier{}
	p := newPipeline(t, crypto.Config{ValidateSignatures: false}, verifier, zerolog.Nop())
	env := message.Envelope{"body": map[string]any{"some": "stuff"}}

	msg, err := p.Validate(env)

	require.NoError(t, err)
	require.Equal(t, message.Envelope{"body": map[string]any{"topic": nil, "msg": map[string]any{"some": "stuff"}}}, env)
	require.Equal(t, message.StateAccepted, msg.State)
	require.Zero(t, verifier.calls())
}

func TestValidateMissingBodyKeyWithSignaturesDisabled(t *testing.T) {
	p := newPipeline(t, crypto.Config{}, nil, zerolog.Nop())

	msg, err := p.Validate(message.Envelope{"some": "stuff"})

	require.NoError(t, err)
	require.Equal(t, map[string]any{"topic": nil, "msg": map[string]any{"some": "stuff"}}, msg.Body)
}

func TestValidateWrapperTextBody(t *testing.T) {
	var logs bytes.Buffer
	verifier := &recordingVerifier{}
	p := newPipeline(t, crypto.Config{ValidateSignatures: true}, verifier, zerolog.New(&logs))

	msg, err := p.Validate(message.TextWrapper("t1", `{"some": "stuff"}`))

	require.NoError(t, err)
	require.Equal(t, 1, verifier.calls())
	require.Equal(t, map[string]any{"topic": "t1", "msg": map[string]any{"some": "stuff"}}, verifier.payloads[0])
	require.Empty(t, msg.Warnings)
	require.NotContains(t, logs.String(), message.ErrNonTextualBody.Error())
}

func TestValidateWrapperBinaryBody(t *testing.T) {
	var logs bytes.Buffer
	verifier := &recordingVerifier{}
	p := newPipeline(t, crypto.Config{ValidateSignatures: true}, verifier, zerolog.New(&logs))

	msg, err := p.Validate(message.BinaryWrapper("t1", []byte(`{"some": "stuff"}`)))

	require.NoError(t, err)
	require.Equal(t, 1, verifier.calls())
	require.Equal(t, map[string]any{"topic": "t1", "msg": map[string]any{"some": "stuff"}}, verifier.payloads[0])
	require.Len(t, msg.Warnings, 1)
	require.ErrorIs(t, msg.Warnings[0], message.ErrNonTextualBody)
	require.Contains(t, logs.String(), message.ErrNonTextualBody.Error())
}

func TestValidateWarningOnRejectedMessage(t *testing.T) {
	var logs bytes.Buffer
	p := newPipeline(t, crypto.Config{}, nil, zerolog.New(&logs))

	msg, err := p.Validate(message.BinaryWrapper("t1", []byte(`{"topic": "t2"}`)))

	require.ErrorIs(t, err, validation.ErrTopicMismatch)
	require.Equal(t, message.StateRejected, msg.State)
	require.Len(t, msg.Warnings, 1)

	out := logs.String()
	require.Contains(t, out, `"level":"warn"`)
	require.Contains(t, out, "validation: normalization warning")
	require.Contains(t, out, `"level":"debug"`)
	require.Contains(t, out, "validation: message rejected")
	require.NotContains(t, out, "accepted")
}

func TestValidateWrapperEmptyTopicIsCompared(t *testing.T) {
	p := newPipeline(t, crypto.Config{}, nil, zerolog.Nop())

	_, err := p.Validate(message.TextWrapper("", `{"topic": "x", "msg": {}}`))
	require.ErrorIs(t, err, validation.ErrTopicMismatch)

	msg, err := p.Validate(message.TextWrapper("", `{"topic": "", "msg": {}}`))
	require.NoError(t, err)
	require.Equal(t, message.StateAccepted, msg.State)
}

func TestValidateVerifierFailureIsSignatureInvalid(t *testing.T) {
	cause := errors.New("backend exploded")
	p := newPipeline(t, crypto.Config{ValidateSignatures: true}, &recordingVerifier{err: cause}, zerolog.Nop())

	_, err := p.Validate(message.TextWrapper("t1", `{"some": "stuff"}`))

	require.ErrorIs(t, err, validation.ErrSignatureInvalid)
	require.ErrorIs(t, err, cause)
}

func TestValidateNormalizationFailure(t *testing.T) {
	verifier := &recordingVerifier{}
	p := newPipeline(t, crypto.Config{ValidateSignatures: true}, verifier, zerolog.Nop())

	msg, err := p.Validate(message.TextWrapper("t1", `not json`))

	require.Nil(t, msg)
	require.ErrorIs(t, err, validation.ErrNormalization)
	require.Equal(t, validation.KindNormalization, validation.Classify(err))
	require.Zero(t, verifier.calls())
}

func TestValidateIsReentrant(t *testing.T) {
	verifier := &recordingVerifier{}
	p := newPipeline(t, crypto.Config{ValidateSignatures: true}, verifier, zerolog.Nop())

	const workers = 16
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Validate(message.TextWrapper("t1", `{"topic": "t1", "n": 1}`))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, workers, verifier.calls())
}

func TestClassify(t *testing.T) {
	require.Equal(t, validation.KindNone, validation.Classify(nil))
	require.Equal(t, validation.KindUnknown, validation.Classify(errors.New("boom")))
	require.Equal(t, validation.KindSignatureInvalid, validation.Classify(validation.WrapSignatureInvalid(nil)))
}
