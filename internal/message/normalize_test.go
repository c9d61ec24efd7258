package message

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeEnvelopeWithBodyTopicIsUnchanged(t *testing.T) {
	env := Envelope{"topic": "t1", "body": map[string]any{"topic": "t1", "x": 1}}

	msg, err := Normalize(env)
	require.NoError(t, err)

	require.Equal(t, "t1", msg.TopicName())
	require.Equal(t, map[string]any{"topic": "t1", "x": 1}, msg.Body)
	require.Equal(t, StateNormalized, msg.State)
	require.Empty(t, msg.Warnings)
}

func TestNormalizeEnvelopeWrapsBodyWithoutTopic(t *testing.T) {
	env := Envelope{"body": map[string]any{"some": "stuff"}}

	msg, err := Normalize(env)
	require.NoError(t, err)

	want := Envelope{"body": map[string]any{"topic": nil, "msg": map[string]any{"some": "stuff"}}}
	require.Equal(t, want, env)
	require.Nil(t, msg.Topic)
	require.Equal(t, want["body"], msg.Body)
}

func TestNormalizeEnvelopeWrapUsesOuterTopic(t *testing.T) {
	env := Envelope{"topic": "org.example.build", "body": map[string]any{"id": "42"}}

	msg, err := Normalize(env)
	require.NoError(t, err)
	require.Equal(t, map[string]any{
		"topic": "org.example.build",
		"msg":   map[string]any{"id": "42"},
	}, msg.Body)
}

func TestNormalizeEnvelopeWithoutBodyKey(t *testing.T) {
	env := Envelope{"some": "stuff", "count": 2}

	msg, err := Normalize(env)
	require.NoError(t, err)

	require.Nil(t, msg.Topic)
	require.Equal(t, map[string]any{
		"topic": nil,
		"msg":   map[string]any{"some": "stuff", "count": 2},
	}, msg.Body)
	require.Len(t, env, 1)
	require.Equal(t, msg.Body, env["body"])
}

func TestNormalizeEnvelopeStringBody(t *testing.T) {
	env := Envelope{"topic": "t1", "body": `{"topic": "t1", "n": 3}`}

	msg, err := Normalize(env)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"topic": "t1", "n": json.Number("3")}, msg.Body)
	require.Empty(t, msg.Warnings)
}

func TestNormalizeEnvelopeByteBodyWarns(t *testing.T) {
	env := Envelope{"topic": "t1", "body": []byte(`{"some": "stuff"}`)}

	msg, err := Normalize(env)
	require.NoError(t, err)
	require.Len(t, msg.Warnings, 1)
	require.ErrorIs(t, msg.Warnings[0], ErrNonTextualBody)
}

func TestNormalizeEnvelopeRejectsBadShapes(t *testing.T) {
	cases := map[string]Envelope{
		"nil body":         {"topic": "t1", "body": nil},
		"numeric body":     {"topic": "t1", "body": 12},
		"list body":        {"topic": "t1", "body": []any{"a"}},
		"non-string topic": {"topic": 7, "body": map[string]any{}},
		"bad json body":    {"topic": "t1", "body": "{not json"},
	}

	for name, env := range cases {
		env := env
		t.Run(name, func(t *testing.T) {
			_, err := Normalize(env)
			require.ErrorIs(t, err, ErrNormalization)
		})
	}
}

func TestNormalizeTextWrapper(t *testing.T) {
	msg, err := Normalize(TextWrapper("t1", `{"some": "stuff"}`))
	require.NoError(t, err)

	require.Equal(t, "t1", msg.TopicName())
	require.Equal(t, map[string]any{"topic": "t1", "msg": map[string]any{"some": "stuff"}}, msg.Body)
	require.Empty(t, msg.Warnings)
}

func TestNormalizeBinaryWrapperWarns(t *testing.T) {
	msg, err := Normalize(BinaryWrapper("t1", []byte(`{"some": "stuff"}`)))
	require.NoError(t, err)

	require.Equal(t, map[string]any{"topic": "t1", "msg": map[string]any{"some": "stuff"}}, msg.Body)
	require.Len(t, msg.Warnings, 1)
	require.True(t, errors.Is(msg.Warnings[0], ErrNonTextualBody))
}

func TestNormalizeWrapperKeepsBodyTopic(t *testing.T) {
	msg, err := Normalize(TextWrapper("t1", `{"topic": "t2", "msg": {}}`))
	require.NoError(t, err)

	topic, ok := msg.BodyTopic()
	require.True(t, ok)
	require.Equal(t, "t2", topic)
}

func TestNormalizeWrapperEmptyTopicIsPresent(t *testing.T) {
	msg, err := Normalize(TextWrapper("", `{"some": "stuff"}`))
	require.NoError(t, err)

	require.NotNil(t, msg.Topic)
	require.Equal(t, "", *msg.Topic)
	require.Equal(t, map[string]any{"topic": "", "msg": map[string]any{"some": "stuff"}}, msg.Body)
}

func TestNormalizeWrapperInvalidUTF8IsBestEffort(t *testing.T) {
	body := []byte("{\"name\": \"caf\xe9\"}")

	msg, err := Normalize(Wrapper{Topic: "t1", Body: body, Encoding: EncodingText})
	require.NoError(t, err)
	require.Len(t, msg.Warnings, 1)
	require.Equal(t, "caf\uFFFD", msg.Body["msg"].(map[string]any)["name"])
}

func TestNormalizeWrapperRejectsNonObjects(t *testing.T) {
	bodies := []string{``, `null`, `[1,2]`, `"text"`, `{"a":1} trailing`, `{"a":`}

	for _, body := range bodies {
		body := body
		t.Run(body, func(t *testing.T) {
			_, err := Normalize(TextWrapper("t1", body))
			require.ErrorIs(t, err, ErrNormalization)
		})
	}
}

func TestNormalizeNilInputs(t *testing.T) {
	_, err := Normalize(nil)
	require.ErrorIs(t, err, ErrNormalization)

	var w *Wrapper
	_, err = Normalize(w)
	require.ErrorIs(t, err, ErrNormalization)

	_, err = Normalize(Envelope(nil))
	require.ErrorIs(t, err, ErrNormalization)
}

func TestDetectWrapper(t *testing.T) {
	require.Equal(t, EncodingText, DetectWrapper("t", []byte(`{}`)).Encoding)
	require.Equal(t, EncodingBinary, DetectWrapper("t", []byte{0xff, 0xfe}).Encoding)
}
