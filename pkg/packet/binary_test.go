package packet

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeconstructReconstruct(t *testing.T) {
	args := []any{
		"plain",
		[]byte{1, 2},
		map[string]any{
			"nested": []any{float64(1), []byte{3}, map[string]any{"deep": []byte{4, 5}}},
			"name":   "x",
		},
	}

	stripped, buffers := Deconstruct(args)
	require.Len(t, buffers, 3)
	assert.False(t, HasBinary(stripped))
	assert.True(t, HasBinary(args), "input must not be mutated")
	assert.Equal(t, 3, CountPlaceholders(stripped))
	assert.Equal(t, map[string]any{"_placeholder": true, "num": 0}, stripped[1])

	got, err := Reconstruct(stripped, buffers)
	require.NoError(t, err)
	assert.Equal(t, args, got)
}

func TestReconstructAfterJSONTransit(t *testing.T) {
	stripped, buffers := Deconstruct([]any{[]any{"a", []byte("bin")}})
	data, err := json.Marshal(stripped)
	require.NoError(t, err)

	var decoded []any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, 1, CountPlaceholders(decoded))

	got, err := Reconstruct(decoded, buffers)
	require.NoError(t, err)
	assert.Equal(t, []any{[]any{"a", []byte("bin")}}, got)
}

func TestReconstructOutOfRange(t *testing.T) {
	_, err := Reconstruct([]any{map[string]any{"_placeholder": true, "num": float64(2)}}, [][]byte{{1}})
	assert.ErrorIs(t, err, ErrInvalidAttachment)
}

func TestAttachmentFrames(t *testing.T) {
	frame := EncodeAttachment([]byte{0xde, 0xad})
	assert.True(t, IsAttachment(frame))
	assert.False(t, IsAttachment("5:::{}"))

	buf, err := DecodeAttachment(frame)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xde, 0xad}, buf)

	_, err = DecodeAttachment("b4***")
	assert.ErrorIs(t, err, ErrInvalidAttachment)
}
