package tokenizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCharRoundTrip(t *testing.T) {
	tok, err := NewChar("abc ")
	require.NoError(t, err)
	enc := tok.Encode([]string{"a cab", "zz"})
	require.Len(t, enc.InputIDs, 2)
	assert.Equal(t, []int{0, 3, 2, 0, 1}, enc.InputIDs[0])
	// unknown runes are dropped
	assert.Empty(t, enc.InputIDs[1])
	assert.Equal(t, "a cab", tok.Decode(enc.InputIDs[0]))
	assert.Equal(t, 5, tok.VocabSize())
	assert.Equal(t, 4, tok.PadID())
}

func TestCharDefaultVocab(t *testing.T) {
	tok, err := NewChar("")
	require.NoError(t, err)
	text := "Great movie!"
	assert.Equal(t, text, tok.Decode(tok.Encode([]string{text}).InputIDs[0]))
}

func TestCharDuplicateVocab(t *testing.T) {
	_, err := NewChar("aba")
	require.Error(t, err)
}

func TestFixedLength(t *testing.T) {
	inner, err := NewChar("abcd")
	require.NoError(t, err)
	tok := FixedLength{Inner: inner, Length: 3}
	pad := inner.PadID()

	enc := tok.Encode([]string{"a", "abcd", "abc"})
	assert.Equal(t, []int{pad, pad, 0}, enc.InputIDs[0])
	assert.Equal(t, []int{1, 2, 3}, enc.InputIDs[1])
	assert.Equal(t, []int{0, 1, 2}, enc.InputIDs[2])
	for _, ids := range enc.InputIDs {
		assert.Len(t, ids, 3)
	}
	assert.Equal(t, "a", tok.Decode(enc.InputIDs[0]))
}

func TestNew(t *testing.T) {
	tok, err := New("char", "ab", "", 0)
	require.NoError(t, err)
	_, ok := tok.(*Char)
	assert.True(t, ok)

	tok, err = New("char", "ab", "", 4)
	require.NoError(t, err)
	_, ok = tok.(FixedLength)
	assert.True(t, ok)

	_, err = New("sentencepiece", "", "", 0)
	require.Error(t, err)
}

func TestBPEUnknownEncoding(t *testing.T) {
	_, err := NewBPE("gpt9_base")
	require.ErrorIs(t, err, ErrUnknownEncoding)

	_, err = New("bpe", "", "gpt9_base", 8)
	require.ErrorIs(t, err, ErrUnknownEncoding)
}

func TestBPEPadIDsPastEveryToken(t *testing.T) {
	// highest ordinary or special id of each encoding
	last := map[string]int{
		"r50k_base":   50256,
		"p50k_base":   50280,
		"p50k_edit":   50283,
		"cl100k_base": 100276,
		"o200k_base":  200018,
	}
	require.Len(t, bpePadIDs, len(last))
	for name, id := range last {
		assert.Equal(t, id+1, bpePadIDs[name], name)
		b := &BPE{name: name, padID: bpePadIDs[name]}
		assert.Equal(t, b.PadID()+1, b.VocabSize(), name)
	}
}
