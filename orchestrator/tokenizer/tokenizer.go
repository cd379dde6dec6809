package tokenizer

import (
	"errors"
	"fmt"
	"strings"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// Encoding mirrors the shape returned by HF tokenizers: one row of ids per input text.
type Encoding struct {
	InputIDs [][]int `json:"input_ids"`
}

type Tokenizer interface {
	Encode(texts []string) Encoding
	Decode(tokens []int) string
	VocabSize() int
	PadID() int
}

// PrintableASCII is the default character vocabulary.
const PrintableASCII = " !\"#$%&'()*+,-./0123456789:;<=>?@ABCDEFGHIJKLMNOPQRSTUVWXYZ[\\]^_`abcdefghijklmnopqrstuvwxyz{|}~"

// Char maps each rune of a fixed vocab to its index. Runes outside the vocab
// are dropped. The id after the last vocab entry is reserved for padding.
type Char struct {
	charToID map[rune]int
	idToChar []rune
}

func NewChar(vocab string) (*Char, error) {
	if vocab == "" {
		vocab = PrintableASCII
	}
	c := &Char{charToID: map[rune]int{}}
	for _, r := range vocab {
		if _, ok := c.charToID[r]; ok {
			return nil, fmt.Errorf("duplicate vocab rune %q", r)
		}
		c.charToID[r] = len(c.idToChar)
		c.idToChar = append(c.idToChar, r)
	}
	return c, nil
}

func (c *Char) Encode(texts []string) Encoding {
	enc := Encoding{InputIDs: make([][]int, len(texts))}
	for i, text := range texts {
		ids := make([]int, 0, len(text))
		for _, r := range text {
			if id, ok := c.charToID[r]; ok {
				ids = append(ids, id)
			}
		}
		enc.InputIDs[i] = ids
	}
	return enc
}

func (c *Char) Decode(tokens []int) string {
	var sb strings.Builder
	for _, id := range tokens {
		if id >= 0 && id < len(c.idToChar) {
			sb.WriteRune(c.idToChar[id])
		}
	}
	return sb.String()
}

func (c *Char) VocabSize() int {
	return len(c.idToChar) + 1
}

func (c *Char) PadID() int {
	return len(c.idToChar)
}

// BPE wraps a tiktoken encoding.
type BPE struct {
	name  string
	enc   *tiktoken.Tiktoken
	padID int
}

// bpePadIDs holds the first id past every ordinary and special token of each
// known encoding.
var bpePadIDs = map[string]int{
	"r50k_base":   50257,
	"p50k_base":   50281,
	"p50k_edit":   50284,
	"cl100k_base": 100277,
	"o200k_base":  200019,
}

var ErrUnknownEncoding = errors.New("unknown bpe encoding")

// NewBPE loads the named encoding. tiktoken downloads the ranks on first use
// unless TIKTOKEN_CACHE_DIR points at a warm cache.
func NewBPE(encoding string) (*BPE, error) {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	padID, ok := bpePadIDs[encoding]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEncoding, encoding)
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("loading bpe encoding %s: %w", encoding, err)
	}
	return &BPE{name: encoding, enc: enc, padID: padID}, nil
}

func (b *BPE) Encode(texts []string) Encoding {
	enc := Encoding{InputIDs: make([][]int, len(texts))}
	for i, text := range texts {
		enc.InputIDs[i] = b.enc.EncodeOrdinary(text)
	}
	return enc
}

func (b *BPE) Decode(tokens []int) string {
	return b.enc.Decode(tokens)
}

// The pad id is the last id of the vocabulary.
func (b *BPE) VocabSize() int {
	return b.padID + 1
}

func (b *BPE) PadID() int {
	return b.padID
}

// FixedLength left-pads or left-truncates every encoding to Length tokens so
// that prompt batches always collate.
type FixedLength struct {
	Inner  Tokenizer
	Length int
}

func (f FixedLength) Encode(texts []string) Encoding {
	enc := f.Inner.Encode(texts)
	pad := f.Inner.PadID()
	for i, ids := range enc.InputIDs {
		enc.InputIDs[i] = fit(ids, f.Length, pad)
	}
	return enc
}

func fit(ids []int, length, pad int) []int {
	if len(ids) >= length {
		// keep the end of the prompt: that's what the policy continues from
		return append([]int(nil), ids[len(ids)-length:]...)
	}
	out := make([]int, length)
	offset := length - len(ids)
	for i := 0; i < offset; i++ {
		out[i] = pad
	}
	copy(out[offset:], ids)
	return out
}

func (f FixedLength) Decode(tokens []int) string {
	pad := f.Inner.PadID()
	kept := make([]int, 0, len(tokens))
	for _, id := range tokens {
		if id != pad {
			kept = append(kept, id)
		}
	}
	return f.Inner.Decode(kept)
}

func (f FixedLength) VocabSize() int {
	return f.Inner.VocabSize()
}

func (f FixedLength) PadID() int {
	return f.Inner.PadID()
}

// New builds the tokenizer named in config. length > 0 wraps it in FixedLength.
func New(kind, vocab, bpeEncoding string, length int) (Tokenizer, error) {
	var (
		tok Tokenizer
		err error
	)
	switch kind {
	case "", "char":
		tok, err = NewChar(vocab)
	case "bpe":
		tok, err = NewBPE(bpeEncoding)
	default:
		return nil, fmt.Errorf("unknown tokenizer %q", kind)
	}
	if err != nil {
		return nil, err
	}
	if length > 0 {
		return FixedLength{Inner: tok, Length: length}, nil
	}
	return tok, nil
}
