// Package tokenizer applies the vocabulary embedded in a model container.
// Encoding uses the vocabulary's own merge table when one is present and
// greedy longest-match otherwise; bytes with no piece fall back to the
// <0xNN> byte tokens rather than failing.
package tokenizer

import (
	"fmt"
	"strings"

	"github.com/23skdu/longbow-bodkin/internal/gguf"
)

const spmSpace = "▁" // sentencepiece space marker

type pair struct {
	left, right string
}

type Tokenizer struct {
	Tokens []string
	Vocab  map[string]int
	Scores []float32

	ranks      map[pair]int
	byteTokens [256]int
	byteOf     map[int]byte
	spm        bool

	BOS int
	EOS int
}

// FromFile builds a tokenizer from container metadata. The container stays
// owned by the caller; only metadata is read.
func FromFile(f *gguf.File) (*Tokenizer, error) {
	tokens, ok := f.StrArray("tokenizer.ggml.tokens")
	if !ok {
		return nil, fmt.Errorf("tokenizer.ggml.tokens not found in container")
	}

	t := &Tokenizer{
		Tokens: tokens,
		Vocab:  make(map[string]int, len(tokens)),
		byteOf: make(map[int]byte),
		BOS:    -1,
		EOS:    -1,
	}
	for i := range t.byteTokens {
		t.byteTokens[i] = -1
	}
	for i, tok := range tokens {
		t.Vocab[tok] = i
		if len(tok) == 6 && strings.HasPrefix(tok, "<0x") && tok[5] == '>' {
			var b int
			if _, err := fmt.Sscanf(tok, "<0x%02X>", &b); err == nil && b >= 0 && b < 256 {
				t.byteTokens[b] = i
				t.byteOf[i] = byte(b)
			}
		}
		if !t.spm && strings.Contains(tok, spmSpace) {
			t.spm = true
		}
	}

	if scores, ok := f.F32Array("tokenizer.ggml.scores"); ok {
		t.Scores = scores
	}
	if merges, ok := f.StrArray("tokenizer.ggml.merges"); ok && len(merges) > 0 {
		t.ranks = make(map[pair]int, len(merges))
		for rank, m := range merges {
			left, right, found := strings.Cut(m, " ")
			if !found {
				continue
			}
			t.ranks[pair{left, right}] = rank
		}
	}
	if id, ok := f.Int("tokenizer.ggml.bos_token_id"); ok {
		t.BOS = id
	}
	if id, ok := f.Int("tokenizer.ggml.eos_token_id"); ok {
		t.EOS = id
	}

	return t, nil
}

// VocabSize returns the number of pieces.
func (t *Tokenizer) VocabSize() int {
	return len(t.Tokens)
}

// IsEOS reports whether id is the end-of-sequence token.
func (t *Tokenizer) IsEOS(id int) bool {
	return t.EOS >= 0 && id == t.EOS
}

// Encode converts text into token ids. With a merge table the pieces are
// combined in learned merge order; otherwise greedy longest-match against
// the vocabulary. Bytes not representable as pieces become byte tokens.
func (t *Tokenizer) Encode(text string) []int {
	if t.spm {
		text = strings.ReplaceAll(text, " ", spmSpace)
	}
	if t.ranks != nil {
		return t.encodeBPE(text)
	}
	return t.encodeGreedy(text)
}

func (t *Tokenizer) encodeBPE(text string) []int {
	// Initial symbols: one piece per rune when the vocabulary has it,
	// byte tokens otherwise.
	var symbols []string
	for _, r := range text {
		s := string(r)
		if _, ok := t.Vocab[s]; ok {
			symbols = append(symbols, s)
			continue
		}
		for _, b := range []byte(s) {
			symbols = append(symbols, t.bytePiece(b))
		}
	}

	// Merge the adjacent pair with the lowest rank until none applies.
	for len(symbols) > 1 {
		bestRank := -1
		bestIdx := -1
		for i := 0; i < len(symbols)-1; i++ {
			rank, ok := t.ranks[pair{symbols[i], symbols[i+1]}]
			if !ok {
				continue
			}
			if bestRank < 0 || rank < bestRank {
				bestRank = rank
				bestIdx = i
			}
		}
		if bestIdx < 0 {
			break
		}
		merged := symbols[bestIdx] + symbols[bestIdx+1]
		symbols = append(symbols[:bestIdx+1], symbols[bestIdx+2:]...)
		symbols[bestIdx] = merged
	}

	ids := make([]int, 0, len(symbols))
	for _, s := range symbols {
		if id, ok := t.Vocab[s]; ok {
			ids = append(ids, id)
			continue
		}
		// A merged symbol outside the vocabulary degrades to bytes.
		for _, b := range []byte(s) {
			if id := t.byteTokens[b]; id >= 0 {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

func (t *Tokenizer) encodeGreedy(text string) []int {
	var ids []int
	for i := 0; i < len(text); {
		// Longest vocabulary piece starting at i.
		end := len(text)
		matched := false
		for end > i {
			if id, ok := t.Vocab[text[i:end]]; ok {
				ids = append(ids, id)
				i = end
				matched = true
				break
			}
			end--
		}
		if matched {
			continue
		}
		if id := t.byteTokens[text[i]]; id >= 0 {
			ids = append(ids, id)
		}
		i++
	}
	return ids
}

func (t *Tokenizer) bytePiece(b byte) string {
	if id := t.byteTokens[b]; id >= 0 {
		return t.Tokens[id]
	}
	return string([]byte{b})
}

// Decode converts token ids back into text. Byte tokens emit their raw
// byte; out-of-range ids are skipped.
func (t *Tokenizer) Decode(ids []int) string {
	var sb strings.Builder
	for _, id := range ids {
		if id < 0 || id >= len(t.Tokens) {
			continue
		}
		piece := t.Tokens[id]
		if b, ok := t.byteValue(id); ok {
			sb.WriteByte(b)
			continue
		}
		if t.spm {
			piece = strings.ReplaceAll(piece, spmSpace, " ")
		}
		sb.WriteString(piece)
	}
	return sb.String()
}

func (t *Tokenizer) byteValue(id int) (byte, bool) {
	b, ok := t.byteOf[id]
	return b, ok
}
