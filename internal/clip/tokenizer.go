package clip

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

const (
	DefaultContextLength = 52

	tokenCLS = "[CLS]"
	tokenSEP = "[SEP]"
	tokenUNK = "[UNK]"
	tokenPAD = "[PAD]"

	maxWordChars = 200
)

// Tokenizer is the lower-casing BERT WordPiece tokenizer paired with the
// text encoder. It is immutable after construction.
type Tokenizer struct {
	vocab map[string]int64
	cls   int64
	sep   int64
	unk   int64
	pad   int64
}

func LoadVocab(path string) (*Tokenizer, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open vocab: %w", err)
	}
	defer file.Close()
	return NewTokenizer(file)
}

// NewTokenizer reads one token per line; the line number is the token id.
func NewTokenizer(r io.Reader) (*Tokenizer, error) {
	vocab := make(map[string]int64)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var id int64
	for scanner.Scan() {
		token := strings.TrimRight(scanner.Text(), "\r\n")
		if _, ok := vocab[token]; !ok {
			vocab[token] = id
		}
		id++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read vocab: %w", err)
	}
	t := &Tokenizer{vocab: vocab}
	for _, item := range []struct {
		name string
		dst  *int64
	}{
		{tokenCLS, &t.cls},
		{tokenSEP, &t.sep},
		{tokenUNK, &t.unk},
	} {
		v, ok := vocab[item.name]
		if !ok {
			return nil, fmt.Errorf("vocab is missing %s", item.name)
		}
		*item.dst = v
	}
	if v, ok := vocab[tokenPAD]; ok {
		t.pad = v
	}
	return t, nil
}

func (t *Tokenizer) VocabSize() int {
	return len(t.vocab)
}

// Encode returns exactly contextLength ids: [CLS], the truncated word pieces,
// [SEP], then padding.
func (t *Tokenizer) Encode(text string, contextLength int) ([]int64, error) {
	if !utf8.ValidString(text) {
		return nil, fmt.Errorf("text is not valid utf-8")
	}
	if contextLength <= 0 {
		contextLength = DefaultContextLength
	}
	if contextLength < 2 {
		return nil, fmt.Errorf("context length %d too small", contextLength)
	}
	pieces := t.Tokenize(text)
	if len(pieces) > contextLength-2 {
		pieces = pieces[:contextLength-2]
	}
	ids := make([]int64, contextLength)
	for i := range ids {
		ids[i] = t.pad
	}
	ids[0] = t.cls
	for i, piece := range pieces {
		ids[i+1] = t.id(piece)
	}
	ids[len(pieces)+1] = t.sep
	return ids, nil
}

func (t *Tokenizer) Tokenize(text string) []string {
	var out []string
	for _, word := range basicTokenize(text) {
		out = append(out, t.wordPiece(word)...)
	}
	return out
}

func (t *Tokenizer) id(token string) int64 {
	if v, ok := t.vocab[token]; ok {
		return v
	}
	return t.unk
}

// wordPiece splits a word greedily into the longest vocab entries, marking
// continuations with "##".
func (t *Tokenizer) wordPiece(word string) []string {
	runes := []rune(word)
	if len(runes) > maxWordChars {
		return []string{tokenUNK}
	}
	var pieces []string
	start := 0
	for start < len(runes) {
		end := len(runes)
		found := ""
		for start < end {
			sub := string(runes[start:end])
			if start > 0 {
				sub = "##" + sub
			}
			if _, ok := t.vocab[sub]; ok {
				found = sub
				break
			}
			end--
		}
		if found == "" {
			return []string{tokenUNK}
		}
		pieces = append(pieces, found)
		start = end
	}
	return pieces
}

func basicTokenize(text string) []string {
	var sb strings.Builder
	for _, r := range text {
		switch {
		case r == 0 || r == utf8.RuneError || isControl(r):
			continue
		case isWhitespace(r):
			sb.WriteRune(' ')
		case isCJK(r):
			sb.WriteRune(' ')
			sb.WriteRune(r)
			sb.WriteRune(' ')
		default:
			sb.WriteRune(r)
		}
	}
	var out []string
	for _, word := range strings.Fields(sb.String()) {
		word = stripAccents(strings.ToLower(word))
		out = append(out, splitPunctuation(word)...)
	}
	return out
}

func stripAccents(s string) string {
	var sb strings.Builder
	for _, r := range norm.NFD.String(s) {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func splitPunctuation(word string) []string {
	var out []string
	var cur []rune
	for _, r := range word {
		if isPunctuation(r) {
			if len(cur) > 0 {
				out = append(out, string(cur))
				cur = cur[:0]
			}
			out = append(out, string(r))
			continue
		}
		cur = append(cur, r)
	}
	if len(cur) > 0 {
		out = append(out, string(cur))
	}
	return out
}

func isWhitespace(r rune) bool {
	if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
		return true
	}
	return unicode.Is(unicode.Zs, r)
}

func isControl(r rune) bool {
	if r == '\t' || r == '\n' || r == '\r' {
		return false
	}
	return unicode.In(r, unicode.C) || !isAssigned(r)
}

func isAssigned(r rune) bool {
	return unicode.In(r, unicode.L, unicode.M, unicode.N, unicode.P, unicode.S, unicode.Z, unicode.C)
}

// ASCII symbols such as "^$`" count as punctuation even though unicode does
// not classify them so.
func isPunctuation(r rune) bool {
	if (r >= 33 && r <= 47) || (r >= 58 && r <= 64) || (r >= 91 && r <= 96) || (r >= 123 && r <= 126) {
		return true
	}
	return unicode.IsPunct(r)
}

func isCJK(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) ||
		(r >= 0x3400 && r <= 0x4DBF) ||
		(r >= 0x20000 && r <= 0x2A6DF) ||
		(r >= 0x2A700 && r <= 0x2B73F) ||
		(r >= 0x2B740 && r <= 0x2B81F) ||
		(r >= 0x2B820 && r <= 0x2CEAF) ||
		(r >= 0xF900 && r <= 0xFAFF) ||
		(r >= 0x2F800 && r <= 0x2FA1F)
}
