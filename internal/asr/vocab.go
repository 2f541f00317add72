package asr

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

const (
	// BlankToken is the RNNT blank symbol in the Parakeet vocabulary.
	BlankToken = "<blk>"
	// StartToken marks the start of transcription in some exports.
	StartToken = "<|startoftranscript|>"

	// wordBoundary is the SentencePiece word-start marker.
	wordBoundary = "▁"
)

// Vocabulary maps token ids to their text pieces.
type Vocabulary struct {
	tokens  []string
	blankID int
	startID int
}

// LoadVocabulary parses a vocab file of "token index" lines. Tokens
// may contain whitespace-free pieces only; the last field on each line
// is the index. Malformed lines are skipped.
func LoadVocabulary(path string) (*Vocabulary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open vocab file: %w", err)
	}
	defer f.Close()

	type entry struct {
		idx int
		tok string
	}

	var entries []entry
	maxIdx := -1

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}

		idx, err := strconv.Atoi(parts[len(parts)-1])
		if err != nil {
			continue
		}

		entries = append(entries, entry{idx: idx, tok: parts[0]})
		if idx > maxIdx {
			maxIdx = idx
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read vocab file: %w", err)
	}

	if len(entries) == 0 {
		return nil, fmt.Errorf("vocab file %s has no valid entries", path)
	}

	tokens := make([]string, maxIdx+1)
	for _, e := range entries {
		tokens[e.idx] = e.tok
	}

	v := &Vocabulary{
		tokens:  tokens,
		blankID: -1,
		startID: -1,
	}
	for i, tok := range tokens {
		switch tok {
		case BlankToken:
			v.blankID = i
		case StartToken:
			v.startID = i
		}
	}
	if v.blankID < 0 {
		// Parakeet exports place blank last when unlabeled.
		v.blankID = len(tokens) - 1
	}

	return v, nil
}

// Size returns the number of token ids.
func (v *Vocabulary) Size() int { return len(v.tokens) }

// BlankID returns the blank token id.
func (v *Vocabulary) BlankID() int { return v.blankID }

// StartID returns the start token id, or -1 if absent.
func (v *Vocabulary) StartID() int { return v.startID }

// Token returns the piece for id, or "" when out of range.
func (v *Vocabulary) Token(id int) string {
	if id < 0 || id >= len(v.tokens) {
		return ""
	}
	return v.tokens[id]
}

// Detokenize converts a token id sequence to text. Special tokens of
// the form <...> are dropped, the SentencePiece word boundary marker
// becomes a space, and whitespace is collapsed.
func (v *Vocabulary) Detokenize(tokens []int) string {
	var sb strings.Builder
	for _, id := range tokens {
		tok := v.Token(id)
		if tok == "" || tok == BlankToken {
			continue
		}
		if strings.HasPrefix(tok, "<|") ||
			(strings.HasPrefix(tok, "<") && strings.HasSuffix(tok, ">")) {
			continue
		}
		sb.WriteString(strings.ReplaceAll(tok, wordBoundary, " "))
	}

	return strings.Join(strings.Fields(sb.String()), " ")
}
