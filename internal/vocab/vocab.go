// Package vocab maps sentence tokens to dense ids. The special tokens <unk>,
// <pad>, <start> and <eos> always take ids 0 to 3, and a vocabulary saved as
// JSON next to a checkpoint reproduces the same ids when sampling.
package vocab

import (
	"encoding/json"
	"os"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Special tokens, always at the start of the vocabulary in this order.
const (
	Unk   = "<unk>"
	Pad   = "<pad>"
	Start = "<start>"
	EOS   = "<eos>"
)

// Ids of the special tokens.
const (
	UnkID = iota
	PadID
	StartID
	EOSID
)

var specials = []string{Unk, Pad, Start, EOS}

// Vocab is a word list with its reverse index and the word counts seen while
// building it. Lookups of unknown words and out-of-range ids fall back to
// <unk>.
type Vocab struct {
	toID   map[string]int
	toWord []string
	counts map[string]int
}

// New returns a vocabulary holding only the special tokens.
func New() *Vocab {
	v := &Vocab{
		toID:   make(map[string]int),
		counts: make(map[string]int),
	}
	for _, s := range specials {
		v.add(s)
	}
	return v
}

func (v *Vocab) add(word string) int {
	if id, ok := v.toID[word]; ok {
		return id
	}
	id := len(v.toWord)
	v.toID[word] = id
	v.toWord = append(v.toWord, word)
	return id
}

// Build creates a vocabulary from tokenized sentences. Words seen fewer than
// minFreq times are left out; maxSize caps the number of regular words (0 means no cap).
func Build(sentences [][]string, minFreq, maxSize int) *Vocab {
	v := New()
	for _, sent := range sentences {
		for _, w := range sent {
			v.counts[w]++
		}
	}

	type wordFreq struct {
		word string
		freq int
	}
	var words []wordFreq
	for w, f := range v.counts {
		if f < minFreq || isSpecial(w) {
			continue
		}
		words = append(words, wordFreq{w, f})
	}
	// Most frequent first, ties broken lexically so ids are stable across runs.
	sort.Slice(words, func(i, j int) bool {
		if words[i].freq != words[j].freq {
			return words[i].freq > words[j].freq
		}
		return words[i].word < words[j].word
	})
	if maxSize > 0 && len(words) > maxSize {
		words = words[:maxSize]
	}
	for _, wf := range words {
		v.add(wf.word)
	}
	return v
}

func isSpecial(w string) bool {
	for _, s := range specials {
		if w == s {
			return true
		}
	}
	return false
}

// Size is the number of entries, special tokens included.
func (v *Vocab) Size() int {
	return len(v.toWord)
}

// ID returns the index of word, or UnkID.
func (v *Vocab) ID(word string) int {
	if id, ok := v.toID[word]; ok {
		return id
	}
	return UnkID
}

// Word returns the token at id, or Unk when out of range.
func (v *Vocab) Word(id int) string {
	if id < 0 || id >= len(v.toWord) {
		return Unk
	}
	return v.toWord[id]
}

// Words lists the tokens in id order.
func (v *Vocab) Words() []string {
	return append([]string(nil), v.toWord...)
}

// Encode converts words to ids, unknown words map to UnkID.
func (v *Vocab) Encode(words []string) []int {
	ids := make([]int, len(words))
	for i, w := range words {
		ids[i] = v.ID(w)
	}
	return ids
}

// IdxsToSentence joins the tokens for ids with spaces, skipping padding.
func (v *Vocab) IdxsToSentence(ids []int) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == PadID {
			continue
		}
		parts = append(parts, v.Word(id))
	}
	return strings.Join(parts, " ")
}

type vocabData struct {
	Words []string `json:"words"`
	Size  int      `json:"size"`
}

// Save writes the vocabulary as JSON.
func (v *Vocab) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating vocabulary file %q", path)
	}
	defer f.Close()

	encoder := json.NewEncoder(f)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(vocabData{Words: v.toWord, Size: len(v.toWord)}); err != nil {
		return errors.Wrapf(err, "writing vocabulary file %q", path)
	}
	return nil
}

// Load reads a vocabulary written by Save.
func Load(path string) (*Vocab, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening vocabulary file %q", path)
	}
	defer f.Close()

	var data vocabData
	if err := json.NewDecoder(f).Decode(&data); err != nil {
		return nil, errors.Wrapf(err, "decoding vocabulary file %q", path)
	}
	if len(data.Words) < len(specials) {
		return nil, errors.Errorf("vocabulary file %q has %d entries, want at least %d", path, len(data.Words), len(specials))
	}
	for i, s := range specials {
		if data.Words[i] != s {
			return nil, errors.Errorf("vocabulary file %q: entry %d is %q, want %q", path, i, data.Words[i], s)
		}
	}
	v := &Vocab{
		toID:   make(map[string]int, len(data.Words)),
		counts: make(map[string]int),
	}
	for _, w := range data.Words {
		v.add(w)
	}
	return v, nil
}
