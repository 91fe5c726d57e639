// Package dataset reads the Stanford Sentiment Treebank and serves fixed-size
// batches of token ids for the VAE trainer.
package dataset

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Binary sentiment labels.
const (
	Negative = 0
	Positive = 1
)

// NumLabels is the number of sentiment classes kept after dropping neutral sentences.
const NumLabels = 2

// Example is a lower-cased tokenized sentence with its binary label.
type Example struct {
	Words []string
	Label int
}

// Tree file names inside the SST archive.
const (
	TrainFile = "train.txt"
	DevFile   = "dev.txt"
	TestFile  = "test.txt"
)

// ReadTreesFile parses one PTB tree per line from path.
func ReadTreesFile(path string) ([]Example, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening trees file %q", path)
	}
	defer f.Close()
	examples, err := ReadTrees(f)
	if err != nil {
		return nil, errors.Wrapf(err, "reading trees file %q", path)
	}
	return examples, nil
}

// ReadTrees parses one PTB tree per line. Neutral roots (label 2) are dropped;
// labels 0 and 1 become Negative, 3 and 4 become Positive.
func ReadTrees(r io.Reader) ([]Example, error) {
	var examples []Example
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fine, words, err := parseTree(line)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", lineNo)
		}
		label, ok := binaryLabel(fine)
		if !ok {
			continue
		}
		examples = append(examples, Example{Words: words, Label: label})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return examples, nil
}

func binaryLabel(fine int) (int, bool) {
	switch fine {
	case 0, 1:
		return Negative, true
	case 3, 4:
		return Positive, true
	}
	return 0, false
}

// parseTree returns the root sentiment and the leaves of a tree such as
// "(3 (2 It) (4 (2 's) (3 good)))".
func parseTree(line string) (int, []string, error) {
	tokens := splitTree(line)
	if len(tokens) < 3 || tokens[0] != "(" {
		return 0, nil, errors.Errorf("malformed tree %q", line)
	}
	root, err := strconv.Atoi(tokens[1])
	if err != nil {
		return 0, nil, errors.Wrapf(err, "root label of %q", line)
	}

	var words []string
	depth := 0
	for i := 0; i < len(tokens); i++ {
		switch tokens[i] {
		case "(":
			depth++
			// A leaf is "(label word)".
			if i+3 < len(tokens) && tokens[i+2] != "(" && tokens[i+3] == ")" {
				words = append(words, normalizeLeaf(tokens[i+2]))
				i += 3
				depth--
			}
		case ")":
			depth--
		}
	}
	if depth != 0 {
		return 0, nil, errors.Errorf("unbalanced parentheses in %q", line)
	}
	return root, words, nil
}

func splitTree(line string) []string {
	var tokens []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}
	for _, r := range line {
		switch r {
		case '(', ')':
			flush()
			tokens = append(tokens, string(r))
		case ' ', '\t':
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return tokens
}

var bracketReplacer = strings.NewReplacer("-LRB-", "(", "-RRB-", ")")

func normalizeLeaf(w string) string {
	return strings.ToLower(bracketReplacer.Replace(w))
}

// FilterByLength keeps examples with at most maxWords tokens.
func FilterByLength(examples []Example, maxWords int) []Example {
	out := examples[:0:0]
	for _, ex := range examples {
		if len(ex.Words) > 0 && len(ex.Words) <= maxWords {
			out = append(out, ex)
		}
	}
	return out
}

// TreesPresent reports whether dir holds the train and dev tree files.
func TreesPresent(dir string) bool {
	for _, name := range []string{TrainFile, DevFile} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			return false
		}
	}
	return true
}
