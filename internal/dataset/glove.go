package dataset

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// VocabVectors reads GloVe vectors from path and returns a row-major
// NVocab x dim matrix aligned with the dataset vocabulary. Words missing from
// the file, special tokens included, get zero vectors.
func (d *Dataset) VocabVectors(path string, dim int) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening vectors file %q", path)
	}
	defer f.Close()

	out, found, err := readVectors(f, d.vocab.Words(), dim)
	if err != nil {
		return nil, errors.Wrapf(err, "reading vectors file %q", path)
	}
	klog.Infof("pretrained vectors: %d of %d words found in %s", found, d.vocab.Size(), path)
	return out, nil
}

func readVectors(r io.Reader, words []string, dim int) ([]float64, int, error) {
	index := make(map[string]int, len(words))
	for i, w := range words {
		index[w] = i
	}
	out := make([]float64, len(words)*dim)
	seen := make([]bool, len(words))
	found := 0

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		id, ok := index[fields[0]]
		if !ok || seen[id] {
			continue
		}
		if len(fields)-1 != dim {
			return nil, 0, errors.Errorf("line %d: %d values, want %d", lineNo, len(fields)-1, dim)
		}
		row := out[id*dim : (id+1)*dim]
		for j, s := range fields[1:] {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, 0, errors.Wrapf(err, "line %d", lineNo)
			}
			row[j] = v
		}
		seen[id] = true
		found++
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, err
	}
	return out, found, nil
}
