package dataset

import (
	"math/rand"
	"path/filepath"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"ctextgen/internal/vocab"
)

// Options configures how the corpus is read and batched.
type Options struct {
	Dir       string
	BatchSize int
	MaxWords  int
	MinFreq   int
	MaxVocab  int
	Seed      int64
}

// Batch is a minibatch of fixed-length sequences. Inputs[b] holds
// <start>, the words, <eos> and then <pad> up to SeqLen.
type Batch struct {
	Inputs  [][]int
	Lengths []int
	Labels  []int
}

// Size is the number of sequences in the batch.
func (b Batch) Size() int {
	return len(b.Inputs)
}

// Sentence returns the tokens of sequence i without padding.
func (b Batch) Sentence(i int) []int {
	return b.Inputs[i][:b.Lengths[i]]
}

type encoded struct {
	ids   []int
	label int
}

// Dataset serves an endless shuffled stream of training batches and
// sequential validation batches.
type Dataset struct {
	vocab     *vocab.Vocab
	train     []encoded
	val       []encoded
	batchSize int
	seqLen    int

	rng   *rand.Rand
	order []int
	pos   int
	epoch int

	valPos int
}

// Load reads the SST train and dev trees under opts.Dir.
func Load(opts Options) (*Dataset, error) {
	train, err := ReadTreesFile(filepath.Join(opts.Dir, TrainFile))
	if err != nil {
		return nil, err
	}
	val, err := ReadTreesFile(filepath.Join(opts.Dir, DevFile))
	if err != nil {
		return nil, err
	}
	return New(train, val, opts)
}

// New builds the vocabulary from train and prepares both splits.
func New(train, val []Example, opts Options) (*Dataset, error) {
	if opts.BatchSize <= 0 {
		return nil, errors.Errorf("batch size must be > 0 (got %d)", opts.BatchSize)
	}
	if opts.MaxWords <= 0 {
		return nil, errors.Errorf("max words must be > 0 (got %d)", opts.MaxWords)
	}
	if opts.MinFreq <= 0 {
		opts.MinFreq = 1
	}
	train = FilterByLength(train, opts.MaxWords)
	val = FilterByLength(val, opts.MaxWords)
	if len(train) == 0 {
		return nil, errors.New("no training sentences left after filtering")
	}

	sentences := make([][]string, len(train))
	for i, ex := range train {
		sentences[i] = ex.Words
	}
	d := &Dataset{
		vocab:     vocab.Build(sentences, opts.MinFreq, opts.MaxVocab),
		batchSize: opts.BatchSize,
		seqLen:    opts.MaxWords + 2,
		rng:       rand.New(rand.NewSource(opts.Seed)),
	}
	d.train = d.encodeAll(train)
	d.val = d.encodeAll(val)
	d.reshuffle()

	klog.V(1).Infof("dataset: %d train, %d val sentences, vocabulary %d", len(d.train), len(d.val), d.vocab.Size())
	return d, nil
}

func (d *Dataset) encodeAll(examples []Example) []encoded {
	out := make([]encoded, len(examples))
	for i, ex := range examples {
		ids := make([]int, 0, len(ex.Words)+2)
		ids = append(ids, vocab.StartID)
		ids = append(ids, d.vocab.Encode(ex.Words)...)
		ids = append(ids, vocab.EOSID)
		out[i] = encoded{ids: ids, label: ex.Label}
	}
	return out
}

func (d *Dataset) reshuffle() {
	if d.order == nil {
		d.order = make([]int, len(d.train))
		for i := range d.order {
			d.order[i] = i
		}
	}
	d.rng.Shuffle(len(d.order), func(i, j int) {
		d.order[i], d.order[j] = d.order[j], d.order[i]
	})
	d.pos = 0
}

// NextBatch returns the next BatchSize training sequences. It never runs dry:
// when an epoch ends the order is reshuffled and the batch is completed from the next one.
func (d *Dataset) NextBatch() Batch {
	b := d.newBatch()
	for len(b.Inputs) < d.batchSize {
		if d.pos >= len(d.order) {
			d.epoch++
			d.reshuffle()
		}
		d.appendTo(&b, d.train[d.order[d.pos]])
		d.pos++
	}
	return b
}

// ValBatch returns the next BatchSize validation sequences, cycling through the
// dev split in order. It returns false when there is no validation data.
func (d *Dataset) ValBatch() (Batch, bool) {
	if len(d.val) == 0 {
		return Batch{}, false
	}
	b := d.newBatch()
	for len(b.Inputs) < d.batchSize {
		d.appendTo(&b, d.val[d.valPos%len(d.val)])
		d.valPos++
	}
	return b, true
}

func (d *Dataset) newBatch() Batch {
	return Batch{
		Inputs:  make([][]int, 0, d.batchSize),
		Lengths: make([]int, 0, d.batchSize),
		Labels:  make([]int, 0, d.batchSize),
	}
}

func (d *Dataset) appendTo(b *Batch, ex encoded) {
	row := make([]int, d.seqLen)
	n := copy(row, ex.ids)
	for i := n; i < d.seqLen; i++ {
		row[i] = vocab.PadID
	}
	b.Inputs = append(b.Inputs, row)
	b.Lengths = append(b.Lengths, n)
	b.Labels = append(b.Labels, ex.label)
}

// Vocab returns the training vocabulary.
func (d *Dataset) Vocab() *vocab.Vocab { return d.vocab }

// NVocab is the vocabulary size.
func (d *Dataset) NVocab() int { return d.vocab.Size() }

// SeqLen is the padded sequence length of every batch.
func (d *Dataset) SeqLen() int { return d.seqLen }

// BatchSize is the number of sequences per batch.
func (d *Dataset) BatchSize() int { return d.batchSize }

// Epoch counts completed passes over the training split.
func (d *Dataset) Epoch() int { return d.epoch }

// NumTrain is the number of training sentences kept.
func (d *Dataset) NumTrain() int { return len(d.train) }

// IdxsToSentence renders token ids as text.
func (d *Dataset) IdxsToSentence(ids []int) string {
	return d.vocab.IdxsToSentence(ids)
}
