package vocab

import (
	"go/ast"
	"go/doc"
	"go/parser"
	"go/token"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpecialTokenIDs(t *testing.T) {
	v := New()
	assert.Equal(t, 4, v.Size())
	assert.Equal(t, UnkID, v.ID(Unk))
	assert.Equal(t, PadID, v.ID(Pad))
	assert.Equal(t, StartID, v.ID(Start))
	assert.Equal(t, EOSID, v.ID(EOS))
}

func TestBuildOrdersByFrequency(t *testing.T) {
	sents := [][]string{
		{"the", "movie", "is", "good"},
		{"the", "movie", "is", "bad"},
		{"the", "end"},
	}
	v := Build(sents, 1, 0)
	assert.Equal(t, 4+6, v.Size())
	assert.Equal(t, "the", v.Word(4))
	// "is" and "movie" both appear twice; ties are lexical.
	assert.Equal(t, "is", v.Word(5))
	assert.Equal(t, "movie", v.Word(6))

	capped := Build(sents, 2, 0)
	assert.Equal(t, 4+3, capped.Size())
	assert.Equal(t, UnkID, capped.ID("good"))

	small := Build(sents, 1, 2)
	assert.Equal(t, 6, small.Size())
}

func TestEncodeAndSentence(t *testing.T) {
	v := Build([][]string{{"a", "fine", "film"}}, 1, 0)
	ids := v.Encode([]string{"a", "fine", "mess"})
	require.Len(t, ids, 3)
	assert.Equal(t, UnkID, ids[2])

	seq := append([]int{StartID}, v.Encode([]string{"a", "fine", "film"})...)
	seq = append(seq, EOSID, PadID, PadID)
	assert.Equal(t, "<start> a fine film <eos>", v.IdxsToSentence(seq))
	assert.Equal(t, Unk, v.Word(1000))
}

func TestSaveLoad(t *testing.T) {
	v := Build([][]string{{"good", "bad", "good"}}, 1, 0)
	path := filepath.Join(t.TempDir(), "vocab.json")
	require.NoError(t, v.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, v.Words(), loaded.Words())
	assert.Equal(t, v.ID("bad"), loaded.ID("bad"))
}

func TestExportedNamesAreDocumented(t *testing.T) {
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, "vocab.go", nil, parser.ParseComments)
	require.NoError(t, err)
	pkg, err := doc.NewFromFiles(fset, []*ast.File{f}, "ctextgen/internal/vocab")
	require.NoError(t, err)

	assert.NotEmpty(t, pkg.Doc, "package comment")
	for _, c := range pkg.Consts {
		assert.NotEmpty(t, c.Doc, "constants %v", c.Names)
	}
	for _, fn := range pkg.Funcs {
		assert.NotEmpty(t, fn.Doc, fn.Name)
	}
	for _, typ := range pkg.Types {
		assert.NotEmpty(t, typ.Doc, typ.Name)
		for _, fn := range append(typ.Funcs, typ.Methods...) {
			assert.NotEmpty(t, fn.Doc, "%s.%s", typ.Name, fn.Name)
		}
	}
}
