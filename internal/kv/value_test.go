package kv

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTripValues(t *testing.T) {
	tree := NewMap()
	tree.Set("name", String("checkpoint.5"))
	tree.Set("id", Int(42))
	tree.Set("crc", Bin([]byte{0xde, 0xad, 0xbe, 0xef}))

	files := NewList()
	files.Append(String("rank0.ckpt"))
	files.Append(String("rank1.ckpt"))
	tree.Set("files", files)

	data, err := Marshal(tree)
	require.NoError(t, err)

	got, err := Unmarshal(data)
	require.NoError(t, err)

	name, ok := got.GetString("name")
	require.True(t, ok)
	require.Equal(t, "checkpoint.5", name)

	id, ok := got.GetInt("id")
	require.True(t, ok)
	require.Equal(t, int64(42), id)

	crcVal, ok := got.Get("crc")
	require.True(t, ok)
	crcBytes, ok := crcVal.AsBytes()
	require.True(t, ok)
	require.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, crcBytes)

	filesVal, ok := got.Get("files")
	require.True(t, ok)
	require.Len(t, filesVal.List, 2)
	s0, _ := filesVal.List[0].AsString()
	require.Equal(t, "rank0.ckpt", s0)
}

func TestMissingAccessors(t *testing.T) {
	tree := NewMap()
	_, ok := tree.Get("absent")
	require.False(t, ok)
	_, ok = tree.GetString("absent")
	require.False(t, ok)
	var nilVal *Value
	_, ok = nilVal.AsString()
	require.False(t, ok)
}

func TestWriteReadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "index.scrinfo")
	// WriteFile must create no parent dirs implicitly for the temp-file
	// rename to work; callers are expected to Mkdir the directory first.
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))

	tree := NewMap()
	tree.Set("current", String("ckpt.3"))

	require.NoError(t, WriteFile(path, tree))

	got, err := ReadFile(path)
	require.NoError(t, err)
	cur, ok := got.GetString("current")
	require.True(t, ok)
	require.Equal(t, "ckpt.3", cur)
}

func TestReadMissingFile(t *testing.T) {
	dir := t.TempDir()
	_, err := ReadFile(filepath.Join(dir, "nope.scrinfo"))
	require.Error(t, err)
}
