package partition_test

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grailbio/fex/mmapio"
	"github.com/grailbio/fex/partition"
)

func writeFasta(t *testing.T, records int, bodyLen int) string {
	t.Helper()
	var buf bytes.Buffer
	for i := 0; i < records; i++ {
		buf.WriteString(">rec")
		buf.WriteByte(byte('0' + i%10))
		buf.WriteByte('\n')
		for j := 0; j < bodyLen; j++ {
			buf.WriteByte('A')
		}
		buf.WriteByte('\n')
	}
	dir := t.TempDir()
	path := dir + "/many.fa"
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func openFile(t *testing.T, path string) *os.File {
	t.Helper()
	f, err := mmapio.OpenReadOnly(path)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

// TestCoverageAndAlignment checks the universal properties from spec §8:
// ranges are contiguous, cover the whole file, and every non-first range
// begins exactly on a record boundary.
func TestCoverageAndAlignment(t *testing.T) {
	path := writeFasta(t, 400, 200)
	f := openFile(t, path)
	size, err := mmapio.Size(f)
	require.NoError(t, err)

	ranges, n, err := partition.Plan(f, 8)
	require.NoError(t, err)
	assert.True(t, n >= 1 && n <= 8)
	assert.Len(t, ranges, n)

	assert.Equal(t, int64(0), ranges[0].PageOffset+ranges[0].Skew)
	var prevEnd int64
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	for i, r := range ranges {
		assert.Equal(t, int64(0), r.PageOffset%int64(mmapio.PageSize), "range %d page-aligned", i)
		start := r.PageOffset + r.Skew
		if i > 0 {
			assert.Equal(t, prevEnd, start, "range %d contiguous with previous", i)
			assert.Equal(t, byte('>'), content[start], "range %d starts on a record", i)
			assert.Equal(t, byte('\n'), content[start-1], "byte before range %d start is a newline", i)
		}
		prevEnd = r.End()
	}
	assert.Equal(t, size, prevEnd, "ranges cover the whole file")
}

// TestSingleWorker exercises the whole-file case.
func TestSingleWorker(t *testing.T) {
	path := writeFasta(t, 10, 50)
	f := openFile(t, path)
	size, err := mmapio.Size(f)
	require.NoError(t, err)

	ranges, n, err := partition.Plan(f, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, ranges, 1)
	assert.Equal(t, partition.Range{PageOffset: 0, Skew: 0, Length: size}, ranges[0])
}

// TestShrinksWhenFileTooSmall reproduces the spec §4.2 scenario: a tiny file
// with a page size far larger than the file can't be usefully split among
// many workers, so the worker count shrinks until it can.
func TestShrinksWhenFileTooSmall(t *testing.T) {
	path := writeFasta(t, 1, 50)
	f := openFile(t, path)

	ranges, n, err := partition.Plan(f, 16)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, ranges, 1)
}

func TestPlanRejectsEmptyFile(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/empty.fa"
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	f := openFile(t, path)

	_, _, err := partition.Plan(f, 4)
	assert.Error(t, err)
}
