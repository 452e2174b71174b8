package config_test

import (
	"math"
	"os"
	"testing"

	"github.com/grailbio/base/vcontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grailbio/fex/config"
	"github.com/grailbio/fex/coordinator"
	"github.com/grailbio/fex/selector"
)

func writeTemp(t *testing.T, data string) string {
	t.Helper()
	dir := t.TempDir()
	path := dir + "/in.fa"
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	return path
}

func TestValidateRequiresQueryFile(t *testing.T) {
	_, err := config.Validate(vcontext.Background(), config.Options{})
	require.Error(t, err)
}

func TestValidateRejectsQueryEqualsOutput(t *testing.T) {
	in := writeTemp(t, ">a\nACGT\n")
	_, err := config.Validate(vcontext.Background(), config.Options{QueryFile: in, OutputFile: in})
	require.Error(t, err)
}

func TestValidateRejectsQueryEqualsBlastTable(t *testing.T) {
	in := writeTemp(t, ">a\nACGT\n")
	_, err := config.Validate(vcontext.Background(), config.Options{
		QueryFile:  in,
		OutputFile: in + ".out",
		Mode:       config.ModeLookupBlastTable,
		BlastTable: in,
	})
	require.Error(t, err)
}

func TestValidateRejectsBothLookupVariants(t *testing.T) {
	in := writeTemp(t, ">a\nACGT\n")
	hits := in + ".hits"
	require.NoError(t, os.WriteFile(hits, []byte("a\n"), 0o644))
	_, err := config.Validate(vcontext.Background(), config.Options{
		QueryFile:  in,
		OutputFile: in + ".out",
		Mode:       config.ModeLookupBlastTable,
		BlastTable: hits,
		IDList:     hits,
	})
	require.Error(t, err)
}

func TestValidateRejectsModeExclusivity(t *testing.T) {
	in := writeTemp(t, ">a\nACGT\n")
	hits := in + ".hits"
	require.NoError(t, os.WriteFile(hits, []byte("a\n"), 0o644))
	_, err := config.Validate(vcontext.Background(), config.Options{
		QueryFile:  in,
		OutputFile: in + ".out",
		Mode:       config.ModeLookupIDList,
		IDList:     hits,
		Lengths:    []int{6},
	})
	require.Error(t, err)
}

func TestValidateRejectsPipelineSelectorOutOfRange(t *testing.T) {
	in := writeTemp(t, ">a\nACGT\n")
	_, err := config.Validate(vcontext.Background(), config.Options{
		QueryFile:  in,
		OutputFile: in + ".out",
		Mode:       config.Mode(7),
	})
	require.Error(t, err)
}

func TestValidateRejectsMusclePipeline(t *testing.T) {
	in := writeTemp(t, ">a\nACGT\n")
	_, err := config.Validate(vcontext.Background(), config.Options{
		QueryFile:  in,
		OutputFile: in + ".out",
		Mode:       config.Mode(3),
	})
	require.Error(t, err)
}

func TestValidateRejectsTooManyLengths(t *testing.T) {
	in := writeTemp(t, ">a\nACGT\n")
	_, err := config.Validate(vcontext.Background(), config.Options{
		QueryFile:  in,
		OutputFile: in + ".out",
		Lengths:    []int{1, 2, 3, 4, 5, 6},
	})
	require.Error(t, err)
}

func TestValidateRejectsMissingInputFile(t *testing.T) {
	dir := t.TempDir()
	_, err := config.Validate(vcontext.Background(), config.Options{
		QueryFile:  dir + "/does-not-exist.fa",
		OutputFile: dir + "/out.fa",
	})
	require.Error(t, err)
}

func TestValidateAcceptsFilterModeAndFillsDefaults(t *testing.T) {
	in := writeTemp(t, ">a\nACGT\n")
	out, err := config.Validate(vcontext.Background(), config.Options{
		QueryFile: in,
		AnnotMode: math.MaxInt32,
	})
	require.NoError(t, err)
	assert.Equal(t, config.DefaultOutputFile, out.OutputFile)
	assert.Equal(t, coordinator.ModeFilter, out.Mode)
	assert.True(t, out.Workers >= 1)
	assert.True(t, out.WindowSize > 0)
	assert.Equal(t, selector.AnnotAll, out.Annotation.Policy)
}

func TestValidateParsesByteLimitSuffixes(t *testing.T) {
	in := writeTemp(t, ">a\nACGT\n")
	out, err := config.Validate(vcontext.Background(), config.Options{
		QueryFile: in,
		ByteLimit: "2MB",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2<<20), out.ByteLimit)
}

func TestValidateRejectsInvalidByteLimit(t *testing.T) {
	// The byte_limit parse error path surfaces as a configuration error.
	in := writeTemp(t, ">a\nACGT\n")
	_, err := config.Validate(vcontext.Background(), config.Options{
		QueryFile: in,
		ByteLimit: "not-a-number",
	})
	require.Error(t, err)
}

func TestValidateBuildsLookupOptions(t *testing.T) {
	in := writeTemp(t, ">a\nACGT\n")
	hits := in + ".hits"
	require.NoError(t, os.WriteFile(hits, []byte("a\n"), 0o644))
	out, err := config.Validate(vcontext.Background(), config.Options{
		QueryFile:  in,
		Mode:       config.ModeLookupIDList,
		IDList:     hits,
		AnnotMode:  0,
	})
	require.NoError(t, err)
	assert.Equal(t, coordinator.ModeLookupIDList, out.Mode)
	assert.Equal(t, hits, out.IDList)
}
