// Package config validates the CLI's raw options and turns them into a
// coordinator.Options run configuration (spec §6).
package config

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"

	"github.com/grailbio/fex/coordinator"
	"github.com/grailbio/fex/scanner"
	"github.com/grailbio/fex/selector"
)

// Mode is the raw pipeline selector (spec §6, §9): 0 filter, 1
// lookup-blast-table, 2 lookup-id-list. 3 names the reference
// implementation's MUSCLE pipeline, permanently under development there;
// Validate always rejects it.
type Mode int

const (
	ModeFilter Mode = iota
	ModeLookupBlastTable
	ModeLookupIDList
	modeMuscle
)

const (
	maxLengths = 5
	maxRanges  = 5

	// DefaultOutputFile is used when OutputFile is empty.
	DefaultOutputFile = "filter.out"
)

// Options is the CLI's unvalidated configuration, field-for-field the table
// in spec.md §6, plus the compile-time-opt-in additions for worker count,
// scan window size, and output combining.
type Options struct {
	QueryFile  string
	OutputFile string
	MaxRecords int

	Lengths []int
	Ranges  [][2]int

	AnnotMode int32
	ByteLimit string

	Mode       Mode
	BlastTable string
	IDList     string

	Verbose bool
	Trace   bool

	Workers           int
	WindowSize        int64
	Combine           bool
	KeepIntermediates bool
}

// Validate checks opts against spec.md §6's invalid-combination rules,
// stats every input path it names, and builds the coordinator's run
// configuration. ctx is used only for the existence checks below.
func Validate(ctx context.Context, opts Options) (coordinator.Options, error) {
	if opts.QueryFile == "" {
		return coordinator.Options{}, errors.E(errors.Invalid, "config: query_file is required")
	}
	outputFile := opts.OutputFile
	if outputFile == "" {
		outputFile = DefaultOutputFile
	}
	if opts.QueryFile == outputFile {
		return coordinator.Options{}, errors.E(errors.Invalid, "config: query_file and output_file must differ")
	}
	if opts.BlastTable != "" && opts.BlastTable == opts.QueryFile {
		return coordinator.Options{}, errors.E(errors.Invalid, "config: query_file and blast_table must differ")
	}
	if opts.IDList != "" && opts.IDList == opts.QueryFile {
		return coordinator.Options{}, errors.E(errors.Invalid, "config: query_file and id_list must differ")
	}

	if opts.Mode == modeMuscle {
		return coordinator.Options{}, errors.E(errors.Invalid, "config: MUSCLE pipeline is not implemented")
	}
	if opts.Mode < ModeFilter || opts.Mode > modeMuscle {
		return coordinator.Options{}, errors.E(errors.Invalid, fmt.Sprintf("config: pipeline selector %d out of {0,1,2}", opts.Mode))
	}
	if opts.Mode == ModeLookupBlastTable && opts.IDList != "" {
		return coordinator.Options{}, errors.E(errors.Invalid, "config: blast-table mode with id_list also set")
	}
	if opts.Mode == ModeLookupIDList && opts.BlastTable != "" {
		return coordinator.Options{}, errors.E(errors.Invalid, "config: id-list mode with blast_table also set")
	}
	if opts.Mode == ModeFilter && (opts.BlastTable != "" || opts.IDList != "") {
		return coordinator.Options{}, errors.E(errors.Invalid, "config: filter mode with a lookup source also set")
	}
	if opts.Mode != ModeFilter && (len(opts.Lengths) > 0 || len(opts.Ranges) > 0) {
		return coordinator.Options{}, errors.E(errors.Invalid, "config: lookup mode with filter lengths/ranges also set")
	}
	if len(opts.Lengths) > maxLengths {
		return coordinator.Options{}, errors.E(errors.Invalid, fmt.Sprintf("config: at most %d lengths accepted", maxLengths))
	}
	if len(opts.Ranges) > maxRanges {
		return coordinator.Options{}, errors.E(errors.Invalid, fmt.Sprintf("config: at most %d ranges accepted", maxRanges))
	}

	annotation, err := selector.DecodeAnnotMode(opts.AnnotMode)
	if err != nil {
		return coordinator.Options{}, err
	}

	byteLimit, err := parseByteLimit(opts.ByteLimit)
	if err != nil {
		return coordinator.Options{}, errors.E(errors.Invalid, err, "config: byte_limit")
	}

	if err := checkExists(ctx, opts.QueryFile); err != nil {
		return coordinator.Options{}, err
	}
	if opts.Mode == ModeLookupBlastTable {
		if err := checkExists(ctx, opts.BlastTable); err != nil {
			return coordinator.Options{}, err
		}
	}
	if opts.Mode == ModeLookupIDList {
		if err := checkExists(ctx, opts.IDList); err != nil {
			return coordinator.Options{}, err
		}
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	windowSize := opts.WindowSize
	if windowSize <= 0 {
		windowSize = scanner.DefaultWindowSize
	}

	var cmode coordinator.Mode
	switch opts.Mode {
	case ModeLookupBlastTable:
		cmode = coordinator.ModeLookupBlastTable
	case ModeLookupIDList:
		cmode = coordinator.ModeLookupIDList
	default:
		cmode = coordinator.ModeFilter
	}

	return coordinator.Options{
		QueryFile:  opts.QueryFile,
		OutputFile: outputFile,

		Workers:    workers,
		WindowSize: windowSize,

		Mode:       cmode,
		BlastTable: opts.BlastTable,
		IDList:     opts.IDList,

		Lengths:    opts.Lengths,
		Ranges:     opts.Ranges,
		Annotation: annotation,

		ByteLimit:  byteLimit,
		MaxRecords: opts.MaxRecords,

		Combine:           opts.Combine,
		KeepIntermediates: opts.KeepIntermediates,
	}, nil
}

// checkExists opens and immediately closes path, surfacing an I/O open
// failure as a configuration error before any worker starts (spec §7:
// "I/O open/stat failures on inputs"). file.Open resolves registered
// schemes (e.g. s3://) as well as local paths.
func checkExists(ctx context.Context, path string) error {
	f, err := file.Open(ctx, path)
	if err != nil {
		return errors.E(errors.Invalid, err, fmt.Sprintf("config: open %s", path))
	}
	return f.Close()
}

// parseByteLimit parses spec.md §6's byte_limit encoding: a plain integer,
// or one suffixed with KB/MB/GB (powers of 1024, case-insensitive). An empty
// string means unlimited (0).
func parseByteLimit(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	mult := int64(1)
	upper := strings.ToUpper(s)
	switch {
	case strings.HasSuffix(upper, "GB"):
		mult = 1 << 30
		s = s[:len(s)-2]
	case strings.HasSuffix(upper, "MB"):
		mult = 1 << 20
		s = s[:len(s)-2]
	case strings.HasSuffix(upper, "KB"):
		mult = 1 << 10
		s = s[:len(s)-2]
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid byte_limit %q: %w", s, err)
	}
	return n * mult, nil
}
