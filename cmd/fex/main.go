// fex extracts records from a FASTA sequence database, in parallel, either
// by length/range/byte-budget filter or by BLAST-hit-list/ID-list lookup.
//
// Usage: fex -query in.fa -output out.fa [options]
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/google/uuid"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/file/s3file"
	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"

	"github.com/grailbio/fex/config"
	"github.com/grailbio/fex/coordinator"
)

var (
	queryFlag      = flag.String("query", "", "Input FASTA path (required)")
	outputFlag     = flag.String("output", config.DefaultOutputFile, "Output FASTA path; a per-worker suffix is appended when -workers > 1")
	maxRecordsFlag = flag.Int("max-records", 0, "Upper bound on records to extract (0 = unlimited)")
	lengthsFlag    = flag.String("lengths", "", "Comma-separated list of up to 5 exact sequence lengths to accept")
	rangesFlag     = flag.String("ranges", "", "Comma-separated list of up to 5 inclusive lo-hi ranges, e.g. \"5-25,100-200\"")
	annotModeFlag  = flag.Int("annot-mode", int(1<<31-1), "Signed-count annotation mode: positive=first-N-with-body, negative=first-N-without-body, 0=NONE, max-int32=ALL")
	byteLimitFlag  = flag.String("byte-limit", "", "Upper bound on per-worker bytes written; accepts KB/MB/GB suffixes")
	modeFlag       = flag.Int("mode", 0, "Pipeline selector: 0=filter, 1=lookup-blast-table, 2=lookup-id-list")
	blastTableFlag = flag.String("blast-table", "", "BLAST tabular hit-list path (mode=1)")
	idListFlag     = flag.String("id-list", "", "Plain ID-list hit-list path (mode=2)")
	verboseFlag    = flag.Bool("verbose", false, "Enable verbose diagnostic output")
	traceFlag      = flag.Bool("trace", false, "Enable trace-level diagnostic output")

	workersFlag    = flag.Int("workers", 0, "Number of worker partitions (0 = runtime.NumCPU())")
	windowSizeFlag = flag.Int64("window-size", 0, "Scan window size in bytes (0 = package default)")
	combineFlag    = flag.Bool("combine", false, "Combine per-worker intermediate files into a single -output file")
	keepFlag       = flag.Bool("keep-intermediates", false, "Keep per-worker intermediate files after combining")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s -query in.fa -output out.fa [options]\n", os.Args[0])
		flag.PrintDefaults()
	}
	shutdown := grail.Init()
	defer shutdown()

	file.RegisterImplementation("s3", func() file.Implementation {
		return s3file.NewImplementation(s3file.NewDefaultProvider(session.Options{}), s3file.Options{})
	})

	runID := uuid.New()
	ctx := vcontext.Background()

	lengths, err := parseIntList(*lengthsFlag)
	if err != nil {
		log.Error.Printf("run %s: -lengths: %v", runID, err)
		os.Exit(-2)
	}
	ranges, err := parseRangeList(*rangesFlag)
	if err != nil {
		log.Error.Printf("run %s: -ranges: %v", runID, err)
		os.Exit(-2)
	}

	opts := config.Options{
		QueryFile:  *queryFlag,
		OutputFile: *outputFlag,
		MaxRecords: *maxRecordsFlag,
		Lengths:    lengths,
		Ranges:     ranges,
		AnnotMode:  int32(*annotModeFlag),
		ByteLimit:  *byteLimitFlag,
		Mode:       config.Mode(*modeFlag),
		BlastTable: *blastTableFlag,
		IDList:     *idListFlag,
		Verbose:    *verboseFlag,
		Trace:      *traceFlag,

		Workers:           *workersFlag,
		WindowSize:        *windowSizeFlag,
		Combine:           *combineFlag,
		KeepIntermediates: *keepFlag,
	}
	if *verboseFlag {
		log.Printf("run %s: starting with options %+v", runID, opts)
	}

	runOpts, err := config.Validate(ctx, opts)
	if err != nil {
		log.Error.Printf("run %s: configuration error: %v", runID, err)
		os.Exit(-2)
	}

	result, err := coordinator.Run(ctx, runOpts)
	if err != nil {
		log.Error.Printf("run %s: %v", runID, err)
		os.Exit(exitCode(err))
	}

	if *verboseFlag {
		log.Printf("run %s: %d worker(s), %v bytes written, %v records written",
			runID, result.Workers, result.BytesWritten, result.RecordsWritten)
	}
	if *traceFlag && len(result.NotFound) > 0 {
		log.Printf("run %s: %d hit IDs not found", runID, len(result.NotFound))
	}
}

// exitCode maps a coordinator error to spec.md §6's exit codes: -2 for
// configuration errors, -1 for everything else. Successful runs return 0
// from main without calling this.
func exitCode(err error) int {
	if errors.Is(errors.Invalid, err) {
		return -2
	}
	return -1
}

func parseIntList(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	var out []int
	for _, tok := range splitNonEmpty(s, ',') {
		var n int
		if _, err := fmt.Sscanf(tok, "%d", &n); err != nil {
			return nil, fmt.Errorf("invalid length %q", tok)
		}
		out = append(out, n)
	}
	return out, nil
}

func parseRangeList(s string) ([][2]int, error) {
	if s == "" {
		return nil, nil
	}
	var out [][2]int
	for _, tok := range splitNonEmpty(s, ',') {
		var lo, hi int
		if _, err := fmt.Sscanf(tok, "%d-%d", &lo, &hi); err != nil {
			return nil, fmt.Errorf("invalid range %q, want lo-hi", tok)
		}
		out = append(out, [2]int{lo, hi})
	}
	return out, nil
}

func splitNonEmpty(s string, sep rune) []string {
	var out []string
	start := 0
	for i, r := range s {
		if r == sep {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}
