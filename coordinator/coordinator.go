// Package coordinator drives a pool of workers across one partitioned scan
// of a FASTA file: it sizes the pool from the partitioner's output,
// broadcasts the partition plan, runs each worker's scan independently, and
// performs the post-scan hit-count reduction and optional output combine
// (spec §4.5).
package coordinator

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/base/tsv"

	"github.com/grailbio/fex/group"
	"github.com/grailbio/fex/hitindex"
	"github.com/grailbio/fex/mmapio"
	"github.com/grailbio/fex/partition"
	"github.com/grailbio/fex/scanner"
	"github.com/grailbio/fex/selector"
)

// Mode selects the active predicate for a run. Exactly one is active; the
// config package rejects any combination that would activate more than one.
type Mode int

const (
	ModeFilter Mode = iota
	ModeLookupBlastTable
	ModeLookupIDList
)

// Options is the coordinator's fully-validated run configuration. The
// config package is responsible for producing one of these from the CLI's
// raw options (spec §6).
type Options struct {
	QueryFile  string
	OutputFile string

	Workers    int
	WindowSize int64

	Mode       Mode
	BlastTable string
	IDList     string

	Lengths    []int
	Ranges     [][2]int
	Annotation selector.Annotation

	ByteLimit  int64
	MaxRecords int

	Combine           bool
	KeepIntermediates bool
}

// Result summarizes one run, indexed by worker rank.
type Result struct {
	Workers        int
	BytesWritten   []int64
	RecordsWritten []int
	NotFound       [][]byte
}

// combineChunkSize bounds each point-to-point transfer during output
// combining (spec §4.5).
const combineChunkSize = 4 * 1024 * 1024

// Run executes one full filter or lookup pass per Options.
func Run(ctx context.Context, opts Options) (Result, error) {
	planFile, err := mmapio.OpenReadOnly(opts.QueryFile)
	if err != nil {
		return Result{}, err
	}
	ranges, n, err := partition.Plan(planFile, opts.Workers)
	closeErr := planFile.Close()
	if err != nil {
		return Result{}, err
	}
	if closeErr != nil {
		return Result{}, errors.E(closeErr, "coordinator: close query file after planning")
	}
	if n != opts.Workers {
		log.Printf("coordinator: partitioner shrank worker count from %d to %d", opts.Workers, n)
	}

	g := group.NewLocal(n)
	planBytes := encodeRanges(ranges)

	perRank := make([]rankResult, n)
	err = traverse.Each(n, func(rank int) error {
		me := g.Rank(rank)
		res, err := runWorker(ctx, opts, me, planBytes, rank, n)
		if err != nil {
			return errors.E(err, fmt.Sprintf("coordinator: rank %d", rank))
		}
		perRank[rank] = res
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	result := Result{Workers: n}
	for _, r := range perRank {
		result.BytesWritten = append(result.BytesWritten, r.bytesWritten)
		result.RecordsWritten = append(result.RecordsWritten, r.recordsWritten)
	}
	if opts.Mode != ModeFilter {
		result.NotFound = perRank[0].notFound
	}
	return result, nil
}

type rankResult struct {
	bytesWritten   int64
	recordsWritten int
	notFound       [][]byte
}

func runWorker(ctx context.Context, opts Options, me group.Group, planBytes []byte, rank, n int) (rankResult, error) {
	plan, err := me.Broadcast(0, planBytes)
	if err != nil {
		return rankResult{}, err
	}
	myRange := decodeRanges(plan)[rank]

	f, err := mmapio.OpenReadOnly(opts.QueryFile)
	if err != nil {
		return rankResult{}, err
	}
	defer f.Close()

	sc, err := scanner.New(f, myRange, opts.WindowSize)
	if err != nil {
		return rankResult{}, err
	}
	defer sc.Close()

	var eval selector.EvalFunc
	var idx *hitindex.Index
	switch opts.Mode {
	case ModeFilter:
		fp, err := selector.NewFilterPredicate(opts.Lengths, opts.Ranges)
		if err != nil {
			return rankResult{}, err
		}
		eval = fp.Eval
	default:
		hitFile, err := openHitList(opts)
		if err != nil {
			return rankResult{}, err
		}
		format := hitindex.BlastTable
		if opts.Mode == ModeLookupIDList {
			format = hitindex.IDList
		}
		idx, err = hitindex.Build(hitFile, format)
		hitFile.Close()
		if err != nil {
			return rankResult{}, err
		}
		eval = selector.NewLookupPredicate(idx).Eval
	}

	path := intermediatePath(opts.OutputFile, rank, n)
	out, err := os.Create(path)
	if err != nil {
		return rankResult{}, errors.E(err, "coordinator: create intermediate output")
	}

	sel := selector.New(out, eval, opts.Annotation, opts.ByteLimit, opts.MaxRecords)
	for sc.Scan() {
		if ctx.Err() != nil {
			break
		}
		_, stop, err := sel.Offer(sc.Record())
		if err != nil {
			out.Close()
			return rankResult{}, err
		}
		if stop {
			break
		}
	}
	if err := sc.Err(); err != nil {
		out.Close()
		return rankResult{}, err
	}
	if err := out.Close(); err != nil {
		return rankResult{}, errors.E(err, "coordinator: close intermediate output")
	}

	res := rankResult{bytesWritten: sel.BytesWritten(), recordsWritten: sel.RecordsWritten()}

	if opts.Mode != ModeFilter {
		sums, err := me.ReduceInt64s(idx.SeenCounts())
		if err != nil {
			return rankResult{}, err
		}
		if rank == 0 {
			if err := idx.SetSeenCounts(sums); err != nil {
				return rankResult{}, err
			}
			res.notFound = idx.NotFound()
			if err := writeNotFoundReport(opts.OutputFile, res.notFound); err != nil {
				return rankResult{}, err
			}
		}
	}

	if opts.Combine && n > 1 {
		if err := combine(opts, me, rank, n, path, res.bytesWritten); err != nil {
			return rankResult{}, err
		}
	}

	if res.bytesWritten == 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Printf("coordinator: rank %d: remove empty intermediate %s: %v", rank, path, err)
		}
	}

	return res, nil
}

// combine implements spec §4.5 post-scan step 2: gather byte counts to size
// the combined file, then stream each worker's intermediate output to
// worker 0 in rank order, in bounded chunks.
func combine(opts Options, me group.Group, rank, n int, path string, bytesWritten int64) error {
	counts, err := me.Gather(0, encodeInt64(bytesWritten))
	if err != nil {
		return err
	}

	if rank == 0 {
		out, err := os.Create(opts.OutputFile)
		if err != nil {
			return errors.E(err, "coordinator: create combined output")
		}
		defer out.Close()

		var total int64
		for _, c := range counts {
			total += decodeInt64(c)
		}
		if err := out.Truncate(total); err != nil {
			log.Printf("coordinator: pre-size combined output: %v", err)
		}

		if bytesWritten > 0 {
			in, err := os.Open(path)
			if err != nil {
				return errors.E(err, "coordinator: open own intermediate for combine")
			}
			_, err = io.Copy(out, in)
			in.Close()
			if err != nil {
				return errors.E(err, "coordinator: combine own contents")
			}
		}
		for src := 1; src < n; src++ {
			for {
				chunk, err := me.Recv(src)
				if err != nil {
					return err
				}
				if len(chunk) == 0 {
					break
				}
				if _, err := out.Write(chunk); err != nil {
					return errors.E(err, "coordinator: write combined output")
				}
			}
		}
	} else {
		if bytesWritten > 0 {
			in, err := os.Open(path)
			if err != nil {
				return errors.E(err, "coordinator: open intermediate for combine")
			}
			buf := make([]byte, combineChunkSize)
			for {
				nr, rerr := in.Read(buf)
				if nr > 0 {
					if err := me.Send(0, append([]byte(nil), buf[:nr]...)); err != nil {
						in.Close()
						return err
					}
				}
				if rerr == io.EOF {
					break
				}
				if rerr != nil {
					in.Close()
					return errors.E(rerr, "coordinator: read intermediate for combine")
				}
			}
			in.Close()
		}
		if err := me.Send(0, []byte{}); err != nil {
			return err
		}
	}

	if !opts.KeepIntermediates {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Printf("coordinator: rank %d: remove combined intermediate %s: %v", rank, path, err)
		}
	}
	return nil
}

func intermediatePath(outputFile string, rank, n int) string {
	if n == 1 {
		return outputFile
	}
	return fmt.Sprintf("%s%d", outputFile, rank)
}

func openHitList(opts Options) (*os.File, error) {
	path := opts.BlastTable
	if opts.Mode == ModeLookupIDList {
		path = opts.IDList
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.E(err, "coordinator: open hit list")
	}
	return f, nil
}

func writeNotFoundReport(outputFile string, ids [][]byte) error {
	path := outputFile + ".notFound"
	if len(ids) == 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return errors.E(err, "coordinator: remove empty notFound report")
		}
		return nil
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.E(err, "coordinator: create notFound report")
	}
	defer f.Close()
	w := tsv.NewWriter(f)
	for _, id := range ids {
		w.WriteString(string(id))
		if err := w.EndLine(); err != nil {
			return errors.E(err, "coordinator: write notFound report")
		}
	}
	return w.Flush()
}

func encodeRanges(ranges []partition.Range) []byte {
	buf := make([]byte, 8+len(ranges)*24)
	binary.LittleEndian.PutUint64(buf, uint64(len(ranges)))
	off := 8
	for _, r := range ranges {
		binary.LittleEndian.PutUint64(buf[off:], uint64(r.PageOffset))
		binary.LittleEndian.PutUint64(buf[off+8:], uint64(r.Skew))
		binary.LittleEndian.PutUint64(buf[off+16:], uint64(r.Length))
		off += 24
	}
	return buf
}

func decodeRanges(buf []byte) []partition.Range {
	n := binary.LittleEndian.Uint64(buf)
	out := make([]partition.Range, n)
	off := 8
	for i := range out {
		out[i].PageOffset = int64(binary.LittleEndian.Uint64(buf[off:]))
		out[i].Skew = int64(binary.LittleEndian.Uint64(buf[off+8:]))
		out[i].Length = int64(binary.LittleEndian.Uint64(buf[off+16:]))
		off += 24
	}
	return out
}

func encodeInt64(v int64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(v))
	return b
}

func decodeInt64(b []byte) int64 {
	return int64(binary.LittleEndian.Uint64(b))
}
