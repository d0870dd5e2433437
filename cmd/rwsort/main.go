// rwsort sorts one or more flow files by a composite key, streaming
// through an external merge when the input does not fit in memory.
// Command shape follows Caddy's cobra root-command pattern.
package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/ep-silk/flowcore/pkg/extsort"
	"github.com/ep-silk/flowcore/pkg/flowfile"
	"github.com/ep-silk/flowcore/pkg/flowiter"
	"github.com/ep-silk/flowcore/pkg/sidecar"
	"github.com/ep-silk/flowcore/pkg/valuestore"
)

type flags struct {
	fields         string
	reverse        bool
	output         string
	sortBufferSize string
	tempDir        string
	presortedInput bool
	outputCompress string
	maxOpenInputs  int
}

func newRootCmd() *cobra.Command {
	var f flags

	cmd := &cobra.Command{
		Use:   "rwsort [FILE ...]",
		Short: "Sort flow records by a composite key",
		Long: `rwsort reads flow records from the named files (or standard input, if
none are given, or "-" is given as a file), sorts them by the field
list given with --fields, and writes the result to --output (standard
output by default).

If the input is already sorted by the same key (--presorted-input),
rwsort skips the in-memory sort stage and merges the inputs directly.`,
		Example:      `  $ rwsort --fields=sip,dip in.silk > out.silk`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSort(f, args)
		},
	}

	cmd.Flags().StringVar(&f.fields, "fields", "", "comma-separated list of fields to sort by (required)")
	cmd.Flags().BoolVar(&f.reverse, "reverse", false, "reverse the sort order")
	cmd.Flags().StringVar(&f.output, "output", "-", "output file path, or \"-\" for standard output")
	cmd.Flags().StringVar(&f.sortBufferSize, "sort-buffer-size", "", "in-memory sort buffer size (e.g. 512m, 2g); default ~1.9g")
	cmd.Flags().StringVar(&f.tempDir, "temp-dir", "", "directory for intermediate sort runs; default is the OS temp directory")
	cmd.Flags().BoolVar(&f.presortedInput, "presorted-input", false, "treat inputs as already sorted by --fields and merge directly")
	cmd.Flags().StringVar(&f.outputCompress, "output-compression", "zstd", "output compression: \"none\" or \"zstd\"")
	cmd.Flags().IntVar(&f.maxOpenInputs, "max-open-streams", 0, "cap on simultaneously open input files (0 = unlimited)")
	cmd.MarkFlagRequired("fields")

	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "rwsort:", err)
		os.Exit(1)
	}
}

func runSort(f flags, args []string) error {
	sources := inputSources(args)
	store := valuestore.NewStore()

	it := flowiter.New(sources, store, flowiter.Options{
		MaxOpenStreams: f.maxOpenInputs,
		OnOpenError: func(s flowiter.Source, err error) {
			fmt.Fprintf(os.Stderr, "rwsort: skipping %s: %v\n", displayName(s), err)
		},
	})

	union := sidecar.New()
	if err := it.UnionSchema(union); err != nil {
		return fmt.Errorf("collecting sidecar schema: %w", err)
	}

	compiler := extsort.NewCompiler()
	compiler.SetSidecarNames(topLevelSidecarNames(union))
	key, err := compiler.Compile(f.fields, f.reverse)
	if err != nil {
		return fmt.Errorf("compiling --fields: %w", err)
	}

	var maxBufferBytes int64
	if f.sortBufferSize != "" {
		n, err := humanize.ParseBytes(f.sortBufferSize)
		if err != nil {
			return fmt.Errorf("parsing --sort-buffer-size: %w", err)
		}
		maxBufferBytes = int64(n)
	}

	sorter := extsort.NewSorter(key, union, store, maxBufferBytes, f.tempDir)

	out, closeOut, err := openOutput(f.output)
	if err != nil {
		return err
	}
	defer closeOut()

	compression, err := parseCompression(f.outputCompress)
	if err != nil {
		return err
	}

	h := &flowfile.Header{FormatID: 1, FormatVers: 1, Compression: compression}
	h.Add(flowfile.EntrySidecarSchema, sidecar.EncodeSchema(union))
	if err := flowfile.WriteHeader(out, h); err != nil {
		return fmt.Errorf("writing output header: %w", err)
	}
	bw, err := flowfile.NewBodyWriter(out, compression)
	if err != nil {
		return fmt.Errorf("opening output body: %w", err)
	}

	if f.presortedInput {
		err = sorter.PreSortedMerge(bw, paths(sources))
	} else {
		err = runBufferedSort(it, sorter, bw)
	}
	if err != nil {
		bw.Close()
		return fmt.Errorf("sorting: %w", err)
	}

	return bw.Close()
}

func runBufferedSort(it *flowiter.Iterator, sorter *extsort.Sorter, dst io.Writer) error {
	for {
		rec, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if err := sorter.Add(rec); err != nil {
			return err
		}
	}
	return sorter.Finish(dst)
}

func inputSources(args []string) []flowiter.Source {
	if len(args) == 0 {
		return []flowiter.Source{{Path: "-"}}
	}
	sources := make([]flowiter.Source, len(args))
	for i, a := range args {
		sources[i] = flowiter.Source{Path: a}
	}
	return sources
}

func paths(sources []flowiter.Source) []string {
	p := make([]string, len(sources))
	for i, s := range sources {
		p[i] = s.Path
	}
	return p
}

func displayName(s flowiter.Source) string {
	if s.Path == "" || s.Path == "-" {
		return "<stdin>"
	}
	return s.Path
}

// topLevelSidecarNames returns the bare names of union's scalar,
// top-level elements — the only sidecar entries --fields can name as a
// sort key, since nested table members have no single comparable value.
func topLevelSidecarNames(union *sidecar.Schema) []string {
	var names []string
	for _, e := range union.Elements() {
		if strings.Count(e.Name, "\x00") == 1 && strings.HasSuffix(e.Name, "\x00") {
			names = append(names, strings.TrimSuffix(e.Name, "\x00"))
		}
	}
	return names
}

func openOutput(path string) (io.Writer, func() error, error) {
	if path == "" || path == "-" {
		return os.Stdout, func() error { return nil }, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("creating output file: %w", err)
	}
	bw := bufio.NewWriter(f)
	return bw, func() error {
		if err := bw.Flush(); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	}, nil
}

func parseCompression(s string) (flowfile.Compression, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return flowfile.CompressionNone, nil
	case "zstd":
		return flowfile.CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown --output-compression %q", s)
	}
}
