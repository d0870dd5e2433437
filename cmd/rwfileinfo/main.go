// rwfileinfo prints a flow file's header contents: format, compression,
// header entries, and (unless suppressed) a record count obtained by
// reading the body through to end of file.
package main

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/ep-silk/flowcore/pkg/flowfile"
	"github.com/ep-silk/flowcore/pkg/sidecar"
	"github.com/ep-silk/flowcore/pkg/valuestore"
)

type flags struct {
	noCount bool
}

func newRootCmd() *cobra.Command {
	var f flags

	cmd := &cobra.Command{
		Use:          "rwfileinfo [FILE ...]",
		Short:        "Print a flow file's header and record count",
		Long:         `rwfileinfo prints the header entries of each named flow file (standard input if none are given) and, unless --no-record-count is given, the number of records it holds.`,
		Example:      `  $ rwfileinfo in.silk`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			paths := args
			if len(paths) == 0 {
				paths = []string{"-"}
			}
			for _, p := range paths {
				if err := printInfo(cmd.OutOrStdout(), p, f); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "rwfileinfo: %s: %v\n", p, err)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&f.noCount, "no-record-count", false, "skip reading the body to count records")
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "rwfileinfo:", err)
		os.Exit(1)
	}
}

func printInfo(w io.Writer, path string, f flags) error {
	var r io.Reader
	if path == "-" {
		r = os.Stdin
	} else {
		file, err := os.Open(path)
		if err != nil {
			return err
		}
		defer file.Close()
		r = file
	}
	br := bufio.NewReader(r)

	h, err := flowfile.ReadHeader(br)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "%s:\n", path)
	fmt.Fprintf(w, "  format:       %d (version %d)\n", h.FormatID, h.FormatVers)
	fmt.Fprintf(w, "  compression:  %s\n", compressionName(h.Compression))
	fmt.Fprintf(w, "  header entries: %d\n", len(h.Entries))

	var schema *sidecar.Schema
	for _, e := range h.Entries {
		switch e.ID {
		case flowfile.EntrySidecarSchema:
			s, err := sidecar.DecodeSchema(e.Payload)
			if err != nil {
				fmt.Fprintf(w, "    sidecar-schema: <undecodable: %v>\n", err)
				continue
			}
			schema = s
			fmt.Fprintf(w, "    sidecar-schema: %d element(s)\n", len(s.Elements()))
			for _, elem := range s.Elements() {
				fmt.Fprintf(w, "      %s (%s)\n", elem.Name, elem.Type)
			}
		case flowfile.EntryInvocation:
			fmt.Fprintf(w, "    invocation: %s\n", e.Payload)
		default:
			fmt.Fprintf(w, "    entry %d: %d byte(s)\n", e.ID, len(e.Payload))
		}
	}
	if schema == nil {
		schema = sidecar.New()
	}

	if f.noCount {
		return nil
	}

	body, err := flowfile.NewBodyReader(br, h.Compression)
	if err != nil {
		return err
	}
	defer body.Close()

	count, err := countRecords(body, schema)
	fmt.Fprintf(w, "  records:      %d\n", count)
	return err
}

func countRecords(body io.Reader, schema *sidecar.Schema) (uint64, error) {
	store := valuestore.NewStore()
	r := bufio.NewReader(body)
	var n uint64
	for {
		_, err := flowfile.ReadRecord(r, schema, store)
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		n++
	}
}

func compressionName(c flowfile.Compression) string {
	switch c {
	case flowfile.CompressionNone:
		return "none"
	case flowfile.CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", c)
	}
}
