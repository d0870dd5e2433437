// rwsilk2ipfix converts one or more flow files into an IPFIX byte
// stream (C6), writing IANA-standard information elements for the
// fields a FlowRec carries.
package main

import (
	"context"
	"fmt"
	"io"
	"net/netip"
	"os"

	"github.com/spf13/cobra"

	"github.com/ep-silk/flowcore/pkg/flowiter"
	"github.com/ep-silk/flowcore/pkg/flowrec"
	"github.com/ep-silk/flowcore/pkg/ipfixmodel"
	"github.com/ep-silk/flowcore/pkg/ipfixstream"
	"github.com/ep-silk/flowcore/pkg/valuestore"
)

type flags struct {
	output string
	odid   uint32
}

func newRootCmd() *cobra.Command {
	var f flags

	cmd := &cobra.Command{
		Use:          "rwsilk2ipfix [FILE ...]",
		Short:        "Convert flow files to an IPFIX byte stream",
		Long:         `rwsilk2ipfix reads flow records from the named files (standard input if none are given) and writes them as IPFIX messages to --output.`,
		Example:      `  $ rwsilk2ipfix in.silk --output out.ipfix`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConvert(f, args)
		},
	}

	cmd.Flags().StringVar(&f.output, "output", "-", "output file path, or \"-\" for standard output")
	cmd.Flags().Uint32Var(&f.odid, "observation-domain", 0, "IPFIX observation domain id")
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "rwsilk2ipfix:", err)
		os.Exit(1)
	}
}

// rwWriter adapts an io.Writer to the io.ReadWriter ipfixstream.New
// requires; this tool only ever writes, so Read is never called.
type rwWriter struct{ io.Writer }

func (rwWriter) Read([]byte) (int, error) { return 0, io.EOF }

func runConvert(f flags, args []string) error {
	var out io.Writer
	var closeOut func() error
	if f.output == "" || f.output == "-" {
		out = os.Stdout
		closeOut = func() error { return nil }
	} else {
		file, err := os.Create(f.output)
		if err != nil {
			return fmt.Errorf("creating output file: %w", err)
		}
		out = file
		closeOut = file.Close
	}
	defer closeOut()

	sources := inputSources(args)
	store := valuestore.NewStore()
	it := flowiter.New(sources, store, flowiter.Options{
		OnOpenError: func(s flowiter.Source, err error) {
			fmt.Fprintf(os.Stderr, "rwsilk2ipfix: skipping %s: %v\n", s.Path, err)
		},
	})

	model := ipfixmodel.NewStandardModel()
	v4Schema, err := buildSchema(model, false)
	if err != nil {
		return fmt.Errorf("building IPv4 schema: %w", err)
	}
	v6Schema, err := buildSchema(model, true)
	if err != nil {
		return fmt.Errorf("building IPv6 schema: %w", err)
	}

	stream := ipfixstream.New(rwWriter{out}, model, f.odid)
	defer stream.Close()

	ctx := context.Background()
	for {
		fr, err := it.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading flow record: %w", err)
		}

		schema := v4Schema
		if fr.SrcAddr.Is6() || fr.DstAddr.Is6() {
			schema = v6Schema
		}
		rec, err := toFixrec(schema, fr)
		if err != nil {
			return fmt.Errorf("converting flow record: %w", err)
		}
		if err := stream.AppendRecord(ctx, rec); err != nil {
			return fmt.Errorf("writing IPFIX record: %w", err)
		}
	}
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

// buildSchema freezes the fixed field set a FlowRec maps onto,
// choosing the v4 or v6 address elements. Sidecar fields have no
// standard IPFIX element and are not carried across this conversion.
func buildSchema(model *ipfixmodel.InformationModel, v6 bool) (*ipfixmodel.Schema, error) {
	s := ipfixmodel.NewSchema(model)
	srcAddr, dstAddr := "sourceIPv4Address", "destinationIPv4Address"
	if v6 {
		srcAddr, dstAddr = "sourceIPv6Address", "destinationIPv6Address"
	}
	names := []string{
		srcAddr, dstAddr,
		"sourceTransportPort", "destinationTransportPort",
		"protocolIdentifier", "tcpControlBits",
		"octetDeltaCount", "packetDeltaCount",
		"ingressInterface", "egressInterface",
		"flowStartMilliseconds", "flowEndMilliseconds",
	}
	for _, name := range names {
		if err := s.Add(name, 0); err != nil {
			return nil, err
		}
	}
	templateID := uint16(256)
	if v6 {
		templateID = 257
	}
	if _, err := s.Freeze(templateID); err != nil {
		return nil, err
	}
	return s, nil
}

func toFixrec(schema *ipfixmodel.Schema, fr *flowrec.FlowRec) (*ipfixmodel.Fixrec, error) {
	rec, err := ipfixmodel.NewFixrec(schema)
	if err != nil {
		return nil, err
	}

	srcName, dstName := "sourceIPv4Address", "destinationIPv4Address"
	if fr.SrcAddr.Is6() || fr.DstAddr.Is6() {
		srcName, dstName = "sourceIPv6Address", "destinationIPv6Address"
	}
	if err := setAddr(rec, srcName, fr.SrcAddr); err != nil {
		return nil, err
	}
	if err := setAddr(rec, dstName, fr.DstAddr); err != nil {
		return nil, err
	}
	if err := rec.SetUnsigned("sourceTransportPort", uint64(fr.SrcPort)); err != nil {
		return nil, err
	}
	if err := rec.SetUnsigned("destinationTransportPort", uint64(fr.DstPort)); err != nil {
		return nil, err
	}
	if err := rec.SetUnsigned("protocolIdentifier", uint64(fr.Protocol)); err != nil {
		return nil, err
	}
	if err := rec.SetUnsigned("tcpControlBits", uint64(fr.TCPFlags)); err != nil {
		return nil, err
	}
	if err := rec.SetUnsigned("octetDeltaCount", fr.Bytes); err != nil {
		return nil, err
	}
	if err := rec.SetUnsigned("packetDeltaCount", fr.Packets); err != nil {
		return nil, err
	}
	if err := rec.SetUnsigned("ingressInterface", uint64(fr.Input)); err != nil {
		return nil, err
	}
	if err := rec.SetUnsigned("egressInterface", uint64(fr.Output)); err != nil {
		return nil, err
	}
	if err := rec.SetDatetime("flowStartMilliseconds", fr.StartTime); err != nil {
		return nil, err
	}
	if err := rec.SetDatetime("flowEndMilliseconds", fr.EndTime()); err != nil {
		return nil, err
	}
	return rec, nil
}

func setAddr(rec *ipfixmodel.Fixrec, name string, addr netip.Addr) error {
	if !addr.IsValid() {
		addr = netip.IPv4Unspecified()
		if name == "sourceIPv6Address" || name == "destinationIPv6Address" {
			addr = netip.IPv6Unspecified()
		}
	}
	return rec.SetIPAddress(name, addr)
}
