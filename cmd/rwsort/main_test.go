package main

import (
	"testing"

	"github.com/ep-silk/flowcore/pkg/flowfile"
	"github.com/ep-silk/flowcore/pkg/flowiter"
	"github.com/ep-silk/flowcore/pkg/sidecar"
)

func TestInputSourcesDefaultsToStdin(t *testing.T) {
	sources := inputSources(nil)
	if len(sources) != 1 || sources[0].Path != "-" {
		t.Fatalf("got %v, want a single stdin source", sources)
	}
}

func TestInputSourcesFromArgs(t *testing.T) {
	sources := inputSources([]string{"a.silk", "b.silk"})
	if len(sources) != 2 || sources[0].Path != "a.silk" || sources[1].Path != "b.silk" {
		t.Fatalf("got %v", sources)
	}
}

func TestTopLevelSidecarNamesSkipsNested(t *testing.T) {
	s := sidecar.New()
	if err := s.Add(sidecar.Element{Name: sidecar.ElementName("tag"), Type: sidecar.TypeString}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Add(sidecar.Element{Name: sidecar.ElementName("geo"), Type: sidecar.TypeTable}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Add(sidecar.Element{Name: sidecar.ElementName("geo", "country"), Type: sidecar.TypeString}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	names := topLevelSidecarNames(s)
	if len(names) != 2 {
		t.Fatalf("got %v, want exactly the two top-level names", names)
	}
	seen := map[string]bool{}
	for _, n := range names {
		seen[n] = true
	}
	if !seen["tag"] || !seen["geo"] {
		t.Fatalf("got %v, want tag and geo", names)
	}
}

func TestParseCompression(t *testing.T) {
	cases := map[string]flowfile.Compression{
		"":     flowfile.CompressionNone,
		"none": flowfile.CompressionNone,
		"NONE": flowfile.CompressionNone,
		"zstd": flowfile.CompressionZstd,
		"Zstd": flowfile.CompressionZstd,
	}
	for in, want := range cases {
		got, err := parseCompression(in)
		if err != nil {
			t.Fatalf("parseCompression(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("parseCompression(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := parseCompression("gzip"); err == nil {
		t.Fatalf("expected an error for an unknown compression method")
	}
}

func TestDisplayName(t *testing.T) {
	if displayName(flowiter.Source{Path: ""}) != "<stdin>" {
		t.Fatalf("empty path should display as <stdin>")
	}
	if displayName(flowiter.Source{Path: "-"}) != "<stdin>" {
		t.Fatalf("dash path should display as <stdin>")
	}
	if displayName(flowiter.Source{Path: "foo.silk"}) != "foo.silk" {
		t.Fatalf("named path should display as itself")
	}
}
