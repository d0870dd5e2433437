// Package flowiter implements the flow iterator (C8): an ordered
// sequence of FlowRecs drawn from a list of flow-file paths (or
// standard input), with pre-first-record sidecar schema discovery and
// callbacks at pre-read, on open error, and on close.
package flowiter

import (
	"bufio"
	"io"
	"os"

	"github.com/ep-silk/flowcore/pkg/flowfile"
	"github.com/ep-silk/flowcore/pkg/flowrec"
	"github.com/ep-silk/flowcore/pkg/sidecar"
	"github.com/ep-silk/flowcore/pkg/silkerr"
	"github.com/ep-silk/flowcore/pkg/valuestore"
)

// Source names one input: a path on disk, or "-" / "" for standard
// input.
type Source struct {
	Path string
}

func (s Source) isStdin() bool { return s.Path == "" || s.Path == "-" }

// Options configures an Iterator.
type Options struct {
	// PreRead is invoked immediately before each record is returned.
	PreRead func(*flowrec.FlowRec)
	// OnOpenError is invoked when an input fails to open or its header
	// fails to parse; Next skips to the following input.
	OnOpenError func(src Source, err error)
	// OnClose is invoked after an input is fully consumed and closed.
	OnClose func(src Source)
	// MaxOpenStreams caps how many inputs Iterator keeps open
	// simultaneously; 0 means unlimited. Used by the presorted sort path,
	// which must not exceed the merge stage's own open-file budget.
	MaxOpenStreams int
}

// Iterator presents inputs one at a time, sequentially: at most one
// input is open for reading at once unless a caller uses OpenStreams (for
// the presorted merge path, where multiple inputs must be read
// concurrently).
type Iterator struct {
	sources []Source
	opts    Options
	store   *valuestore.Store

	idx     int
	cur     *openInput
	started bool
}

type openInput struct {
	src    Source
	closer io.Closer
	header *flowfile.Header
	schema *sidecar.Schema
	body   *bufio.Reader
	bodyC  io.Closer // BodyReader, separately closeable
}

// New returns an Iterator over sources, emitting records bound to
// store.
func New(sources []Source, store *valuestore.Store, opts Options) *Iterator {
	return &Iterator{sources: sources, opts: opts, store: store}
}

// UnionSchema visits every input's header (opening and closing each as
// needed, without consuming any record), accumulating the union of
// their sidecar schemas into out. It must be called before the first
// call to Next, and it rewinds standard-input sources not at all — an
// stdin source can only be visited once, by whichever of UnionSchema or
// Next reads it first.
func (it *Iterator) UnionSchema(out *sidecar.Schema) error {
	if it.started {
		return silkerr.New(silkerr.Frozen, "UnionSchema called after iteration began")
	}
	for _, src := range it.sources {
		in, err := it.openInput(src)
		if err != nil {
			if it.opts.OnOpenError != nil {
				it.opts.OnOpenError(src, err)
			}
			continue
		}
		if err := out.Union(in.schema); err != nil {
			it.closeInput(in)
			return err
		}
		it.closeInput(in)
	}
	return nil
}

// Next returns the next record, advancing through inputs in order and
// skipping any that fail to open. It returns io.EOF once every input is
// exhausted.
func (it *Iterator) Next() (*flowrec.FlowRec, error) {
	it.started = true
	for {
		if it.cur == nil {
			if it.idx >= len(it.sources) {
				return nil, io.EOF
			}
			src := it.sources[it.idx]
			it.idx++
			in, err := it.openInput(src)
			if err != nil {
				if it.opts.OnOpenError != nil {
					it.opts.OnOpenError(src, err)
				}
				continue
			}
			it.cur = in
		}

		rec, err := flowfile.ReadRecord(it.cur.body, it.cur.schema, it.store)
		if err == io.EOF {
			it.closeInput(it.cur)
			if it.opts.OnClose != nil {
				it.opts.OnClose(it.cur.src)
			}
			it.cur = nil
			continue
		}
		if err != nil {
			return nil, err
		}
		if it.opts.PreRead != nil {
			it.opts.PreRead(rec)
		}
		return rec, nil
	}
}

func (it *Iterator) openInput(src Source) (*openInput, error) {
	var rc io.ReadCloser
	if src.isStdin() {
		rc = os.Stdin
	} else {
		f, err := os.Open(src.Path)
		if err != nil {
			return nil, silkerr.Wrap(silkerr.Malformed, "opening flow file", err)
		}
		rc = f
	}

	br := bufio.NewReader(rc)
	h, err := flowfile.ReadHeader(br)
	if err != nil {
		if !src.isStdin() {
			rc.Close()
		}
		return nil, err
	}

	schema := sidecar.New()
	if e, ok := h.Find(flowfile.EntrySidecarSchema); ok {
		s, err := sidecar.DecodeSchema(e.Payload)
		if err != nil {
			if !src.isStdin() {
				rc.Close()
			}
			return nil, err
		}
		schema = s
	}

	body, err := flowfile.NewBodyReader(br, h.Compression)
	if err != nil {
		if !src.isStdin() {
			rc.Close()
		}
		return nil, err
	}

	var closer io.Closer
	if !src.isStdin() {
		closer = rc
	}
	return &openInput{
		src:    src,
		closer: closer,
		header: h,
		schema: schema,
		body:   bufio.NewReader(body),
		bodyC:  body,
	}, nil
}

func (it *Iterator) closeInput(in *openInput) {
	in.bodyC.Close()
	if in.closer != nil {
		in.closer.Close()
	}
}

// Stream is one input opened by OpenStreams for the presorted merge
// path, which must interleave reads across multiple inputs rather than
// consuming them one at a time. The caller is responsible for closing
// every returned Stream.
type Stream struct {
	Src    Source
	Schema *sidecar.Schema
	Body   *bufio.Reader
	it     *Iterator
	in     *openInput
}

// Next reads the next record from this stream.
func (s *Stream) Next() (*flowrec.FlowRec, error) {
	return flowfile.ReadRecord(s.Body, s.Schema, s.it.store)
}

// Close releases this stream's underlying file handle.
func (s *Stream) Close() error {
	s.it.closeInput(s.in)
	return nil
}

// OpenStreams opens the first MaxOpenStreams sources (every source, if
// MaxOpenStreams is unset) for concurrent reading, skipping any that fail
// to open. Sources beyond that limit are not opened by this call.
func (it *Iterator) OpenStreams() ([]*Stream, error) {
	limit := it.opts.MaxOpenStreams
	if limit <= 0 || limit > len(it.sources) {
		limit = len(it.sources)
	}
	streams := make([]*Stream, 0, limit)
	for i := 0; i < limit; i++ {
		src := it.sources[i]
		in, err := it.openInput(src)
		if err != nil {
			if it.opts.OnOpenError != nil {
				it.opts.OnOpenError(src, err)
			}
			continue
		}
		streams = append(streams, &Stream{Src: src, Schema: in.schema, Body: in.body, it: it, in: in})
	}
	it.idx = limit
	return streams, nil
}
