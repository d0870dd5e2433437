// Package flowfile implements the generic framed flow file (§6 "Flow file
// on disk"): a magic number, a sequence of typed header entries, and a
// record body whose layout is determined by the file's format/version and
// whose compression method is recorded in the header's fixed fields.
package flowfile

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/ep-silk/flowcore/pkg/silkerr"
)

// Magic is the 4-byte file magic, written at offset 0 of every flow file.
var Magic = [4]byte{'s', 'i', 'l', 'k'}

// EntryID identifies the kind of payload carried by a HeaderEntry.
type EntryID uint32

const (
	EntryPackedFileInfo EntryID = iota + 1
	EntryProbeName
	EntryInvocation
	EntryAnnotation
	EntryPrefixMapName
	EntryIPSet
	EntryBag
	EntrySidecarSchema
)

// Compression identifies the body compression method, recorded as a
// fixed header byte rather than inferred from content.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionZstd
)

// HeaderEntry is one typed, length-prefixed header record: a 32-bit id, a
// 32-bit payload length, and the payload itself.
type HeaderEntry struct {
	ID      EntryID
	Payload []byte
}

// Header is the full set of header entries plus the fixed fields that
// govern body framing.
type Header struct {
	FormatID    uint32
	FormatVers  uint8
	Compression Compression
	RecordLen   uint32 // fixed on-disk record length, for count = bodyLen/RecordLen
	Entries     []HeaderEntry
}

// Find returns the first entry with the given id.
func (h *Header) Find(id EntryID) (HeaderEntry, bool) {
	for _, e := range h.Entries {
		if e.ID == id {
			return e, true
		}
	}
	return HeaderEntry{}, false
}

// Add appends an entry; it never replaces an existing entry with the
// same id — flow files may legitimately carry repeated entries (e.g. one
// invocation entry per concatenated input).
func (h *Header) Add(id EntryID, payload []byte) {
	h.Entries = append(h.Entries, HeaderEntry{ID: id, Payload: payload})
}

const headerPreambleLen = 4 /* magic */ + 4 /* formatID */ + 1 /* vers */ + 1 /* compression */ + 4 /* recordLen */ + 4 /* entry count */

// WriteHeader serializes h, preceded by Magic, to w.
func WriteHeader(w io.Writer, h *Header) error {
	buf := make([]byte, 0, headerPreambleLen)
	buf = append(buf, Magic[:]...)
	buf = appendUint32(buf, h.FormatID)
	buf = append(buf, byte(h.FormatVers), byte(h.Compression))
	buf = appendUint32(buf, h.RecordLen)
	buf = appendUint32(buf, uint32(len(h.Entries)))
	if _, err := w.Write(buf); err != nil {
		return err
	}
	for _, e := range h.Entries {
		eb := make([]byte, 0, 8+len(e.Payload))
		eb = appendUint32(eb, uint32(e.ID))
		eb = appendUint32(eb, uint32(len(e.Payload)))
		eb = append(eb, e.Payload...)
		if _, err := w.Write(eb); err != nil {
			return err
		}
	}
	return nil
}

// ReadHeader deserializes a Header from r, first reading and verifying
// Magic.
func ReadHeader(r io.Reader) (*Header, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, silkerr.Wrap(silkerr.Malformed, "short read on flow file magic", err)
	}
	if magic != Magic {
		return nil, silkerr.New(silkerr.Malformed, "bad flow file magic")
	}

	var fixed [10]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return nil, silkerr.Wrap(silkerr.Malformed, "short read on flow file fixed header", err)
	}
	h := &Header{
		FormatID:    binary.BigEndian.Uint32(fixed[0:4]),
		FormatVers:  fixed[4],
		Compression: Compression(fixed[5]),
		RecordLen:   binary.BigEndian.Uint32(fixed[6:10]),
	}

	var countBuf [4]byte
	if _, err := io.ReadFull(r, countBuf[:]); err != nil {
		return nil, silkerr.Wrap(silkerr.Malformed, "short read on flow file entry count", err)
	}
	count := binary.BigEndian.Uint32(countBuf[:])

	for i := uint32(0); i < count; i++ {
		var idLen [8]byte
		if _, err := io.ReadFull(r, idLen[:]); err != nil {
			return nil, silkerr.Wrap(silkerr.Malformed, "short read on flow file header entry", err)
		}
		id := EntryID(binary.BigEndian.Uint32(idLen[0:4]))
		plen := binary.BigEndian.Uint32(idLen[4:8])
		payload := make([]byte, plen)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, silkerr.Wrap(silkerr.Malformed, "short read on flow file header entry payload", err)
		}
		h.Entries = append(h.Entries, HeaderEntry{ID: id, Payload: payload})
	}
	return h, nil
}

func appendUint32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

// BodyWriter wraps an underlying writer with the compression method
// declared by a Header, so callers need not branch on Compression
// themselves after opening the file for write.
type BodyWriter struct {
	w  io.Writer
	zw *zstd.Encoder
}

// NewBodyWriter wraps w (typically a *bufio.Writer over the file, placed
// immediately after the header) according to method.
func NewBodyWriter(w io.Writer, method Compression) (*BodyWriter, error) {
	switch method {
	case CompressionNone:
		return &BodyWriter{w: w}, nil
	case CompressionZstd:
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return nil, silkerr.Wrap(silkerr.Malformed, "opening zstd body writer", err)
		}
		return &BodyWriter{w: zw, zw: zw}, nil
	default:
		return nil, silkerr.New(silkerr.BadParam, "unknown compression method")
	}
}

func (bw *BodyWriter) Write(p []byte) (int, error) { return bw.w.Write(p) }

// Close flushes and closes the zstd frame, if any; it never closes the
// underlying writer, which the caller opened.
func (bw *BodyWriter) Close() error {
	if bw.zw != nil {
		return bw.zw.Close()
	}
	return nil
}

// BodyReader wraps an underlying reader with the decompression method
// declared by a Header.
type BodyReader struct {
	r  *bufio.Reader
	zr *zstd.Decoder
}

// NewBodyReader wraps r according to method.
func NewBodyReader(r io.Reader, method Compression) (*BodyReader, error) {
	switch method {
	case CompressionNone:
		return &BodyReader{r: bufio.NewReader(r)}, nil
	case CompressionZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, silkerr.Wrap(silkerr.Malformed, "opening zstd body reader", err)
		}
		return &BodyReader{r: bufio.NewReader(zr), zr: zr}, nil
	default:
		return nil, silkerr.New(silkerr.BadParam, "unknown compression method")
	}
}

func (br *BodyReader) Read(p []byte) (int, error) { return br.r.Read(p) }

// Close releases the zstd decoder's resources, if any.
func (br *BodyReader) Close() error {
	if br.zr != nil {
		br.zr.Close()
	}
	return nil
}

// RecordCount returns bodyLen/h.RecordLen, the record iterator's method
// for computing how many fixed-length records a body holds.
func (h *Header) RecordCount(bodyLen int64) (uint64, error) {
	if h.RecordLen == 0 {
		return 0, silkerr.New(silkerr.BadParam, "record length is zero")
	}
	if bodyLen%int64(h.RecordLen) != 0 {
		return 0, silkerr.New(silkerr.Malformed, "body length is not a multiple of record length")
	}
	return uint64(bodyLen) / uint64(h.RecordLen), nil
}
