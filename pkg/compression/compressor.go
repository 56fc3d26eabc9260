// Package compression wraps the stream codecs used for catalog extracts
// and report dumps: gzip and zstd (klauspost/compress) and lz4.
//
// The algorithm of an input is taken from its name when it carries a known
// extension, and otherwise sniffed from the stream's magic bytes:
//
//	r, err := compression.NewReader(compression.Auto, "parts.csv.zst", f)
//	if err != nil {
//	    return err
//	}
//	defer r.Close()
package compression

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm represents a compression algorithm
type Algorithm string

const (
	// Auto detects the algorithm from the name or the stream header
	Auto Algorithm = "auto"
	// None represents no compression
	None Algorithm = "none"
	// Gzip represents gzip compression
	Gzip Algorithm = "gzip"
	// Zstd represents Zstandard compression
	Zstd Algorithm = "zstd"
	// LZ4 represents LZ4 frame compression
	LZ4 Algorithm = "lz4"
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
	lz4Magic  = []byte{0x04, 0x22, 0x4d, 0x18}
)

// ParseAlgorithm converts a configuration value into an Algorithm. The
// empty string means Auto.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return Auto, nil
	case "none", "off":
		return None, nil
	case "gzip", "gz":
		return Gzip, nil
	case "zstd", "zst":
		return Zstd, nil
	case "lz4":
		return LZ4, nil
	}
	return "", fmt.Errorf("unsupported compression %q", s)
}

// FromName returns the algorithm implied by a file name's extension, or
// None.
func FromName(name string) Algorithm {
	switch strings.ToLower(path.Ext(name)) {
	case ".gz", ".gzip":
		return Gzip
	case ".zst", ".zstd":
		return Zstd
	case ".lz4":
		return LZ4
	}
	return None
}

// TrimExt strips a compression extension from name so the underlying
// format extension can be inspected.
func TrimExt(name string) string {
	if FromName(name) != None {
		return strings.TrimSuffix(name, path.Ext(name))
	}
	return name
}

// Sniff reports the algorithm whose magic number prefixes header.
func Sniff(header []byte) Algorithm {
	switch {
	case bytes.HasPrefix(header, gzipMagic):
		return Gzip
	case bytes.HasPrefix(header, zstdMagic):
		return Zstd
	case bytes.HasPrefix(header, lz4Magic):
		return LZ4
	}
	return None
}

// NewReader returns a decompressing reader over src. Closing it releases
// decoder resources but does not close src.
func NewReader(alg Algorithm, name string, src io.Reader) (io.ReadCloser, error) {
	if alg == Auto || alg == "" {
		alg = FromName(name)
		if alg == None {
			br := bufio.NewReader(src)
			header, _ := br.Peek(4)
			alg = Sniff(header)
			src = br
		}
	}

	switch alg {
	case None:
		return io.NopCloser(src), nil
	case Gzip:
		r, err := gzip.NewReader(src)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip stream: %w", err)
		}
		return r, nil
	case Zstd:
		d, err := zstd.NewReader(src)
		if err != nil {
			return nil, fmt.Errorf("failed to open zstd stream: %w", err)
		}
		return zstdReadCloser{d}, nil
	case LZ4:
		return io.NopCloser(lz4.NewReader(src)), nil
	}
	return nil, fmt.Errorf("unsupported compression algorithm: %s", alg)
}

// NewWriter returns a compressing writer over dst. Close flushes the
// compressed stream but does not close dst.
func NewWriter(alg Algorithm, dst io.Writer) (io.WriteCloser, error) {
	switch alg {
	case None, Auto, "":
		return nopWriteCloser{dst}, nil
	case Gzip:
		return gzip.NewWriter(dst), nil
	case Zstd:
		e, err := zstd.NewWriter(dst)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd writer: %w", err)
		}
		return e, nil
	case LZ4:
		return lz4.NewWriter(dst), nil
	}
	return nil, fmt.Errorf("unsupported compression algorithm: %s", alg)
}

type zstdReadCloser struct {
	*zstd.Decoder
}

func (z zstdReadCloser) Close() error {
	z.Decoder.Close()
	return nil
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
