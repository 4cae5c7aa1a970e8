package archive

import (
	"compress/gzip"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

const (
	TypeXZ   = "xz"
	TypeGzip = "gzip"
	TypeZstd = "zstd"
)

// WrapWriter wraps w in the named compression filter. All filters are
// configured for high compression since the archive is written once and
// kept for cold storage.
func WrapWriter(kind string, w io.Writer) (io.WriteCloser, error) {
	switch kind {
	case "", TypeXZ:
		return xz.NewWriter(w)
	case TypeGzip:
		return gzip.NewWriterLevel(w, gzip.BestCompression)
	case TypeZstd:
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedBestCompression))
	default:
		return nil, fmt.Errorf("unsupported compression: %s", kind)
	}
}

// WrapReader wraps r in the matching decompression filter.
func WrapReader(kind string, r io.Reader) (io.ReadCloser, error) {
	switch kind {
	case "", TypeXZ:
		dec, err := xz.NewReader(r)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(dec), nil
	case TypeGzip:
		return gzip.NewReader(r)
	case TypeZstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zstdReadCloser{Decoder: dec}, nil
	default:
		return nil, fmt.Errorf("unsupported compression: %s", kind)
	}
}

// Extension returns the container extension for the compression kind,
// e.g. "tar.xz".
func Extension(kind string) (string, error) {
	switch kind {
	case "", TypeXZ:
		return "tar.xz", nil
	case TypeGzip:
		return "tar.gz", nil
	case TypeZstd:
		return "tar.zst", nil
	default:
		return "", fmt.Errorf("unsupported compression: %s", kind)
	}
}

type zstdReadCloser struct{ *zstd.Decoder }

func (z zstdReadCloser) Close() error {
	z.Decoder.Close()
	return nil
}
