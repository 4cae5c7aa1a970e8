// Package archive turns an ordered manifest into a compressed tar
// stream without holding more than a bounded buffer of file content in
// memory.
package archive

import (
	"archive/tar"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/driveops/garch/internal/remote"
	"github.com/driveops/garch/internal/util"
	"github.com/driveops/garch/internal/walk"
)

// Source supplies file byte streams; remote.Client satisfies it.
type Source interface {
	OpenRead(ctx context.Context, fileID string) (io.ReadCloser, error)
}

// Builder streams manifest entries into a compressed tar container.
type Builder struct {
	Compression string
	BufferSize  int
	Parallelism int
	SpoolDir    string
	Retry       util.Policy
	Log         zerolog.Logger
}

// Stats reports what one build wrote. CompressedBytes and MD5 describe
// the sealed archive stream and are the verification reference for the
// uploaded object.
type Stats struct {
	Files           int
	Dirs            int
	RawBytes        int64
	CompressedBytes int64
	MD5             string
}

// Build writes every manifest entry, in order, as a tar entry through
// the compression filter into w. Compressed bytes flow straight into w;
// only per-entry spool files and a copy buffer exist locally. Any read
// failure (after retries) aborts the build with nothing sealed.
func (b *Builder) Build(ctx context.Context, entries []walk.Entry, src Source, w io.Writer) (*Stats, error) {
	digest := &digestWriter{w: w, hash: md5.New()}
	comp, err := WrapWriter(b.Compression, digest)
	if err != nil {
		return nil, err
	}
	tw := tar.NewWriter(comp)

	bufSize := b.BufferSize
	if bufSize <= 0 {
		bufSize = 256 * 1024
	}

	var pf *prefetcher
	if b.Parallelism > 1 {
		pf = newPrefetcher(ctx, src, entries, b.Parallelism, b.SpoolDir, bufSize, b.Retry)
		defer pf.stop()
	}

	stats := &Stats{}
	buf := make([]byte, bufSize)
	for i, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.IsDir {
			if err := tw.WriteHeader(dirHeader(entry)); err != nil {
				return nil, fmt.Errorf("write directory entry %s: %w", entry.Path, err)
			}
			stats.Dirs++
			continue
		}

		var written int64
		if pf != nil {
			written, err = b.writeSpooled(ctx, pf, i, entry, tw, buf)
		} else {
			written, err = b.writeDirect(ctx, src, entry, tw, buf)
		}
		if err != nil {
			return nil, err
		}
		stats.Files++
		stats.RawBytes += written
		b.Log.Debug().Str("path", entry.Path).Int64("bytes", written).Msg("archived entry")
	}

	// Seal the container: tar end marker, then flush the compressor.
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("seal archive: %w", err)
	}
	if err := comp.Close(); err != nil {
		return nil, fmt.Errorf("flush compressor: %w", err)
	}

	stats.CompressedBytes = digest.n
	stats.MD5 = hex.EncodeToString(digest.hash.Sum(nil))
	return stats, nil
}

func (b *Builder) writeSpooled(ctx context.Context, pf *prefetcher, i int, entry walk.Entry, tw *tar.Writer, buf []byte) (int64, error) {
	res, err := pf.next(ctx, i)
	if err != nil {
		return 0, err
	}
	defer discardSpool(res.file)
	defer pf.done()

	if err := tw.WriteHeader(fileHeader(entry, res.size)); err != nil {
		return 0, fmt.Errorf("write entry header %s: %w", entry.Path, err)
	}
	n, err := io.CopyBuffer(tw, res.file, buf)
	if err != nil {
		return 0, fmt.Errorf("write entry %s: %w", entry.Path, err)
	}
	return n, nil
}

// writeDirect streams the remote file straight into the tar entry. The
// header needs the size up front, so the stream is clamped to the
// manifest's size hint and a short stream is an error; entries without
// a size hint fall back to a one-off spool.
func (b *Builder) writeDirect(ctx context.Context, src Source, entry walk.Entry, tw *tar.Writer, buf []byte) (int64, error) {
	if entry.Size < 0 {
		file, size, err := spoolEntry(ctx, src, entry, b.SpoolDir, len(buf), b.Retry)
		if err != nil {
			return 0, err
		}
		defer discardSpool(file)
		if err := tw.WriteHeader(fileHeader(entry, size)); err != nil {
			return 0, fmt.Errorf("write entry header %s: %w", entry.Path, err)
		}
		n, err := io.CopyBuffer(tw, file, buf)
		if err != nil {
			return 0, fmt.Errorf("write entry %s: %w", entry.Path, err)
		}
		return n, nil
	}

	var stream io.ReadCloser
	err := b.Retry.Do(ctx, func() error {
		var openErr error
		stream, openErr = src.OpenRead(ctx, entry.ID)
		return openErr
	})
	if err != nil {
		return 0, err
	}
	defer stream.Close()

	if err := tw.WriteHeader(fileHeader(entry, entry.Size)); err != nil {
		return 0, fmt.Errorf("write entry header %s: %w", entry.Path, err)
	}
	n, err := io.CopyBuffer(tw, io.LimitReader(stream, entry.Size), buf)
	if err != nil {
		return n, remote.ReadError(fmt.Errorf("stream %s: %w", entry.Path, err), false)
	}
	if n != entry.Size {
		return n, remote.ReadError(fmt.Errorf("stream %s: got %d bytes, expected %d", entry.Path, n, entry.Size), false)
	}
	return n, nil
}

func fileHeader(entry walk.Entry, size int64) *tar.Header {
	return &tar.Header{
		Name:     entry.Path,
		Size:     size,
		Mode:     0o644,
		ModTime:  entryModTime(entry),
		Typeflag: tar.TypeReg,
	}
}

func dirHeader(entry walk.Entry) *tar.Header {
	return &tar.Header{
		Name:     entry.Path + "/",
		Mode:     0o755,
		ModTime:  entryModTime(entry),
		Typeflag: tar.TypeDir,
	}
}

func entryModTime(entry walk.Entry) time.Time {
	if entry.ModTime.IsZero() {
		return time.Unix(0, 0).UTC()
	}
	return entry.ModTime
}

// digestWriter counts and hashes the compressed stream on its way out.
type digestWriter struct {
	w    io.Writer
	n    int64
	hash hash.Hash
}

func (d *digestWriter) Write(p []byte) (int, error) {
	n, err := d.w.Write(p)
	d.n += int64(n)
	d.hash.Write(p[:n])
	return n, err
}
