package archive

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/driveops/garch/internal/remote"
	"github.com/driveops/garch/internal/util"
	"github.com/driveops/garch/internal/walk"
)

type fetchResult struct {
	file *os.File
	size int64
	err  error
}

// prefetcher downloads upcoming manifest entries into spool files while
// the tar writer consumes strictly in manifest order. A token channel
// bounds the number of entries fetched ahead, so spool usage stays at
// O(workers × file size) regardless of tree size.
type prefetcher struct {
	results []chan fetchResult
	tokens  chan struct{}
	cancel  context.CancelFunc
}

func newPrefetcher(ctx context.Context, src Source, entries []walk.Entry, workers int, spoolDir string, bufSize int, retry util.Policy) *prefetcher {
	pctx, cancel := context.WithCancel(ctx)
	p := &prefetcher{
		results: make([]chan fetchResult, len(entries)),
		tokens:  make(chan struct{}, workers),
		cancel:  cancel,
	}
	for i := range p.results {
		p.results[i] = make(chan fetchResult, 1)
	}
	go p.schedule(pctx, src, entries, spoolDir, bufSize, retry)
	return p
}

func (p *prefetcher) schedule(ctx context.Context, src Source, entries []walk.Entry, spoolDir string, bufSize int, retry util.Policy) {
	for i, entry := range entries {
		if entry.IsDir {
			continue
		}
		select {
		case p.tokens <- struct{}{}:
		case <-ctx.Done():
			p.results[i] <- fetchResult{err: ctx.Err()}
			return
		}
		go func(i int, entry walk.Entry) {
			file, size, err := spoolEntry(ctx, src, entry, spoolDir, bufSize, retry)
			p.results[i] <- fetchResult{file: file, size: size, err: err}
		}(i, entry)
	}
}

// next blocks until the spool file for manifest index i is ready.
func (p *prefetcher) next(ctx context.Context, i int) (fetchResult, error) {
	select {
	case res := <-p.results[i]:
		return res, res.err
	case <-ctx.Done():
		return fetchResult{}, ctx.Err()
	}
}

// done releases the prefetch slot held since the entry was scheduled.
func (p *prefetcher) done() {
	<-p.tokens
}

// stop cancels outstanding fetches. Spool files still held by in-flight
// workers are reclaimed when the run's spool directory is removed.
func (p *prefetcher) stop() {
	p.cancel()
}

// spoolEntry copies one remote file into a spool file, retrying the
// whole fetch on transient read failures. The stream is clamped to the
// manifest size hint and a truncated fetch is an error. The returned
// file is positioned at the start.
func spoolEntry(ctx context.Context, src Source, entry walk.Entry, spoolDir string, bufSize int, retry util.Policy) (*os.File, int64, error) {
	var file *os.File
	var size int64
	err := retry.Do(ctx, func() error {
		spool, err := os.CreateTemp(spoolDir, "entry-*")
		if err != nil {
			return remote.ReadError(fmt.Errorf("create spool file: %w", err), false)
		}
		stream, err := src.OpenRead(ctx, entry.ID)
		if err != nil {
			discardSpool(spool)
			return err
		}
		in := io.Reader(stream)
		if entry.Size >= 0 {
			in = io.LimitReader(stream, entry.Size)
		}
		n, err := io.CopyBuffer(spool, in, make([]byte, bufSize))
		stream.Close()
		if err != nil {
			discardSpool(spool)
			return remote.ReadError(fmt.Errorf("fetch %s: %w", entry.Path, err), true)
		}
		if entry.Size >= 0 && n != entry.Size {
			discardSpool(spool)
			return remote.ReadError(fmt.Errorf("fetch %s: got %d bytes, expected %d", entry.Path, n, entry.Size), false)
		}
		if _, err := spool.Seek(0, io.SeekStart); err != nil {
			discardSpool(spool)
			return remote.ReadError(err, false)
		}
		file, size = spool, n
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return file, size, nil
}

func discardSpool(f *os.File) {
	name := f.Name()
	f.Close()
	os.Remove(name)
}
