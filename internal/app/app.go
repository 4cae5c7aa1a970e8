// Package app orchestrates the archive pipeline: walk, build, upload,
// verify, and optionally delete the source. It is the only place
// allowed to trigger deletion, and only after the uploaded object has
// been verified against what the builder wrote.
package app

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/driveops/garch/internal/archive"
	"github.com/driveops/garch/internal/config"
	"github.com/driveops/garch/internal/cryptoutil"
	"github.com/driveops/garch/internal/lock"
	"github.com/driveops/garch/internal/notify"
	"github.com/driveops/garch/internal/remote"
	"github.com/driveops/garch/internal/util"
	"github.com/driveops/garch/internal/walk"
)

type State string

const (
	StateInit      State = "init"
	StateWalking   State = "walking"
	StateBuilding  State = "building"
	StateUploading State = "uploading"
	StateVerifying State = "verifying"
	StateDeleting  State = "deleting"
	StateDone      State = "done"
	StateAborted   State = "aborted"
)

type App struct {
	Cfg      *config.Config
	Remote   remote.Client
	Log      zerolog.Logger
	Notifier notify.Notifier
}

func New(cfg *config.Config, client remote.Client, log zerolog.Logger, notifier notify.Notifier) *App {
	return &App{Cfg: cfg, Remote: client, Log: log, Notifier: notifier}
}

// Result summarizes a completed archive run.
type Result struct {
	FolderID     string
	FolderName   string
	ArchiveID    string
	ArchiveName  string
	Files        int
	Dirs         int
	Skipped      int
	RawBytes     int64
	ArchiveBytes int64
	Deleted      bool
	Duration     time.Duration
}

// Archive runs the full pipeline for the configured folder. On any
// surfaced error the operation is aborted: no partially uploaded object
// is left committed and the source tree is untouched.
func (a *App) Archive(ctx context.Context) (*Result, error) {
	start := time.Now()
	state := StateInit
	result := &Result{FolderID: a.Cfg.Archive.FolderID}
	var opErr error
	defer func() {
		if a.Notifier == nil {
			return
		}
		event := notify.Event{
			Type:      "archive",
			Message:   fmt.Sprintf("archive %s", result.FolderName),
			Status:    statusFromErr(opErr),
			Folder:    result.FolderName,
			FolderID:  result.FolderID,
			Archive:   result.ArchiveName,
			ArchiveID: result.ArchiveID,
			Deleted:   result.Deleted,
			StartedAt: start,
			EndedAt:   time.Now(),
			Duration:  time.Since(start).String(),
		}
		if opErr != nil {
			event.Error = opErr.Error()
		}
		_ = a.Notifier.Notify(context.Background(), event)
	}()

	guard, err := lock.Acquire(a.Cfg.Global.LockFile)
	if err != nil {
		opErr = err
		return nil, err
	}
	defer guard.Release()

	ok, err := util.InWindow(time.Now(), a.Cfg.Schedule.WindowStart, a.Cfg.Schedule.WindowEnd, a.Cfg.Schedule.Timezone)
	if err != nil {
		opErr = err
		return nil, err
	}
	if !ok {
		opErr = fmt.Errorf("current time is outside the configured archive window")
		return nil, opErr
	}

	retry := util.Policy{
		Attempts: a.Cfg.Transfer.RetryCount,
		Backoff:  a.Cfg.Transfer.RetryBackoff,
		MaxDelay: a.Cfg.Transfer.RetryMax,
	}

	var folder remote.Item
	err = retry.Do(ctx, func() error {
		var statErr error
		folder, statErr = a.Remote.Stat(ctx, a.Cfg.Archive.FolderID)
		return statErr
	})
	if err != nil {
		opErr = fmt.Errorf("resolve folder %s: %w", a.Cfg.Archive.FolderID, err)
		return nil, opErr
	}
	if !folder.IsFolder {
		opErr = fmt.Errorf("%s is not a folder", a.Cfg.Archive.FolderID)
		return nil, opErr
	}
	if a.Cfg.Remote.Backend == "drive" || a.Cfg.Remote.Backend == "" {
		if folder.Parent == "" {
			opErr = fmt.Errorf("folder %s has no parent; root-level folders cannot be archived", folder.ID)
			return nil, opErr
		}
	}
	result.FolderName = folder.Name

	var encryptKey []byte
	if a.Cfg.Archive.EncryptKey != "" {
		encryptKey, err = cryptoutil.ParseKey(a.Cfg.Archive.EncryptKey)
		if err != nil {
			opErr = fmt.Errorf("archive encryption key: %w", err)
			return nil, opErr
		}
	}

	name := a.Cfg.Archive.Name
	if name == "" {
		ext, extErr := archive.Extension(a.Cfg.Archive.Compression)
		if extErr != nil {
			opErr = extErr
			return nil, opErr
		}
		name = util.ArchiveName(folder.Name, ext)
	}
	if encryptKey != nil && !strings.HasSuffix(name, ".enc") {
		name += ".enc"
	}
	result.ArchiveName = name

	state = a.transition(state, StateWalking)
	walker := &walk.Walker{Client: a.Remote, Retry: retry, Log: a.Log}
	manifest, err := walker.Walk(ctx, folder)
	if err != nil {
		opErr = err
		return nil, a.abort(state, err)
	}
	if len(manifest.Entries) == 0 {
		opErr = fmt.Errorf("folder %s has nothing to archive", folder.Name)
		return nil, a.abort(state, opErr)
	}
	result.Files = manifest.Files
	result.Dirs = manifest.Dirs
	result.Skipped = manifest.Skipped
	a.Log.Info().Int("files", manifest.Files).Int("dirs", manifest.Dirs).
		Int("skipped", manifest.Skipped).Int64("bytes", manifest.TotalBytes).
		Msg("manifest complete")

	spoolDir, err := os.MkdirTemp(a.Cfg.Transfer.SpoolDir, "garch-spool-*")
	if err != nil {
		opErr = fmt.Errorf("create spool directory: %w", err)
		return nil, a.abort(state, opErr)
	}
	defer os.RemoveAll(spoolDir)

	state = a.transition(state, StateBuilding)

	builder := &archive.Builder{
		Compression: a.Cfg.Archive.Compression,
		BufferSize:  a.Cfg.Transfer.BufferSize,
		Parallelism: a.Cfg.Transfer.Parallelism,
		SpoolDir:    spoolDir,
		Retry:       retry,
		Log:         a.Log,
	}

	pipeReader, pipeWriter := io.Pipe()
	eg, egCtx := errgroup.WithContext(ctx)

	var uploaded remote.UploadResult
	var uploadErr error
	eg.Go(func() error {
		defer pipeReader.Close()
		a.transition(StateBuilding, StateUploading)
		res, upErr := a.Remote.Upload(egCtx, folder.Parent, name, pipeReader)
		if upErr != nil {
			uploadErr = upErr
			return upErr
		}
		uploaded = res
		return nil
	})

	var stats *archive.Stats
	var buildErr error
	outbound := &streamDigest{w: pipeWriter, hash: md5.New()}
	eg.Go(func() error {
		sink := io.Writer(outbound)
		var enc io.WriteCloser
		if encryptKey != nil {
			var encErr error
			enc, encErr = cryptoutil.EncryptWriter(outbound, encryptKey)
			if encErr != nil {
				buildErr = encErr
				_ = pipeWriter.CloseWithError(encErr)
				return encErr
			}
			sink = enc
		}
		s, err := builder.Build(egCtx, manifest.Entries, a.Remote, sink)
		if err == nil && enc != nil {
			err = enc.Close()
		}
		if err != nil {
			buildErr = err
			_ = pipeWriter.CloseWithError(err)
			return err
		}
		stats = s
		return pipeWriter.Close()
	})

	if err := eg.Wait(); err != nil {
		// When the upload dies first, the builder fails writing into the
		// closed pipe; that build error is a consequence, not the cause.
		if buildErr != nil && !errors.Is(buildErr, io.ErrClosedPipe) {
			err = buildErr
		} else if uploadErr != nil {
			err = uploadErr
		}
		opErr = err
		return nil, a.abort(state, err)
	}
	state = StateUploading // transition logged when the upload began
	result.RawBytes = stats.RawBytes
	result.ArchiveBytes = outbound.n

	state = a.transition(state, StateVerifying)
	if err := a.verify(ctx, retry, &uploaded, outbound.n, hex.EncodeToString(outbound.hash.Sum(nil))); err != nil {
		opErr = err
		return nil, a.abort(state, err)
	}
	result.ArchiveID = uploaded.ID

	if a.Cfg.Archive.DeleteSource {
		state = a.transition(state, StateDeleting)
		err := retry.Do(ctx, func() error {
			return a.Remote.Delete(ctx, folder.ID)
		})
		if err != nil {
			opErr = fmt.Errorf("archive %s is committed but deleting the source failed: %w", uploaded.ID, err)
			return nil, a.abort(state, opErr)
		}
		result.Deleted = true
	}

	a.transition(state, StateDone)
	result.Duration = time.Since(start)
	return result, nil
}

// verify compares the committed object against the stream that left the
// build side of the pipe. A mismatch is fatal: the source must never be
// deleted against an unverified archive.
func (a *App) verify(ctx context.Context, retry util.Policy, uploaded *remote.UploadResult, wantBytes int64, wantMD5 string) error {
	if uploaded.Bytes < 0 || uploaded.MD5 == "" {
		var item remote.Item
		err := retry.Do(ctx, func() error {
			var statErr error
			item, statErr = a.Remote.Stat(ctx, uploaded.ID)
			return statErr
		})
		if err != nil {
			return remote.VerifyError(fmt.Errorf("stat uploaded archive: %w", err))
		}
		if uploaded.Bytes < 0 {
			uploaded.Bytes = item.Size
		}
		if uploaded.MD5 == "" {
			uploaded.MD5 = item.MD5
		}
	}
	if uploaded.Bytes != wantBytes {
		return remote.VerifyError(fmt.Errorf("uploaded %d bytes but archive stream was %d bytes", uploaded.Bytes, wantBytes))
	}
	if uploaded.MD5 != "" && wantMD5 != "" && uploaded.MD5 != wantMD5 {
		return remote.VerifyError(fmt.Errorf("uploaded object hash %s does not match stream hash %s", uploaded.MD5, wantMD5))
	}
	return nil
}

// streamDigest counts and hashes the bytes that actually leave for the
// remote, after any at-rest encryption.
type streamDigest struct {
	w    io.Writer
	n    int64
	hash hash.Hash
}

func (d *streamDigest) Write(p []byte) (int, error) {
	n, err := d.w.Write(p)
	d.n += int64(n)
	d.hash.Write(p[:n])
	return n, err
}

func (a *App) transition(from, to State) State {
	a.Log.Info().Str("from", string(from)).Str("to", string(to)).Msg("state")
	return to
}

func (a *App) abort(from State, err error) error {
	a.Log.Error().Err(err).Str("from", string(from)).Str("to", string(StateAborted)).Msg("state")
	return err
}

func statusFromErr(err error) string {
	if err == nil {
		return "success"
	}
	return "failed"
}
