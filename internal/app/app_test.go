package app

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/driveops/garch/internal/archive"
	"github.com/driveops/garch/internal/config"
	"github.com/driveops/garch/internal/cryptoutil"
	"github.com/driveops/garch/internal/remote"
)

type committed struct {
	Parent string
	Name   string
	Data   []byte
}

type fakeRemote struct {
	items    map[string]remote.Item
	children map[string][]remote.Item
	files    map[string][]byte

	commits []committed
	deleted []string

	readErrs       map[string]error
	uploadErr      error
	uploadEarlyErr error // returned after a partial read, without draining
	bytesOverride  int64 // reported instead of the real size when > 0
}

func (f *fakeRemote) Stat(ctx context.Context, id string) (remote.Item, error) {
	item, ok := f.items[id]
	if !ok {
		return remote.Item{}, remote.ListError(errors.New("not found: "+id), false)
	}
	return item, nil
}

func (f *fakeRemote) List(ctx context.Context, folderID string) ([]remote.Item, error) {
	return f.children[folderID], nil
}

func (f *fakeRemote) OpenRead(ctx context.Context, fileID string) (io.ReadCloser, error) {
	if err := f.readErrs[fileID]; err != nil {
		return nil, err
	}
	data, ok := f.files[fileID]
	if !ok {
		return nil, remote.ReadError(errors.New("no bytes for "+fileID), false)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeRemote) Upload(ctx context.Context, parentID, name string, r io.Reader) (remote.UploadResult, error) {
	if f.uploadEarlyErr != nil {
		_, _ = io.ReadFull(r, make([]byte, 8))
		return remote.UploadResult{}, f.uploadEarlyErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return remote.UploadResult{}, remote.UploadError(err, false)
	}
	if f.uploadErr != nil {
		return remote.UploadResult{}, f.uploadErr
	}
	f.commits = append(f.commits, committed{Parent: parentID, Name: name, Data: data})
	sum := md5.Sum(data)
	size := int64(len(data))
	if f.bytesOverride > 0 {
		size = f.bytesOverride
	}
	return remote.UploadResult{ID: parentID + "/" + name, Bytes: size, MD5: hex.EncodeToString(sum[:])}, nil
}

func (f *fakeRemote) Delete(ctx context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

// reportsTree builds the /Reports scenario: a.txt (10 bytes),
// b/c.txt (20 bytes), and the empty folder b/empty.
func reportsTree() *fakeRemote {
	return &fakeRemote{
		items: map[string]remote.Item{
			"root": {ID: "root", Name: "Reports", Parent: "parent", IsFolder: true},
		},
		children: map[string][]remote.Item{
			"root": {
				{ID: "f-a", Name: "a.txt", Parent: "root", Size: 10, HasBytes: true},
				{ID: "d-b", Name: "b", Parent: "root", IsFolder: true},
			},
			"d-b": {
				{ID: "f-c", Name: "c.txt", Parent: "d-b", Size: 20, HasBytes: true},
				{ID: "d-empty", Name: "empty", Parent: "d-b", IsFolder: true},
			},
			"d-empty": {},
		},
		files: map[string][]byte{
			"f-a": []byte("0123456789"),
			"f-c": []byte(strings.Repeat("z", 20)),
		},
	}
}

func testConfig(t *testing.T, deleteSource bool) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.Remote.Backend = "local"
	cfg.Archive.FolderID = "root"
	cfg.Archive.DeleteSource = deleteSource
	cfg.Transfer.SpoolDir = t.TempDir()
	cfg.Transfer.Parallelism = 2
	cfg.Global.LockFile = filepath.Join(t.TempDir(), "garch.lock")
	return cfg
}

func runArchive(t *testing.T, cfg *config.Config, client *fakeRemote) (*Result, error) {
	t.Helper()
	svc := New(cfg, client, zerolog.Nop(), nil)
	return svc.Archive(context.Background())
}

func archivePaths(t *testing.T, compression string, payload []byte) []string {
	t.Helper()
	dec, err := archive.WrapReader(compression, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("open decompressor: %v", err)
	}
	defer dec.Close()
	tr := tar.NewReader(dec)
	var paths []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			sort.Strings(paths)
			return paths
		}
		if err != nil {
			t.Fatalf("read archive: %v", err)
		}
		paths = append(paths, hdr.Name)
	}
}

func TestArchiveReports(t *testing.T) {
	client := reportsTree()
	cfg := testConfig(t, false)

	res, err := runArchive(t, cfg, client)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ArchiveName != "Reports.tar.xz" {
		t.Fatalf("unexpected archive name: %s", res.ArchiveName)
	}
	if len(client.commits) != 1 {
		t.Fatalf("expected one committed object, got %d", len(client.commits))
	}
	commit := client.commits[0]
	if commit.Parent != "parent" {
		t.Fatalf("archive uploaded to %q, expected the source's parent", commit.Parent)
	}

	paths := archivePaths(t, cfg.Archive.Compression, commit.Data)
	want := []string{"a.txt", "b/c.txt", "b/empty/"}
	if len(paths) != len(want) {
		t.Fatalf("unexpected entries: %v", paths)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Fatalf("entry %d: got %q, want %q", i, paths[i], want[i])
		}
	}

	if res.Deleted || len(client.deleted) != 0 {
		t.Fatalf("source must remain untouched without --delete-folder")
	}
	if res.Files != 2 || res.Dirs != 1 {
		t.Fatalf("unexpected counts: %+v", res)
	}
}

func TestArchiveDeletesAfterVerification(t *testing.T) {
	client := reportsTree()
	cfg := testConfig(t, true)

	res, err := runArchive(t, cfg, client)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Deleted {
		t.Fatalf("expected source to be deleted")
	}
	if len(client.deleted) != 1 || client.deleted[0] != "root" {
		t.Fatalf("unexpected deletions: %v", client.deleted)
	}
	if len(client.commits) != 1 {
		t.Fatalf("expected the archive to be committed before deletion")
	}
}

func TestArchiveReadFailureAborts(t *testing.T) {
	client := reportsTree()
	client.readErrs = map[string]error{"f-c": remote.ReadError(errors.New("gone"), false)}
	cfg := testConfig(t, true)

	_, err := runArchive(t, cfg, client)
	if err == nil {
		t.Fatalf("expected error")
	}
	if remote.StageOf(err) != remote.StageRead {
		t.Fatalf("expected read stage, got %q", remote.StageOf(err))
	}
	if len(client.commits) != 0 {
		t.Fatalf("no object may be committed after a read failure")
	}
	if len(client.deleted) != 0 {
		t.Fatalf("source must not be deleted after a read failure")
	}
}

func TestArchiveUploadFailureAborts(t *testing.T) {
	client := reportsTree()
	client.uploadErr = remote.UploadError(errors.New("final chunk rejected"), false)
	cfg := testConfig(t, true)

	_, err := runArchive(t, cfg, client)
	if err == nil {
		t.Fatalf("expected error")
	}
	if remote.StageOf(err) != remote.StageUpload {
		t.Fatalf("expected upload stage, got %q", remote.StageOf(err))
	}
	if len(client.commits) != 0 || len(client.deleted) != 0 {
		t.Fatalf("no commit or deletion may happen after an upload failure")
	}
}

func TestArchiveUploadFailureMidStreamKeepsStage(t *testing.T) {
	client := reportsTree()
	client.uploadEarlyErr = remote.UploadError(errors.New("chunk rejected after retries"), false)
	cfg := testConfig(t, true)

	_, err := runArchive(t, cfg, client)
	if err == nil {
		t.Fatalf("expected error")
	}
	if remote.StageOf(err) != remote.StageUpload {
		t.Fatalf("expected upload stage, got %q (err: %v)", remote.StageOf(err), err)
	}
	if strings.Contains(err.Error(), "closed pipe") {
		t.Fatalf("surfaced the pipe consequence instead of the upload cause: %v", err)
	}
	if len(client.commits) != 0 || len(client.deleted) != 0 {
		t.Fatalf("no commit or deletion may happen after an upload failure")
	}
}

func TestArchiveVerificationMismatchBlocksDeletion(t *testing.T) {
	client := reportsTree()
	client.bytesOverride = 1 // remote reports a size that cannot match
	cfg := testConfig(t, true)

	_, err := runArchive(t, cfg, client)
	if err == nil {
		t.Fatalf("expected error")
	}
	if remote.StageOf(err) != remote.StageVerify {
		t.Fatalf("expected verify stage, got %q", remote.StageOf(err))
	}
	if len(client.deleted) != 0 {
		t.Fatalf("source must not be deleted on verification mismatch")
	}
}

func TestArchiveLogsStageTransitions(t *testing.T) {
	client := reportsTree()
	cfg := testConfig(t, false)
	var logBuf bytes.Buffer
	logger := zerolog.New(zerolog.SyncWriter(&logBuf))

	if _, err := New(cfg, client, logger, nil).Archive(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	logs := logBuf.String()
	for _, transition := range []string{
		`"from":"init","to":"walking"`,
		`"from":"walking","to":"building"`,
		`"from":"building","to":"uploading"`,
		`"from":"uploading","to":"verifying"`,
	} {
		if !strings.Contains(logs, transition) {
			t.Fatalf("missing transition %s in logs: %s", transition, logs)
		}
	}
	if strings.Count(logs, `"to":"uploading"`) != 1 {
		t.Fatalf("uploading transition must be logged exactly once: %s", logs)
	}
}

func TestArchiveEmptyFolderFails(t *testing.T) {
	client := &fakeRemote{
		items: map[string]remote.Item{
			"root": {ID: "root", Name: "Empty", Parent: "parent", IsFolder: true},
		},
		children: map[string][]remote.Item{"root": {}},
	}
	cfg := testConfig(t, false)

	if _, err := runArchive(t, cfg, client); err == nil {
		t.Fatalf("expected empty folder to fail")
	}
	if len(client.commits) != 0 {
		t.Fatalf("nothing may be uploaded for an empty folder")
	}
}

func TestArchiveCancellationLeavesSourceIntact(t *testing.T) {
	client := reportsTree()
	cfg := testConfig(t, true)
	svc := New(cfg, client, zerolog.Nop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := svc.Archive(ctx); err == nil {
		t.Fatalf("expected cancellation to fail the run")
	}
	if len(client.deleted) != 0 {
		t.Fatalf("source must not be deleted after cancellation")
	}
}

func TestArchiveEncryptedAtRest(t *testing.T) {
	client := reportsTree()
	cfg := testConfig(t, false)
	key := bytes.Repeat([]byte{0x2a}, 32)
	cfg.Archive.EncryptKey = "hex:" + hex.EncodeToString(key)

	res, err := runArchive(t, cfg, client)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ArchiveName != "Reports.tar.xz.enc" {
		t.Fatalf("unexpected archive name: %s", res.ArchiveName)
	}
	commit := client.commits[0]
	if res.ArchiveBytes != int64(len(commit.Data)) {
		t.Fatalf("reported %d archive bytes, committed %d", res.ArchiveBytes, len(commit.Data))
	}

	dec, err := cryptoutil.DecryptReader(bytes.NewReader(commit.Data), key)
	if err != nil {
		t.Fatalf("open decrypter: %v", err)
	}
	plain, err := io.ReadAll(dec)
	if err != nil {
		t.Fatalf("decrypt archive: %v", err)
	}
	paths := archivePaths(t, cfg.Archive.Compression, plain)
	want := []string{"a.txt", "b/c.txt", "b/empty/"}
	if len(paths) != len(want) {
		t.Fatalf("unexpected entries after decryption: %v", paths)
	}
}

func TestArchiveRepeatedRunsMatch(t *testing.T) {
	cfg := testConfig(t, false)
	cfg.Archive.Compression = "gzip"

	first := reportsTree()
	if _, err := runArchive(t, cfg, first); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second := reportsTree()
	if _, err := runArchive(t, cfg, second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	a := archivePaths(t, "gzip", first.commits[0].Data)
	b := archivePaths(t, "gzip", second.commits[0].Data)
	if len(a) != len(b) {
		t.Fatalf("entry sets differ: %v vs %v", a, b)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("entry %d differs: %q vs %q", i, a[i], b[i])
		}
	}
}
