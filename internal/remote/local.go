package remote

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
)

// Local serves a directory tree on disk through the Client interface.
// Item IDs are slash-separated paths relative to the base directory,
// with "" naming the base itself. Used for development and tests.
type Local struct {
	BasePath string
}

func NewLocal(basePath string) *Local {
	return &Local{BasePath: basePath}
}

func (l *Local) abs(id string) string {
	return filepath.Join(l.BasePath, filepath.FromSlash(id))
}

func localParent(id string) string {
	dir := path.Dir(id)
	if dir == "." || dir == "/" {
		return ""
	}
	return dir
}

func (l *Local) Stat(ctx context.Context, id string) (Item, error) {
	if err := ctx.Err(); err != nil {
		return Item{}, err
	}
	info, err := os.Stat(l.abs(id))
	if err != nil {
		return Item{}, ListError(err, false)
	}
	name := info.Name()
	if id == "" {
		name = filepath.Base(l.BasePath)
	}
	item := Item{
		ID:       id,
		Name:     name,
		Parent:   localParent(id),
		IsFolder: info.IsDir(),
		Size:     -1,
		ModTime:  info.ModTime(),
	}
	if !info.IsDir() {
		item.Size = info.Size()
		item.HasBytes = true
	}
	return item, nil
}

func (l *Local) List(ctx context.Context, folderID string) ([]Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(l.abs(folderID))
	if err != nil {
		return nil, ListError(err, false)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	var items []Item
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			return nil, ListError(err, false)
		}
		id := path.Join(folderID, entry.Name())
		item := Item{
			ID:       id,
			Name:     entry.Name(),
			Parent:   folderID,
			IsFolder: entry.IsDir(),
			Size:     -1,
			ModTime:  info.ModTime(),
		}
		if !entry.IsDir() {
			item.Size = info.Size()
			item.HasBytes = true
		}
		items = append(items, item)
	}
	return items, nil
}

func (l *Local) OpenRead(ctx context.Context, fileID string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(l.abs(fileID))
	if err != nil {
		return nil, ReadError(err, false)
	}
	return f, nil
}

func (l *Local) Upload(ctx context.Context, parentID, name string, r io.Reader) (UploadResult, error) {
	if err := ctx.Err(); err != nil {
		return UploadResult{}, err
	}
	id := path.Join(parentID, name)
	target := l.abs(id)
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return UploadResult{}, UploadError(err, false)
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return UploadResult{}, UploadError(err, false)
	}
	hash := md5.New()
	n, err := io.Copy(io.MultiWriter(f, hash), r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(target)
		return UploadResult{}, UploadError(fmt.Errorf("write %s: %w", id, err), false)
	}
	return UploadResult{ID: id, Bytes: n, MD5: hex.EncodeToString(hash.Sum(nil))}, nil
}

func (l *Local) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.RemoveAll(l.abs(id)); err != nil {
		return DeleteError(err, false)
	}
	return nil
}
