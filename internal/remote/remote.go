package remote

import (
	"context"
	"io"
	"time"
)

// Item describes one remote file or folder.
type Item struct {
	ID       string
	Name     string
	Parent   string
	IsFolder bool
	Size     int64 // -1 when the remote does not report a size
	ModTime  time.Time
	MD5      string
	// HasBytes is false for provider-native documents that expose no
	// downloadable binary content.
	HasBytes bool
}

// UploadResult reports the committed archive object. Bytes and MD5 come
// from the remote's own view of the object and gate source deletion.
type UploadResult struct {
	ID    string
	Bytes int64
	MD5   string // empty when the backend cannot report a content hash
}

// Client is the capability surface the archive pipeline consumes. The
// controller constructs one client per run and injects it into the
// walker, builder, and uploader; nothing holds ambient client state.
type Client interface {
	// Stat resolves an item by ID, including its parent.
	Stat(ctx context.Context, id string) (Item, error)
	// List returns the immediate children of a folder.
	List(ctx context.Context, folderID string) ([]Item, error)
	// OpenRead streams a file's bytes.
	OpenRead(ctx context.Context, fileID string) (io.ReadCloser, error)
	// Upload streams r into a new object named name under parentID.
	// The reader's total length is not known up front; implementations
	// must transfer in chunks and leave no committed object behind on
	// failure.
	Upload(ctx context.Context, parentID, name string, r io.Reader) (UploadResult, error)
	// Delete removes an item; for folders the delete is recursive.
	Delete(ctx context.Context, id string) error
}
