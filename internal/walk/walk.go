// Package walk enumerates a remote folder tree into an ordered manifest.
//
// Traversal is depth-first with an explicit work stack so arbitrarily
// deep trees cannot grow the call stack. Within each folder, children
// are sorted by name with files ahead of sub-folders; files are emitted
// first, then each sub-folder is descended in order. A folder that
// contributes no entries and no sub-folders emits a single directory
// marker so its path survives the archive round trip. The ordering is
// fixed, so an unchanged tree always yields an identical manifest.
package walk

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/driveops/garch/internal/remote"
	"github.com/driveops/garch/internal/util"
)

// Entry is one archivable item: a file with a remote handle, or a
// directory marker for an empty folder. Path is slash-separated and
// relative to the walked root.
type Entry struct {
	Path    string
	ID      string
	Size    int64 // -1 when the remote reports no size
	ModTime time.Time
	IsDir   bool
}

// Manifest is the ordered result of one traversal.
type Manifest struct {
	Entries    []Entry
	Files      int
	Dirs       int
	Skipped    int // provider-native items with no downloadable bytes
	TotalBytes int64
}

type Walker struct {
	Client remote.Client
	Retry  util.Policy
	Log    zerolog.Logger
}

type frame struct {
	id   string
	path string
}

// Walk traverses the folder tree rooted at root. Any listing failure
// aborts the walk after retries; a partial manifest is never returned.
func (w *Walker) Walk(ctx context.Context, root remote.Item) (*Manifest, error) {
	manifest := &Manifest{}
	stack := []frame{{id: root.ID, path: ""}}

	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		var children []remote.Item
		err := w.Retry.Do(ctx, func() error {
			var listErr error
			children, listErr = w.Client.List(ctx, cur.id)
			return listErr
		})
		if err != nil {
			return nil, fmt.Errorf("list %q: %w", cur.path, err)
		}

		sort.Slice(children, func(i, j int) bool {
			if children[i].IsFolder != children[j].IsFolder {
				return !children[i].IsFolder
			}
			return children[i].Name < children[j].Name
		})

		seen := make(map[string]struct{}, len(children))
		var folders []frame
		files := 0
		for _, child := range children {
			childPath, err := joinChild(cur.path, child.Name)
			if err != nil {
				return nil, err
			}
			if _, dup := seen[child.Name]; dup {
				return nil, fmt.Errorf("duplicate name %q under %q", child.Name, cur.path)
			}
			seen[child.Name] = struct{}{}

			if child.IsFolder {
				folders = append(folders, frame{id: child.ID, path: childPath})
				continue
			}
			if !child.HasBytes {
				w.Log.Warn().Str("path", childPath).Msg("skipping item with no downloadable content")
				manifest.Skipped++
				continue
			}
			manifest.Entries = append(manifest.Entries, Entry{
				Path:    childPath,
				ID:      child.ID,
				Size:    child.Size,
				ModTime: child.ModTime,
			})
			manifest.Files++
			files++
			if child.Size > 0 {
				manifest.TotalBytes += child.Size
			}
		}

		// A folder that contributed no entries and no sub-folders still
		// gets a marker so its path survives the round trip. This covers
		// both truly empty folders and folders holding only items with
		// no downloadable content.
		if cur.path != "" && files == 0 && len(folders) == 0 {
			manifest.Entries = append(manifest.Entries, Entry{Path: cur.path, ID: cur.id, IsDir: true})
			manifest.Dirs++
		}

		// Push in reverse so the first folder is processed next.
		for i := len(folders) - 1; i >= 0; i-- {
			stack = append(stack, folders[i])
		}
	}

	return manifest, nil
}

// joinChild builds the child's relative path, rejecting names that
// would escape the root or collide with the path separator.
func joinChild(parent, name string) (string, error) {
	if name == "" || name == "." || name == ".." {
		return "", fmt.Errorf("unsafe item name %q under %q", name, parent)
	}
	if strings.ContainsAny(name, "/\\") {
		return "", fmt.Errorf("item name %q under %q contains a path separator", name, parent)
	}
	if parent == "" {
		return name, nil
	}
	return parent + "/" + name, nil
}
