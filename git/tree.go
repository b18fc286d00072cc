package git

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"

	"github.com/tinker495/autosave/ignore"
)

// emptyTreeHash is the well-known hash of the tree with no entries.
var emptyTreeHash = plumbing.NewHash("4b825dc642cb6eb9a060e54bf8d69288fbee4904")

// writeWorkTree snapshots the working tree at root into the object store
// and returns the root tree hash. Ignored paths, the .git directory, and
// nested repositories are excluded. Writing objects is idempotent: blobs
// and subtrees unchanged since the previous snapshot hash to the same
// objects and cost no extra storage.
func writeWorkTree(s storer.EncodedObjectStorer, root string, matcher *ignore.Matcher) (plumbing.Hash, error) {
	return writeTreeDir(s, root, "", matcher)
}

func writeTreeDir(s storer.EncodedObjectStorer, root, rel string, matcher *ignore.Matcher) (plumbing.Hash, error) {
	dir := filepath.Join(root, rel)
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to read %s: %w", dir, err)
	}

	var entries []object.TreeEntry
	for _, de := range dirEntries {
		name := de.Name()
		childRel := name
		if rel != "" {
			childRel = rel + "/" + name
		}

		if de.IsDir() {
			if name == ".git" || matcher.SkipDir(childRel) {
				continue
			}
			// A .git entry below the root marks a nested repository or
			// linked worktree; its contents belong to that repository.
			if hasGitEntry(filepath.Join(dir, name)) {
				continue
			}
			subHash, err := writeTreeDir(s, root, childRel, matcher)
			if err != nil {
				return plumbing.ZeroHash, err
			}
			if subHash == emptyTreeHash {
				continue // git does not track empty directories
			}
			entries = append(entries, object.TreeEntry{Name: name, Mode: filemode.Dir, Hash: subHash})
			continue
		}

		if matcher.Match(childRel) {
			continue
		}

		info, err := os.Lstat(filepath.Join(dir, name))
		if err != nil {
			if os.IsNotExist(err) {
				continue // deleted between readdir and stat
			}
			return plumbing.ZeroHash, fmt.Errorf("failed to stat %s: %w", childRel, err)
		}

		switch {
		case info.Mode()&os.ModeSymlink != 0:
			hash, err := writeSymlinkBlob(s, filepath.Join(dir, name))
			if err != nil {
				return plumbing.ZeroHash, err
			}
			entries = append(entries, object.TreeEntry{Name: name, Mode: filemode.Symlink, Hash: hash})
		case info.Mode().IsRegular():
			hash, err := writeFileBlob(s, filepath.Join(dir, name))
			if err != nil {
				if os.IsNotExist(err) {
					continue
				}
				return plumbing.ZeroHash, err
			}
			mode := filemode.Regular
			if info.Mode()&0111 != 0 {
				mode = filemode.Executable
			}
			entries = append(entries, object.TreeEntry{Name: name, Mode: mode, Hash: hash})
		default:
			// Sockets, pipes and devices cannot live in a git tree.
			continue
		}
	}

	sortTreeEntries(entries)

	tree := &object.Tree{Entries: entries}
	obj := s.NewEncodedObject()
	if err := tree.Encode(obj); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to encode tree: %w", err)
	}
	hash, err := s.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to write tree object: %w", err)
	}
	return hash, nil
}

func writeFileBlob(s storer.EncodedObjectStorer, path string) (plumbing.Hash, error) {
	// Read the content first and declare the size from the bytes read.
	// A file being rewritten while the snapshot runs must not produce an
	// object whose header disagrees with its content.
	data, err := os.ReadFile(path)
	if err != nil {
		return plumbing.ZeroHash, err
	}

	obj := s.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	obj.SetSize(int64(len(data)))

	w, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to open blob writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return plumbing.ZeroHash, fmt.Errorf("failed to write blob for %s: %w", path, err)
	}
	if err := w.Close(); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to close blob writer: %w", err)
	}

	hash, err := s.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to store blob for %s: %w", path, err)
	}
	return hash, nil
}

func writeSymlinkBlob(s storer.EncodedObjectStorer, path string) (plumbing.Hash, error) {
	target, err := os.Readlink(path)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to read symlink %s: %w", path, err)
	}

	obj := s.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	obj.SetSize(int64(len(target)))

	w, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to open blob writer: %w", err)
	}
	if _, err := io.WriteString(w, target); err != nil {
		w.Close()
		return plumbing.ZeroHash, fmt.Errorf("failed to write symlink blob: %w", err)
	}
	if err := w.Close(); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to close blob writer: %w", err)
	}

	hash, err := s.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to store symlink blob: %w", err)
	}
	return hash, nil
}

// sortTreeEntries orders entries the way git does: byte order of names,
// with directory names compared as if they ended in "/".
func sortTreeEntries(entries []object.TreeEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return treeEntryKey(entries[i]) < treeEntryKey(entries[j])
	})
}

func treeEntryKey(e object.TreeEntry) string {
	if e.Mode == filemode.Dir {
		return e.Name + "/"
	}
	return e.Name
}

// hasGitEntry reports whether dir directly contains a .git file or
// directory.
func hasGitEntry(dir string) bool {
	_, err := os.Lstat(filepath.Join(dir, ".git"))
	return err == nil
}
