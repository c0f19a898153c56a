package scanner

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/listenupapp/fsjournal/internal/filter"
)

func newTestWalker(t *testing.T, root string, opts filter.Options) *Walker {
	t.Helper()
	f, err := filter.New(root, nil, opts)
	if err != nil {
		t.Fatal(err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	return NewWalker(logger, f)
}

func collect(t *testing.T, ch <-chan WalkResult) []WalkResult {
	t.Helper()
	var results []WalkResult
	for result := range ch {
		if result.Error != nil {
			t.Errorf("unexpected error: %v", result.Error)
		}
		results = append(results, result)
	}
	return results
}

func TestWalker_Walk_EmptyDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	walker := newTestWalker(t, tmpDir, filter.Options{})

	results := collect(t, walker.Walk(context.Background(), tmpDir))

	// The root itself is never reported
	if len(results) != 0 {
		t.Errorf("expected 0 results, got %d", len(results))
	}
}

func TestWalker_Walk_SingleFile(t *testing.T) {
	tmpDir := t.TempDir()
	testFile := filepath.Join(tmpDir, "test.txt")
	if err := os.WriteFile(testFile, []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}

	walker := newTestWalker(t, tmpDir, filter.Options{})
	results := collect(t, walker.Walk(context.Background(), tmpDir))

	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}

	result := results[0]

	if result.Path != filepath.ToSlash(testFile) {
		t.Errorf("expected path %s, got %s", testFile, result.Path)
	}
	if result.IsDir {
		t.Error("expected file, got directory")
	}
	if result.Size != 5 {
		t.Errorf("expected size 5, got %d", result.Size)
	}
	if runtime.GOOS != "windows" && result.Inode == 0 {
		t.Error("expected inode to be set")
	}
}

func TestWalker_Walk_SkipsHiddenFiles(t *testing.T) {
	tmpDir := t.TempDir()

	regularFile := filepath.Join(tmpDir, "regular.txt")
	if err := os.WriteFile(regularFile, []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}

	hiddenFile := filepath.Join(tmpDir, ".hidden.txt")
	if err := os.WriteFile(hiddenFile, []byte("secret"), 0644); err != nil {
		t.Fatal(err)
	}

	walker := newTestWalker(t, tmpDir, filter.Options{IgnoreHidden: true})
	results := collect(t, walker.Walk(context.Background(), tmpDir))

	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Path != filepath.ToSlash(regularFile) {
		t.Errorf("expected regular file, got %s", results[0].Path)
	}
}

func TestWalker_Walk_NestedDirectories(t *testing.T) {
	tmpDir := t.TempDir()

	// tmpDir/
	//   file1.txt
	//   subdir/
	//     file2.txt
	//     deep/
	//       file3.txt
	file1 := filepath.Join(tmpDir, "file1.txt")
	subdir := filepath.Join(tmpDir, "subdir")
	file2 := filepath.Join(subdir, "file2.txt")
	deep := filepath.Join(subdir, "deep")
	file3 := filepath.Join(deep, "file3.txt")

	if err := os.MkdirAll(deep, 0755); err != nil {
		t.Fatal(err)
	}
	for _, f := range []string{file1, file2, file3} {
		if err := os.WriteFile(f, []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	walker := newTestWalker(t, tmpDir, filter.Options{})
	results := collect(t, walker.Walk(context.Background(), tmpDir))

	// Directories are reported along with files
	if len(results) != 5 {
		t.Fatalf("expected 5 results, got %d", len(results))
	}

	dirs := make(map[string]bool)
	for _, r := range results {
		dirs[r.Path] = r.IsDir
	}

	for path, isDir := range map[string]bool{file1: false, subdir: true, file2: false, deep: true, file3: false} {
		got, ok := dirs[filepath.ToSlash(path)]
		if !ok {
			t.Errorf("missing %s", path)
			continue
		}
		if got != isDir {
			t.Errorf("%s: expected IsDir %v, got %v", path, isDir, got)
		}
	}
}

func TestWalker_Walk_PrunesIgnoredDirectories(t *testing.T) {
	tmpDir := t.TempDir()

	ignored := filepath.Join(tmpDir, "node_modules", "pkg")
	if err := os.MkdirAll(ignored, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(ignored, "index.js"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(tmpDir, "keep.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	walker := newTestWalker(t, tmpDir, filter.Options{IgnorePatterns: []string{"node_modules"}})
	results := collect(t, walker.Walk(context.Background(), tmpDir))

	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %+v", results)
	}
	if results[0].Path != filepath.ToSlash(filepath.Join(tmpDir, "keep.txt")) {
		t.Errorf("unexpected result %s", results[0].Path)
	}
}

func TestWalker_Walk_MissingRootReportsError(t *testing.T) {
	root := filepath.Join(t.TempDir(), "missing")
	walker := newTestWalker(t, root, filter.Options{})

	var errs int
	for result := range walker.Walk(context.Background(), root) {
		if result.Error == nil {
			t.Errorf("unexpected entry %s", result.Path)
			continue
		}
		if result.Path != filepath.ToSlash(root) {
			t.Errorf("expected error for root, got %s", result.Path)
		}
		errs++
	}
	if errs != 1 {
		t.Errorf("expected 1 error, got %d", errs)
	}
}

func TestWalker_Walk_UnreadableDirectory(t *testing.T) {
	if runtime.GOOS == "windows" || os.Geteuid() == 0 {
		t.Skip("permission bits are not enforced")
	}

	tmpDir := t.TempDir()
	locked := filepath.Join(tmpDir, "locked")
	if err := os.Mkdir(locked, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(locked, "f.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(locked, 0); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chmod(locked, 0755) })

	walker := newTestWalker(t, tmpDir, filter.Options{})

	var sawDir, sawErr bool
	for result := range walker.Walk(context.Background(), tmpDir) {
		switch {
		case result.Error != nil:
			sawErr = result.Path == filepath.ToSlash(locked)
		case result.Path == filepath.ToSlash(locked):
			sawDir = true
		default:
			t.Errorf("unexpected entry %s", result.Path)
		}
	}
	if !sawDir || !sawErr {
		t.Errorf("expected the directory and its read error, got dir=%v err=%v", sawDir, sawErr)
	}
}

func TestWalker_Walk_ContextCancellation(t *testing.T) {
	tmpDir := t.TempDir()

	for i := 0; i < 10; i++ {
		filename := filepath.Join(tmpDir, "file"+string(rune('0'+i))+".txt")
		if err := os.WriteFile(filename, []byte("data"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	walker := newTestWalker(t, tmpDir, filter.Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var results []WalkResult
	for result := range walker.Walk(ctx, tmpDir) {
		results = append(results, result)
	}

	if len(results) > 5 {
		t.Errorf("expected few or no results due to cancellation, got %d", len(results))
	}
}

func TestWalker_Walk_ModTime(t *testing.T) {
	tmpDir := t.TempDir()

	testFile := filepath.Join(tmpDir, "test.txt")
	beforeWrite := time.Now()
	if err := os.WriteFile(testFile, []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}
	afterWrite := time.Now()

	walker := newTestWalker(t, tmpDir, filter.Options{})
	results := collect(t, walker.Walk(context.Background(), tmpDir))

	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}

	modTime := results[0].ModTime

	// Allow 2 seconds of tolerance (file systems can have varying precision)
	if modTime.Before(beforeWrite.Add(-time.Second)) || modTime.After(afterWrite.Add(2*time.Second)) {
		t.Errorf("modTime %v not in expected range [%v, %v]", modTime, beforeWrite, afterWrite)
	}
	if modTime.Location() != time.UTC {
		t.Errorf("expected UTC modTime, got %v", modTime.Location())
	}
}
