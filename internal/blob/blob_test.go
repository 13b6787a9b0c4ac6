package blob

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFSUploadWritesFileAndReturnsURL(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	fs, err := NewFS(filepath.Join(dir, "blobs"))
	if err != nil {
		t.Fatalf("new fs: %v", err)
	}

	url, err := fs.Upload(ctx, "j1/plan/v1.json", []byte(`{"title":"x"}`))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if !strings.HasPrefix(url, "file://") {
		t.Fatalf("url = %q, want file:// prefix", url)
	}

	data, err := os.ReadFile(strings.TrimPrefix(url, "file://"))
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != `{"title":"x"}` {
		t.Fatalf("content = %s", data)
	}
}

func TestNoopUpload(t *testing.T) {
	url, err := Noop{}.Upload(context.Background(), "k", []byte("x"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if url != "" {
		t.Fatalf("url = %q, want empty", url)
	}
}
