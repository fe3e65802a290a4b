package knowledge

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestIndex(t *testing.T) *Index {
	t.Helper()
	ix, err := Open(filepath.Join(t.TempDir(), "index.bleve"))
	require.NoError(t, err)
	t.Cleanup(func() { ix.Close() })
	return ix
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestIndex_AddSearch(t *testing.T) {
	ix := openTestIndex(t)
	ctx := context.Background()

	err := ix.Add(ctx,
		Document{Content: "nginx is restarted with systemctl restart nginx", Source: "a.txt"},
		Document{Content: "the backup job writes archives to /srv/backup", Source: "b.txt"},
	)
	require.NoError(t, err)

	hits, err := ix.Search(ctx, "restart nginx", 4)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "a.txt", hits[0].Source)
	assert.Contains(t, hits[0].Content, "systemctl")
	assert.NotEmpty(t, hits[0].ID)

	docs, err := ix.Retrieve(ctx, "backup archives", 4)
	require.NoError(t, err)
	require.NotEmpty(t, docs)
	assert.Contains(t, docs[0], "/srv/backup")
}

func TestIndex_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.bleve")
	ix, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, ix.Add(context.Background(), Document{Content: "persistent fact", Source: "p.txt"}))
	require.NoError(t, ix.Close())

	ix, err = Open(path)
	require.NoError(t, err)
	defer ix.Close()

	n, err := ix.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)
}

func TestIndex_MemOnly(t *testing.T) {
	ix, err := Open("")
	require.NoError(t, err)
	defer ix.Close()

	require.NoError(t, ix.Add(context.Background(), Document{Content: "in memory", Source: "m"}))
	hits, err := ix.Search(context.Background(), "memory", 1)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestIndex_RemoveSource(t *testing.T) {
	ix := openTestIndex(t)
	ctx := context.Background()

	require.NoError(t, ix.Add(ctx,
		Document{Content: "first chunk of guide", Source: "/docs/guide.txt", Chunk: 0},
		Document{Content: "second chunk of guide", Source: "/docs/guide.txt", Chunk: 1},
		Document{Content: "unrelated", Source: "/docs/other.txt"},
	))

	n, err := ix.RemoveSource("/docs/guide.txt")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	count, err := ix.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)
}

func TestSplitText(t *testing.T) {
	tests := []struct {
		name string
		text string
		size int
		want []string
	}{
		{"empty", "", 10, nil},
		{"fits", "aaa\nbbb", 7, []string{"aaa\nbbb"}},
		{"breaks on lines", "aaa\nbbb\nccc", 7, []string{"aaa\nbbb", "ccc"}},
		{"hard split", strings.Repeat("x", 10), 4, []string{"xxxx", "xxxx", "xx"}},
		{"blank lines dropped", "\n\n\naaa\n\n", 3, []string{"aaa"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SplitText(tt.text, tt.size))
		})
	}
}

func TestSplitText_Bounded(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 200; i++ {
		b.WriteString(strings.Repeat("word ", i%40))
		b.WriteString("\n")
	}
	for _, c := range SplitText(b.String(), DefaultChunkSize) {
		assert.LessOrEqual(t, len([]rune(c)), DefaultChunkSize)
	}
}

func TestExtractHTML(t *testing.T) {
	doc := `<html><head><title>Guide</title><style>body{color:red}</style>
<script>var x = 1;</script></head>
<body><h1>Backups</h1><p>Run   the   <b>backup</b> script.</p><p>Check logs.</p></body></html>`

	text, err := ExtractHTML(strings.NewReader(doc))
	require.NoError(t, err)
	assert.Contains(t, text, "Backups")
	assert.Contains(t, text, "Run the backup script.")
	assert.Contains(t, text, "Check logs.")
	assert.NotContains(t, text, "color:red")
	assert.NotContains(t, text, "var x")
}

func TestIngestDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "readme.txt"), "deploy with make deploy\n")
	writeFile(t, filepath.Join(dir, "sub", "page.html"), "<p>rotate logs with logrotate</p>")
	writeFile(t, filepath.Join(dir, ".secret"), "hidden token")
	writeFile(t, filepath.Join(dir, ".git", "config"), "hidden repo")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "blob.bin"), []byte{0x00, 0x01, 0x02}, 0644))

	ix := openTestIndex(t)
	in := NewIngester(ix)

	stats, err := in.IngestDir(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Files)
	assert.Equal(t, 2, stats.Chunks)
	assert.Equal(t, 1, stats.Skipped)

	hits, err := ix.Search(context.Background(), "logrotate", 4)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, filepath.Join(dir, "sub", "page.html"), hits[0].Source)

	hits, err = ix.Search(context.Background(), "hidden", 4)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestIngestFile_Replaces(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	writeFile(t, path, strings.Repeat("alpha line\n", 100))

	ix := openTestIndex(t)
	in := NewIngester(ix)
	ctx := context.Background()

	first, err := in.IngestFile(ctx, path)
	require.NoError(t, err)
	assert.Greater(t, first, 1)

	writeFile(t, path, "beta only\n")
	second, err := in.IngestFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 1, second)

	count, err := ix.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)
}

func TestIngestFile_SizeCap(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "big.txt")
	writeFile(t, path, strings.Repeat("a", 100)+"\n"+strings.Repeat("b", 100))

	ix := openTestIndex(t)
	in := NewIngester(ix)
	in.MaxFileSize = 50
	in.ChunkSize = 400

	n, err := in.IngestFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	hits, err := ix.Search(context.Background(), strings.Repeat("a", 50), 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, strings.Repeat("a", 50), hits[0].Content)
}

func TestWatch_ReindexesChangedFile(t *testing.T) {
	dir := t.TempDir()
	ix := openTestIndex(t)
	in := NewIngester(ix)

	ctx, cancel := context.WithCancel(context.Background())
	changes := make(chan Change, 10)
	done := make(chan error, 1)
	go func() {
		done <- in.Watch(ctx, dir, func(c Change) { changes <- c })
	}()

	// Give the watcher time to register the directory.
	time.Sleep(200 * time.Millisecond)
	path := filepath.Join(dir, "new.txt")
	writeFile(t, path, "freshly written runbook\n")

	select {
	case c := <-changes:
		require.NoError(t, c.Err)
		assert.Equal(t, path, c.Path)
		assert.Equal(t, 1, c.Chunks)
	case <-time.After(5 * time.Second):
		t.Fatal("no change reported")
	}

	hits, err := ix.Search(context.Background(), "runbook", 1)
	require.NoError(t, err)
	assert.Len(t, hits, 1)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop")
	}
}
