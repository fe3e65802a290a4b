package knowledge

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/vinayprograms/agentkit/logging"
	"golang.org/x/net/html"
)

const (
	// DefaultChunkSize is the maximum number of characters per indexed chunk.
	DefaultChunkSize = 400
	// DefaultMaxFileSize bounds how much of a single file is read.
	DefaultMaxFileSize = 1 << 20
)

var logger = logging.New().WithComponent("knowledge")

// Stats summarises an ingestion pass.
type Stats struct {
	Files   int
	Chunks  int
	Skipped int
}

// Ingester splits files into chunks and writes them to an Index.
type Ingester struct {
	index       *Index
	ChunkSize   int
	MaxFileSize int64
}

// NewIngester creates an ingester writing to ix.
func NewIngester(ix *Index) *Ingester {
	return &Ingester{
		index:       ix,
		ChunkSize:   DefaultChunkSize,
		MaxFileSize: DefaultMaxFileSize,
	}
}

// IngestDir indexes every regular file under dir. Dot-files and
// dot-directories are skipped.
func (in *Ingester) IngestDir(ctx context.Context, dir string) (Stats, error) {
	var stats Stats
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			logger.Warn("walk_error", map[string]interface{}{"path": path, "error": err.Error()})
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if path != dir && hidden(d.Name()) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		n, err := in.IngestFile(ctx, path)
		if err != nil {
			stats.Skipped++
			logger.Debug("file_skipped", map[string]interface{}{"path": path, "reason": err.Error()})
			return nil
		}
		stats.Files++
		stats.Chunks += n
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("failed to ingest %s: %w", dir, err)
	}
	logger.Info("ingest_complete", map[string]interface{}{
		"dir":     dir,
		"files":   stats.Files,
		"chunks":  stats.Chunks,
		"skipped": stats.Skipped,
	})
	return stats, nil
}

// IngestFile replaces any chunks previously indexed for path with its current
// content. It returns the number of chunks written.
func (in *Ingester) IngestFile(ctx context.Context, path string) (int, error) {
	text, err := in.readText(path)
	if err != nil {
		return 0, err
	}
	if _, err := in.index.RemoveSource(path); err != nil {
		return 0, err
	}

	chunks := SplitText(text, in.ChunkSize)
	docs := make([]Document, 0, len(chunks))
	for i, c := range chunks {
		docs = append(docs, Document{Content: c, Source: path, Chunk: i})
	}
	if err := in.index.Add(ctx, docs...); err != nil {
		return 0, err
	}
	return len(docs), nil
}

func (in *Ingester) readText(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	limit := in.MaxFileSize
	if limit <= 0 {
		limit = DefaultMaxFileSize
	}
	data, err := io.ReadAll(io.LimitReader(f, limit))
	if err != nil {
		return "", err
	}
	if bytes.IndexByte(data, 0) >= 0 || !utf8.Valid(data) {
		return "", fmt.Errorf("binary content")
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".html", ".htm":
		return ExtractHTML(bytes.NewReader(data))
	}
	return string(data), nil
}

// ExtractHTML returns the visible text of an HTML document, one block per
// line. Script and style content is dropped.
func ExtractHTML(r io.Reader) (string, error) {
	z := html.NewTokenizer(r)
	var b strings.Builder
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			if err := z.Err(); err != io.EOF {
				return "", fmt.Errorf("failed to parse html: %w", err)
			}
			return strings.TrimSpace(b.String()), nil
		case html.StartTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style":
				skip++
			case "p", "div", "br", "li", "tr", "h1", "h2", "h3", "h4", "h5", "h6", "pre":
				newline(&b)
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style":
				if skip > 0 {
					skip--
				}
			case "p", "div", "li", "tr", "h1", "h2", "h3", "h4", "h5", "h6", "pre":
				newline(&b)
			}
		case html.TextToken:
			if skip > 0 {
				continue
			}
			text := strings.Join(strings.Fields(string(z.Text())), " ")
			if text == "" {
				continue
			}
			if b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
				b.WriteByte(' ')
			}
			b.WriteString(text)
		}
	}
}

func newline(b *strings.Builder) {
	if b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
		b.WriteByte('\n')
	}
}

// SplitText splits text into chunks of at most size characters, breaking on
// line boundaries. Lines longer than size are hard-split. Blank chunks are
// dropped.
func SplitText(text string, size int) []string {
	if size <= 0 {
		size = DefaultChunkSize
	}
	var chunks []string
	var cur []rune

	flush := func() {
		if s := strings.TrimSpace(string(cur)); s != "" {
			chunks = append(chunks, s)
		}
		cur = cur[:0]
	}

	for _, line := range strings.Split(text, "\n") {
		r := []rune(strings.TrimRight(line, " \t\r"))
		for len(r) > size {
			flush()
			chunks = appendNonBlank(chunks, string(r[:size]))
			r = r[size:]
		}
		need := len(r)
		if len(cur) > 0 {
			need++
		}
		if len(cur)+need > size {
			flush()
		}
		if len(cur) > 0 {
			cur = append(cur, '\n')
		}
		cur = append(cur, r...)
	}
	flush()
	return chunks
}

func appendNonBlank(chunks []string, s string) []string {
	if strings.TrimSpace(s) == "" {
		return chunks
	}
	return append(chunks, s)
}

func hidden(name string) bool {
	return strings.HasPrefix(name, ".") && name != "." && name != ".."
}
