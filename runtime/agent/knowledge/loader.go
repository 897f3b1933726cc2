package knowledge

import (
	"bufio"
	"context"
	"io"
	"io/fs"
	"path"
	"strings"
	"time"

	"goa.design/verity/runtime/agent/keywords"
)

type (
	// Limits bounds a corpus scan.
	Limits struct {
		// MaxDepth is the deepest directory level visited; files at the root
		// have depth 0.
		MaxDepth int
		// MaxFiles caps the number of documents loaded.
		MaxFiles int
		// MaxFileBytes caps the bytes read from each file; longer files are
		// truncated.
		MaxFileBytes int64
		// MaxTotalBytes caps the bytes read across the whole scan.
		MaxTotalBytes int64
		// Extensions lists accepted file extensions.
		Extensions []string
	}

	// Snapshot is an immutable view of the loaded corpus.
	Snapshot struct {
		Documents []Document
		// Bytes is the number of bytes read.
		Bytes int64
		// Skipped counts files left out because a limit was reached.
		Skipped int
		// Truncated counts files cut at MaxFileBytes.
		Truncated int
		LoadedAt  time.Time
	}

	// Document is a loaded corpus file.
	Document struct {
		ID       string
		Title    string
		Path     string
		URL      string
		Sections []Section
	}

	// Section is a paragraph of a document together with the heading it
	// falls under.
	Section struct {
		Heading string
		Text    string
		terms   map[string]struct{}
	}
)

// DefaultLimits returns conservative scan limits.
func DefaultLimits() Limits {
	return Limits{
		MaxDepth:      4,
		MaxFiles:      500,
		MaxFileBytes:  256 << 10,
		MaxTotalBytes: 16 << 20,
		Extensions:    []string{".md", ".markdown", ".txt"},
	}
}

// Load scans fsys within limits and returns a snapshot. Document ids are
// "file:" followed by the slash separated path.
func Load(ctx context.Context, fsys fs.FS, limits Limits, baseURL string) (*Snapshot, error) {
	snap := &Snapshot{LoadedAt: time.Now()}
	exts := make(map[string]struct{}, len(limits.Extensions))
	for _, e := range limits.Extensions {
		exts[strings.ToLower(e)] = struct{}{}
	}
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		depth := 0
		if p != "." {
			depth = strings.Count(p, "/")
		}
		if d.IsDir() {
			if p != "." && (strings.HasPrefix(d.Name(), ".") || depth >= limits.MaxDepth) {
				return fs.SkipDir
			}
			return nil
		}
		if _, ok := exts[strings.ToLower(path.Ext(p))]; !ok {
			return nil
		}
		if len(snap.Documents) >= limits.MaxFiles || snap.Bytes >= limits.MaxTotalBytes {
			snap.Skipped++
			return nil
		}
		budget := min(limits.MaxFileBytes, limits.MaxTotalBytes-snap.Bytes)
		body, truncated, err := readLimited(fsys, p, budget)
		if err != nil {
			return err
		}
		if truncated {
			snap.Truncated++
		}
		snap.Bytes += int64(len(body))
		doc := parseDocument(p, body)
		if baseURL != "" {
			doc.URL = strings.TrimSuffix(baseURL, "/") + "/" + p
		}
		if len(doc.Sections) > 0 {
			snap.Documents = append(snap.Documents, doc)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func readLimited(fsys fs.FS, p string, n int64) (string, bool, error) {
	f, err := fsys.Open(p)
	if err != nil {
		return "", false, err
	}
	defer func() { _ = f.Close() }()
	b, err := io.ReadAll(io.LimitReader(f, n+1))
	if err != nil {
		return "", false, err
	}
	if int64(len(b)) > n {
		return string(b[:n]), true, nil
	}
	return string(b), false, nil
}

// parseDocument splits body into paragraph sections. Markdown headings set
// the heading of the following paragraphs; the first heading names the
// document, falling back to the file name.
func parseDocument(p, body string) Document {
	doc := Document{ID: "file:" + p, Path: p}
	var (
		heading string
		para    []string
	)
	flush := func() {
		text := strings.TrimSpace(strings.Join(para, " "))
		para = para[:0]
		if text == "" {
			return
		}
		doc.Sections = append(doc.Sections, Section{
			Heading: heading,
			Text:    text,
			terms:   keywords.Set(heading + " " + text),
		})
	}
	sc := bufio.NewScanner(strings.NewReader(body))
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case strings.HasPrefix(line, "#"):
			flush()
			heading = strings.TrimSpace(strings.TrimLeft(line, "#"))
			if doc.Title == "" {
				doc.Title = heading
			}
		case line == "":
			flush()
		default:
			para = append(para, line)
		}
	}
	flush()
	if doc.Title == "" {
		doc.Title = strings.TrimSuffix(path.Base(p), path.Ext(p))
	}
	return doc
}
