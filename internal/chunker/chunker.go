// Package chunker splits file text into token-budgeted, code-aware chunks
// suitable for embedding. It streams from a byte window rather than
// tokenizing the whole file up front, verifying the token count of each
// candidate chunk against the budget via an injected EstimateTokens
// collaborator — here internal/embed.Embedder.EstimateTokens, since it
// already loads the BGE tokenizer.
package chunker

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// SupportedExtensions is the set of file extensions this tool will index.
var SupportedExtensions = map[string]bool{
	".md": true, ".txt": true, ".go": true, ".py": true,
	".js": true, ".ts": true, ".rs": true, ".c": true,
	".cpp": true, ".h": true, ".json": true, ".yaml": true,
	".yml": true, ".toml": true, ".kdl": true, ".conf": true,
}

// codeBoundaryPrefixes are line prefixes (after leading whitespace) that
// mark a top-level code boundary worth splitting on ahead of a bare blank
// line.
var codeBoundaryPrefixes = []string{
	"func ", "func(", "def ", "class ", "impl ", "export ", "export default ",
	"type ", "struct ", "interface ", "public ", "private ", "protected ",
}

// EstimateTokens counts the tokens a chunk of text would consume. Supplied
// by the embedder's loaded tokenizer; see internal/embed.
type EstimateTokens func(text string) int

// Chunk represents a slice of a source file.
type Chunk struct {
	Path      string
	Text      string
	LineNum   int // 1-indexed line number of the start of the chunk
	StartByte int64
	EndByte   int64
	Index     int // chunk index within the file
}

// Options controls chunking behaviour.
type Options struct {
	// TargetTokens is the chunk size the chunker aims for.
	TargetTokens int
	// MaxTokens is the hard cap a chunk must never exceed.
	MaxTokens int
	// OverlapTokens is how much of the previous chunk's tail to include in
	// the next, expressed in tokens (converted to an approximate byte
	// window via the same bytes-per-token estimate used for sizing).
	OverlapTokens int
	// MinChunkLength is the minimum trimmed chunk length (in runes) below
	// which a candidate chunk is dropped rather than emitted.
	MinChunkLength int
	// Estimate is the token-counting collaborator. If nil, a 4-bytes-per-
	// token heuristic is used (512 tokens ~= 2000 bytes for BGE-small).
	Estimate EstimateTokens
}

// DefaultOptions returns the recommended chunking parameters for BGE-small.
func DefaultOptions() Options {
	return Options{
		TargetTokens:   256, // ~half of BGE-small's 512-token ceiling
		MaxTokens:      480, // leaves headroom under the embedder's 512 cap
		OverlapTokens:  48,
		MinChunkLength: 8,
	}
}

const approxBytesPerToken = 4

// IsSupportedFile returns true if the file extension is supported and the
// file does not appear to be binary (checked via a short header sniff).
func IsSupportedFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	if !SupportedExtensions[ext] {
		return false
	}
	return !isBinary(path)
}

// isBinary sniffs the first 512 bytes to detect binary content.
func isBinary(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return true
	}
	defer f.Close()

	buf := make([]byte, 512)
	n, err := f.Read(buf)
	if err != nil && err != io.EOF {
		return true
	}
	buf = buf[:n]

	return bytes.IndexByte(buf, 0) != -1
}

// ChunkFile reads the file at path and returns its chunks.
func ChunkFile(path string, opts Options) ([]Chunk, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	return Chunks(data, path, opts)
}

// Chunks splits data into chunks. It is deterministic for a given
// (content, file, config):
// repeated calls with unchanged content produce the same chunk boundaries,
// which is the only invariant the pipeline relies on.
func Chunks(data []byte, path string, opts Options) ([]Chunk, error) {
	opts = normalizeOptions(opts)

	text := string(data)
	if len(strings.TrimSpace(text)) == 0 {
		return nil, nil
	}

	estimate := opts.Estimate
	if estimate == nil {
		estimate = func(s string) int { return len(s) / approxBytesPerToken }
	}

	maxBytes := opts.TargetTokens * approxBytesPerToken
	overlapBytes := opts.OverlapTokens * approxBytesPerToken

	var chunks []Chunk
	chunkIdx := 0
	start := 0

	for start < len(text) {
		end := start + maxBytes
		if end >= len(text) {
			end = len(text)
		}

		bestSplit := chooseSplit(text, start, end)

		// Shrink the window until it fits under the hard token cap — a
		// deterministic binary search over byte offsets, since estimate
		// is itself a pure function of the substring.
		for bestSplit > start+1 && estimate(text[start:bestSplit]) > opts.MaxTokens {
			mid := start + (bestSplit-start)/2
			shrunk := chooseSplit(text, start, mid)
			if shrunk <= start {
				shrunk = mid
			}
			bestSplit = shrunk
		}

		chunkText := strings.TrimSpace(text[start:bestSplit])
		if utf8RuneCount(chunkText) >= opts.MinChunkLength {
			leadingSpaces := len(text[start:bestSplit]) - len(strings.TrimLeft(text[start:bestSplit], " \t\n\r"))
			chunks = append(chunks, Chunk{
				Path:      path,
				Text:      chunkText,
				LineNum:   1 + bytes.Count(data[:start+leadingSpaces], []byte{'\n'}),
				StartByte: int64(start),
				EndByte:   int64(bestSplit),
				Index:     chunkIdx,
			})
			chunkIdx++
		}

		if bestSplit >= len(text) {
			break
		}

		overlapStart := bestSplit - overlapBytes
		if overlapStart <= start {
			overlapStart = start + 1
		} else {
			nextNL := strings.IndexByte(text[overlapStart:bestSplit], '\n')
			if nextNL != -1 {
				overlapStart += nextNL + 1
			} else if nextSp := strings.IndexByte(text[overlapStart:bestSplit], ' '); nextSp != -1 {
				overlapStart += nextSp + 1
			}
		}
		start = overlapStart
	}

	return chunks, nil
}

// chooseSplit finds the best place to end a chunk within text[start:end],
// preferring (in order): a top-level code boundary, a paragraph break, a
// line break, a word break, or — failing all of those — a hard cut at end.
func chooseSplit(text string, start, end int) int {
	if end >= len(text) {
		return len(text)
	}

	window := text[start:end]

	if b := lastCodeBoundary(text, start, end); b != -1 {
		return b
	}
	if idx := strings.LastIndex(window, "\n\n"); idx != -1 {
		return start + idx + 2
	}
	if idx := strings.LastIndex(window, "\n"); idx != -1 {
		return start + idx + 1
	}
	if idx := strings.LastIndexByte(window, ' '); idx != -1 {
		return start + idx + 1
	}
	return end
}

// lastCodeBoundary scans text[start:end] backwards for the latest newline
// whose following line starts (after leading whitespace) with one of
// codeBoundaryPrefixes, returning the byte offset just past that newline.
func lastCodeBoundary(text string, start, end int) int {
	window := text[start:end]
	searchFrom := len(window)
	for {
		idx := strings.LastIndexByte(window[:searchFrom], '\n')
		if idx == -1 {
			return -1
		}
		lineStart := idx + 1
		if lineStart < len(window) && hasCodeBoundaryPrefix(window[lineStart:]) && lineStart > 0 {
			return start + lineStart
		}
		searchFrom = idx
		if searchFrom == 0 {
			return -1
		}
	}
}

func hasCodeBoundaryPrefix(s string) bool {
	trimmed := strings.TrimLeft(s, " \t")
	for _, p := range codeBoundaryPrefixes {
		if strings.HasPrefix(trimmed, p) {
			return true
		}
	}
	return false
}

func normalizeOptions(opts Options) Options {
	d := DefaultOptions()
	if opts.TargetTokens <= 0 {
		opts.TargetTokens = d.TargetTokens
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = d.MaxTokens
	}
	if opts.MaxTokens < opts.TargetTokens {
		opts.MaxTokens = opts.TargetTokens
	}
	if opts.OverlapTokens < 0 {
		opts.OverlapTokens = d.OverlapTokens
	}
	if opts.MinChunkLength <= 0 {
		opts.MinChunkLength = d.MinChunkLength
	}
	return opts
}

func utf8RuneCount(s string) int {
	n := 0
	for range s {
		n++
	}
	return n
}
