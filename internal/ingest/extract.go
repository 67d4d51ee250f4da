// Package ingest turns files on disk into text chunks sized for embedding.
package ingest

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ErrExtraction marks files whose content could not be turned into usable
// text. Retrying without changing the file fails identically, so the queue's
// poison-pill detection dead-letters these quickly.
var ErrExtraction = errors.New("content extraction failed")

const (
	// minSalvageBytes is the least printable text a binary file must yield.
	minSalvageBytes = 64
	// minPrintableRatio decides whether a file counts as plain text.
	minPrintableRatio = 0.85
	// minSalvageRun drops printable fragments shorter than this when
	// salvaging text out of binary data.
	minSalvageRun = 4
)

// Extract reads path and returns its text content. Plain-text files pass
// through unchanged; binary files are salvaged by collecting printable runs.
// maxBytes refuses files larger than the ingestion limit (0 means no limit).
func Extract(path string, maxBytes int64) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("%w: stat %s: %v", ErrExtraction, path, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %s is a directory", ErrExtraction, path)
	}
	if maxBytes > 0 && info.Size() > maxBytes {
		return "", fmt.Errorf("%w: %s is %d bytes, ingestion limit is %d", ErrExtraction, path, info.Size(), maxBytes)
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: open %s: %v", ErrExtraction, path, err)
	}
	defer f.Close()

	var r io.Reader = f
	if maxBytes > 0 {
		r = io.LimitReader(f, maxBytes)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("%w: read %s: %v", ErrExtraction, path, err)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("%w: %s is empty", ErrExtraction, path)
	}

	if isPlainText(data) {
		return string(data), nil
	}
	salvaged := salvagePrintable(data)
	if len(salvaged) < minSalvageBytes {
		return "", fmt.Errorf("%w: %s yielded only %d printable bytes", ErrExtraction, path, len(salvaged))
	}
	return salvaged, nil
}

// Sample returns up to n leading bytes of path for classification probes.
func Sample(path string, n int) ([]byte, error) {
	if n <= 0 {
		n = 4096
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sample %s: %w", path, err)
	}
	defer f.Close()

	buf := make([]byte, n)
	read, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("sample %s: %w", path, err)
	}
	return buf[:read], nil
}

func isPlainText(data []byte) bool {
	if !utf8.Valid(data) {
		return false
	}
	printable, total := 0, 0
	for _, r := range string(data) {
		if r == 0 {
			return false
		}
		total++
		if r == '\n' || r == '\r' || r == '\t' || unicode.IsPrint(r) {
			printable++
		}
	}
	if total == 0 {
		return false
	}
	return float64(printable)/float64(total) >= minPrintableRatio
}

// salvagePrintable collects ASCII runs of at least minSalvageRun bytes,
// joined with single spaces. This recovers embedded strings from formats
// we have no dedicated parser for.
func salvagePrintable(data []byte) string {
	var b strings.Builder
	run := make([]byte, 0, 64)
	flush := func() {
		if len(run) >= minSalvageRun {
			if b.Len() > 0 {
				b.WriteByte(' ')
			}
			b.Write(run)
		}
		run = run[:0]
	}
	for _, c := range data {
		if c >= 0x20 && c < 0x7f {
			run = append(run, c)
			continue
		}
		flush()
	}
	flush()
	return b.String()
}
