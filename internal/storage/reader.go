package storage

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/coffersTech/logsink/internal/model"
	"github.com/klauspost/compress/zstd"
)

const maxLineSize = 16 << 20

// ReadEntries loads every entry of a .jsonl or .jsonl.zst file.
func ReadEntries(path string) ([]model.PersistedEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, compressedSuffix) {
		dec, err := zstd.NewReader(f)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		r = dec
	}

	var entries []model.PersistedEntry
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for n := 1; sc.Scan(); n++ {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var e model.PersistedEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return entries, fmt.Errorf("%s line %d: %w", path, n, err)
		}
		entries = append(entries, e)
	}
	return entries, sc.Err()
}
