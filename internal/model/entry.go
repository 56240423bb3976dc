package model

import (
	"bytes"
	"encoding/json"
	"time"
)

// TimestampLayout formats the receipt time of persisted entries.
const TimestampLayout = "2006-01-02 15:04:05"

// PersistedEntry is the envelope written to disk for every received payload.
// Data is either the original JSON document or a JSON string holding the raw
// text of a payload that could not be decoded.
type PersistedEntry struct {
	Timestamp string          `json:"timestamp"`
	Address   string          `json:"address"`
	Data      json.RawMessage `json:"data"`
}

// NewDocumentEntry wraps an already validated JSON document.
func NewDocumentEntry(received time.Time, addr string, doc []byte) PersistedEntry {
	data := make(json.RawMessage, len(doc))
	copy(data, doc)
	return PersistedEntry{
		Timestamp: received.Format(TimestampLayout),
		Address:   addr,
		Data:      data,
	}
}

// NewRawEntry wraps text that is not a JSON object.
func NewRawEntry(received time.Time, addr, text string) PersistedEntry {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// Encoding a string cannot fail.
	_ = enc.Encode(text)
	return PersistedEntry{
		Timestamp: received.Format(TimestampLayout),
		Address:   addr,
		Data:      bytes.TrimRight(buf.Bytes(), "\n"),
	}
}

// IsRaw reports whether the entry carries raw text instead of a document.
func (e PersistedEntry) IsRaw() bool {
	return len(e.Data) > 0 && e.Data[0] == '"'
}
