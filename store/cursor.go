package store

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// PendingCursor is a resume position into the pending-aggregate scan.
// The zero value starts from the beginning.
type PendingCursor struct {
	GBIFDatasetID string `json:"gbifdatasetid"`
	Kind          string `json:"kind"`
}

// Encode serializes the cursor into an opaque string safe to carry across
// pipeline invocations. An empty cursor encodes to "".
func (c PendingCursor) Encode() string {
	if c.GBIFDatasetID == "" {
		return ""
	}
	b, _ := json.Marshal(c)
	return base64.URLEncoding.EncodeToString(b)
}

// DecodePendingCursor parses an opaque cursor string. An empty string
// yields the zero cursor.
func DecodePendingCursor(s string) (PendingCursor, error) {
	if s == "" {
		return PendingCursor{}, nil
	}
	b, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return PendingCursor{}, fmt.Errorf("malformed cursor: %w", err)
	}
	var c PendingCursor
	if err := json.Unmarshal(b, &c); err != nil {
		return PendingCursor{}, fmt.Errorf("malformed cursor: %w", err)
	}
	return c, nil
}
