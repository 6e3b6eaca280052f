package service

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EncodeCursor packs the sort key of the last row of a history page into an
// opaque token.
func EncodeCursor(ts time.Time, id uint) string {
	raw := ts.UTC().Format(time.RFC3339Nano) + "|" + strconv.FormatUint(uint64(id), 10)
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor is the inverse of EncodeCursor.
func DecodeCursor(cursor string) (time.Time, uint, error) {
	raw, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	tsPart, idPart, ok := strings.Cut(string(raw), "|")
	if !ok {
		return time.Time{}, 0, ErrInvalidCursor
	}
	ts, err := time.Parse(time.RFC3339Nano, tsPart)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	id, err := strconv.ParseUint(idPart, 10, 64)
	if err != nil || id == 0 {
		return time.Time{}, 0, ErrInvalidCursor
	}
	return ts.UTC(), uint(id), nil
}
