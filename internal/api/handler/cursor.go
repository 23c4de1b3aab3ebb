package handler

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

const cursorPrefix = "seq:"

// DecodeRequestCursor parses an opaque page cursor into a job_seq_id.
// An empty cursor means the first page.
func DecodeRequestCursor(cursorStr string) (*int64, error) {
	if cursorStr == "" {
		return nil, nil
	}

	decoded, err := base64.RawURLEncoding.DecodeString(cursorStr)
	if err != nil {
		return nil, err
	}

	raw, ok := strings.CutPrefix(string(decoded), cursorPrefix)
	if !ok {
		return nil, fmt.Errorf("invalid cursor format")
	}

	seqID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid job_seq_id in cursor: %w", err)
	}
	if seqID <= 0 {
		return nil, fmt.Errorf("invalid job_seq_id in cursor: %d", seqID)
	}

	return &seqID, nil
}

func EncodeRequestCursor(seqID int64) string {
	return base64.RawURLEncoding.EncodeToString([]byte(cursorPrefix + strconv.FormatInt(seqID, 10)))
}
