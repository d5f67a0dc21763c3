package security

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Validation limits.
const (
	DefaultMaxMessageSize = 1 << 20 // 1 MiB
	DefaultMaxJSONDepth   = 32      // reasonable nesting limit
)

// Validation errors.
var (
	ErrMessageTooLarge = errors.New("security: payload exceeds maximum size")
	ErrJSONTooDeep     = errors.New("security: JSON nesting exceeds maximum depth")
	ErrInvalidJSON     = errors.New("security: invalid JSON")
)

// ReadPayload reads at most limit bytes from r and validates size and JSON
// nesting depth. It never buffers more than limit+1 bytes, so an oversized
// body is rejected without being read in full. Limits <= 0 use defaults.
func ReadPayload(r io.Reader, limit, depth int) ([]byte, error) {
	if limit <= 0 {
		limit = DefaultMaxMessageSize
	}
	data, err := io.ReadAll(io.LimitReader(r, int64(limit)+1))
	if err != nil {
		return nil, fmt.Errorf("security: reading payload: %w", err)
	}
	if err := ValidateMessageSize(data, limit); err != nil {
		return nil, err
	}
	if err := ValidateJSONDepth(data, depth); err != nil {
		return nil, err
	}
	return data, nil
}

// ValidateMessageSize checks that data does not exceed limit bytes.
// If limit is <= 0, DefaultMaxMessageSize is used.
func ValidateMessageSize(data []byte, limit int) error {
	if limit <= 0 {
		limit = DefaultMaxMessageSize
	}
	if len(data) > limit {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrMessageTooLarge, len(data), limit)
	}
	return nil
}

// ValidateJSONDepth checks that the JSON in data does not nest deeper
// than limit levels. This protects against JSON bombs that could exhaust
// stack or memory. If limit is <= 0, DefaultMaxJSONDepth is used.
func ValidateJSONDepth(data []byte, limit int) error {
	if limit <= 0 {
		limit = DefaultMaxJSONDepth
	}
	if len(data) == 0 {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	depth := 0

	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("%w: %w", ErrInvalidJSON, err)
		}

		switch tok {
		case json.Delim('{'), json.Delim('['):
			depth++
			if depth > limit {
				return fmt.Errorf("%w: depth %d (max %d)", ErrJSONTooDeep, depth, limit)
			}
		case json.Delim('}'), json.Delim(']'):
			depth--
		}
	}
}
