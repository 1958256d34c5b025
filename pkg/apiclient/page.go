package apiclient

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Page is the pagination envelope returned by list endpoints.
type Page[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
	Pages int `json:"pages"`
}

// Decode unmarshals a raw JSON body into T.
func Decode[T any](raw json.RawMessage) (T, error) {
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("failed to decode response: %w", err)
	}
	return out, nil
}

// DecodePage unmarshals a pagination envelope. A bare JSON array is accepted as a single page.
func DecodePage[T any](raw json.RawMessage) (Page[T], error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		items, err := Decode[[]T](trimmed)
		if err != nil {
			return Page[T]{}, err
		}
		return Page[T]{Items: items, Total: len(items), Pages: 1}, nil
	}
	return Decode[Page[T]](trimmed)
}
