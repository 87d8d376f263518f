package httpserver

import (
	"encoding/json"
	"io"
)

const maxBodyBytes = 1 << 20

// decodeJSON decodes a JSON request body into dest, rejecting unknown fields.
// The reader will be closed after decoding.
func decodeJSON(r io.ReadCloser, dest any) error {
	defer r.Close()
	decoder := json.NewDecoder(io.LimitReader(r, maxBodyBytes))
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}
