package database

import "encoding/json"

// JSONB helpers shared by the repositories: values travel to Postgres as raw
// JSON bytes, and NULL columns scan back as empty slices.

// marshalJSONB encodes v as JSON bytes for a jsonb parameter.
func marshalJSONB(v any) ([]byte, error) {
	return json.Marshal(v)
}

// unmarshalJSONB decodes jsonb bytes into dst. Empty input (a NULL column)
// leaves dst untouched.
func unmarshalJSONB(data []byte, dst any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dst)
}
