package testutil

import (
	"encoding/json"
	"testing"
)

// MarshalJSON marshals v, failing the test on error.
func MarshalJSON(t testing.TB, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(b)
}
