package ingress

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func FuzzExtractExternalID(f *testing.F) {
	f.Add([]byte(`{"update_id":10001}`), "update_id")
	f.Add([]byte(`{"update_id":"evt-1"}`), "update_id")
	f.Add([]byte(`{"update_id":null}`), "update_id")
	f.Add([]byte(`{"nested":{"update_id":1}}`), "update_id")
	f.Add([]byte(`not json`), "")
	f.Add([]byte(`{}`), "id")

	f.Fuzz(func(t *testing.T, payload []byte, field string) {
		if len(payload) > 1<<16 {
			payload = payload[:1<<16]
		}

		id, err := ExtractExternalID(payload, field)
		if err != nil {
			if id != "" {
				t.Fatalf("error with non-empty id %q", id)
			}
			return
		}
		if strings.TrimSpace(id) == "" {
			t.Fatal("success with empty id")
		}
		if !utf8.ValidString(id) {
			t.Fatalf("id is not valid UTF-8: %q", id)
		}
	})
}
