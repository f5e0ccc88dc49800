package ingress

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// DefaultIDField is the payload field holding the platform update id.
const DefaultIDField = "update_id"

var ErrNoExternalID = errors.New("payload has no external update id")

// ExtractExternalID pulls the external update identifier out of a JSON
// payload without decoding the rest of the structure. The field may hold a
// number or a non-empty string.
func ExtractExternalID(payload []byte, field string) (string, error) {
	if strings.TrimSpace(field) == "" {
		field = DefaultIDField
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(payload, &top); err != nil {
		return "", fmt.Errorf("parse update payload: %w", err)
	}
	raw, ok := top[field]
	if !ok {
		return "", ErrNoExternalID
	}

	var num json.Number
	if err := json.Unmarshal(raw, &num); err == nil {
		id := num.String()
		if id == "" {
			return "", ErrNoExternalID
		}
		return id, nil
	}

	var str string
	if err := json.Unmarshal(raw, &str); err != nil {
		return "", fmt.Errorf("parse %s: %w", field, err)
	}
	str = strings.TrimSpace(str)
	if str == "" {
		return "", ErrNoExternalID
	}
	return str, nil
}
