package deyecloud

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Code is an application status code normalized to its decimal string form.
// The API sends the same code either as a JSON number or as a string.
type Code string

var (
	successCodes = map[Code]struct{}{"0": {}, "1000000": {}}
	authCodes    = map[Code]struct{}{"1001": {}, "1002": {}, "1003": {}, "2101017": {}}
)

// IsSuccess reports whether c belongs to the success equivalence class.
func (c Code) IsSuccess() bool {
	_, ok := successCodes[c]
	return ok
}

// IsAuth reports whether c signals a rejected credential or token.
func (c Code) IsAuth() bool {
	_, ok := authCodes[c]
	return ok
}

func (c *Code) UnmarshalJSON(b []byte) error {
	s, err := decodeFlexString(b)
	if err != nil {
		return fmt.Errorf("status code: %w", err)
	}
	*c = Code(canonicalCode(s))
	return nil
}

// canonicalCode writes integral numbers in plain decimal so 0.0 and 1e6 match
// the code sets. Anything else is kept as sent.
func canonicalCode(s string) string {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v != math.Trunc(v) || math.Abs(v) > math.MaxInt64 {
		return s
	}
	return strconv.FormatInt(int64(v), 10)
}

// decodeFlexString accepts a JSON string, number or null and returns its text.
func decodeFlexString(b []byte) (string, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return "", nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return "", err
		}
		return strings.TrimSpace(s), nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return "", err
	}
	return n.String(), nil
}

// flexString is a string field the API sometimes encodes as a number (station ids).
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	s, err := decodeFlexString(b)
	if err != nil {
		return err
	}
	*f = flexString(s)
	return nil
}

// flexInt is an integer sent as a number or a numeric string.
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s, err := decodeFlexString(b)
	if err != nil {
		return err
	}
	if s == "" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("integer %q: %w", s, err)
	}
	*f = flexInt(v)
	return nil
}
