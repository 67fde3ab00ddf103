package acwd

import (
	"bytes"
	"strconv"
	"strings"
)

// The portal serializes the same fields as strings, numbers or booleans
// depending on which ASP.NET handler produced them. These types absorb
// that.

type flexString string

func (s *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*s = ""
		return nil
	}
	if b[0] == '"' {
		unquoted, err := strconv.Unquote(string(b))
		if err != nil {
			return err
		}
		*s = flexString(unquoted)
		return nil
	}
	*s = flexString(b)
	return nil
}

func (s flexString) String() string { return string(s) }

type flexBool bool

func (v *flexBool) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	switch strings.ToLower(s) {
	case "true", "1", "y", "yes":
		*v = true
	default:
		*v = false
	}
	return nil
}
