package ioutil

import (
	"fmt"
	"io"
)

// ReadLimited returns at most limit bytes of r as a string. A read failure
// yields a placeholder describing the error rather than an empty string, so
// the result can always be embedded in an error message or log line.
func ReadLimited(r io.Reader, limit int64) string {
	b, err := io.ReadAll(io.LimitReader(r, limit))
	if err != nil {
		return fmt.Sprintf("<unreadable: %v>", err)
	}
	return string(b)
}
