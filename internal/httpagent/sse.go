package httpagent

import (
	"bufio"
	"io"
	"strings"
)

// scanSSE reads server-sent events and calls onData with each data
// payload. Multi-line data fields are joined with newlines per the SSE
// framing rules. Returns the first read error, nil on EOF.
func scanSSE(r io.Reader, onData func(data string) bool) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var data []string
	flush := func() bool {
		if len(data) == 0 {
			return true
		}
		payload := strings.Join(data, "\n")
		data = data[:0]
		return onData(payload)
	}

	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if !flush() {
				return nil
			}
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
		// Other fields (event:, id:, retry:, comments) are ignored; the
		// provider streams carry everything in data.
	}
	flush()
	return sc.Err()
}
