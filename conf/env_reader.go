package conf

import (
	"bufio"
	"io"
	"os"
	"strings"
)

// NewEnvExpandedReader expands $VAR, ${VAR} and ${VAR:-default} line by line.
func NewEnvExpandedReader(origin io.Reader) io.Reader {
	return &envExpandedReader{
		bufio.NewReader(origin),
		make([]byte, 0),
	}
}

type envExpandedReader struct {
	origin         *bufio.Reader
	remainingBytes []byte
}

func (r *envExpandedReader) Read(p []byte) (n int, err error) {
	for len(r.remainingBytes) <= len(p) {
		var line string
		line, err = r.origin.ReadString('\n')
		if err != nil && err != io.EOF {
			return 0, err
		}

		out := os.Expand(line, lookupEnv)
		r.remainingBytes = append(r.remainingBytes, []byte(out)...)

		if err == io.EOF {
			break
		}
	}

	n = copy(p, r.remainingBytes)
	r.remainingBytes = r.remainingBytes[n:]

	if n == 0 && err == io.EOF {
		return 0, io.EOF
	}

	return n, nil
}

func lookupEnv(key string) string {
	name, fallback, ok := strings.Cut(key, ":-")
	if !ok {
		return os.Getenv(key)
	}

	if value, ok := os.LookupEnv(name); ok && value != "" {
		return value
	}

	return fallback
}
