package gitworkspace

import (
	"bytes"
	"io"
	"regexp"
)

// maskingWriter redacts embedded credentials from git command output
// before it reaches logs or the agent.output Event Bus topic. Grounded on
// the teacher's internal/git/client.go maskingWriter.
type maskingWriter struct {
	w io.Writer
}

var (
	reGitHubPAT = regexp.MustCompile(`https://[^@:]+@github\.com`)
	reBasicAuth = regexp.MustCompile(`https://[^:/]+:[^@/]+@`)
)

func maskSecrets(s string) string {
	s = reGitHubPAT.ReplaceAllString(s, "https://[REDACTED]@github.com")
	s = reBasicAuth.ReplaceAllString(s, "https://[REDACTED]@")
	return s
}

func (mw *maskingWriter) Write(p []byte) (int, error) {
	if _, err := mw.w.Write([]byte(maskSecrets(string(p)))); err != nil {
		return 0, err
	}
	return len(p), nil
}

// maskedBuffer captures masked output for callers that need to inspect it
// (conflict file lists, diff text) without ever holding unmasked bytes.
type maskedBuffer struct {
	buf bytes.Buffer
	mw  maskingWriter
}

func newMaskedBuffer() *maskedBuffer {
	mb := &maskedBuffer{}
	mb.mw = maskingWriter{w: &mb.buf}
	return mb
}

func (mb *maskedBuffer) Writer() io.Writer { return &mb.mw }
func (mb *maskedBuffer) String() string    { return mb.buf.String() }
