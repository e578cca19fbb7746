package opcerrors

import (
	"io"
	"regexp"
)

// secretPatterns cover the token shapes named in the error-handling design:
// Anthropic, OpenAI, Slack, and Discord API keys/tokens. Each is replaced
// wholesale so a leaked key never reaches a log sink, console or file.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-ant-[A-Za-z0-9_-]{20,}`),
	regexp.MustCompile(`sk-proj-[A-Za-z0-9_-]{20,}`),
	regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`),
	regexp.MustCompile(`xox[baprs]-[A-Za-z0-9-]{10,}`),
	regexp.MustCompile(`[MN][A-Za-z0-9_-]{23,25}\.[A-Za-z0-9_-]{6}\.[A-Za-z0-9_-]{27,}`),
}

const redactedPlaceholder = "[REDACTED]"

// RedactSecrets scrubs any substring of s matching a known provider token
// shape, replacing it with a fixed placeholder.
func RedactSecrets(s string) string {
	for _, p := range secretPatterns {
		s = p.ReplaceAllString(s, redactedPlaceholder)
	}
	return s
}

// redactingWriter wraps an io.Writer and scrubs known secret shapes out of
// every write, so it can sit directly under a zerolog.ConsoleWriter or any
// other log sink without every call site needing to redact by hand.
type redactingWriter struct {
	out io.Writer
}

// NewRedactingWriter wraps out so every byte slice written through it has
// provider API key/token shapes scrubbed first.
func NewRedactingWriter(out io.Writer) io.Writer {
	return &redactingWriter{out: out}
}

func (w *redactingWriter) Write(p []byte) (int, error) {
	scrubbed := RedactSecrets(string(p))
	if _, err := io.WriteString(w.out, scrubbed); err != nil {
		return 0, err
	}
	// Report the original length written so callers (including zerolog's
	// internal bookkeeping) don't treat a shorter scrubbed write as a
	// short write error.
	return len(p), nil
}
