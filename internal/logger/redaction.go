package logger

import (
	"io"
	"regexp"
)

type rule struct {
	pattern     *regexp.Regexp
	replacement string
}

// Redactor scrubs log lines before they are written.
type Redactor struct {
	rules []rule
}

// NewRedactor creates a redactor that hides database credentials and
// elides inline image payloads.
func NewRedactor() *Redactor {
	return &Redactor{
		rules: []rule{
			// user:password@ in connection strings
			{regexp.MustCompile(`(postgres(?:ql)?://[^:/@\s"]+):[^@\s"]+@`), "${1}:[REDACTED]@"},
			// key=value DSN form
			{regexp.MustCompile(`(password=)[^\s"]+`), "${1}[REDACTED]"},
			// base64 data URIs are megabytes of noise
			{regexp.MustCompile(`(data:image/[a-zA-Z0-9.+-]+;base64,)[A-Za-z0-9+/=]{64,}`), "${1}[ELIDED]"},
		},
	}
}

// AddPattern adds a custom pattern replaced by [REDACTED].
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.rules = append(r.rules, rule{pattern: re, replacement: "[REDACTED]"})
	return nil
}

// Redact applies every rule to s.
func (r *Redactor) Redact(s string) string {
	for _, rl := range r.rules {
		s = rl.pattern.ReplaceAllString(s, rl.replacement)
	}
	return s
}

// Wrap wraps an io.Writer to redact sensitive information
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{
		writer:   w,
		redactor: r,
	}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write reports len(p) on success so callers do not treat a shortened
// line as a short write.
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := w.writer.Write([]byte(w.redactor.Redact(string(p)))); err != nil {
		return 0, err
	}
	return len(p), nil
}
