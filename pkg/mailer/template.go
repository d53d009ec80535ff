package mailer

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Template is an email template body with its optional frontmatter metadata.
// Recognized metadata keys: "subject" (default subject for the mailing) and
// "format" ("html" or "markdown", default "html").
type Template struct {
	Metadata map[string]any
	Body     string
}

// ParseTemplate splits optional YAML frontmatter (between --- delimiters)
// from the template body. Content without frontmatter is returned verbatim
// with empty metadata.
func ParseTemplate(content []byte) (*Template, error) {
	delimiter := []byte("---")

	if !bytes.HasPrefix(content, delimiter) {
		return &Template{
			Metadata: make(map[string]any),
			Body:     string(content),
		}, nil
	}

	rest := bytes.TrimPrefix(content, delimiter)
	rest = bytes.TrimLeft(rest, "\r\n")
	if len(rest) == 0 {
		return nil, fmt.Errorf("%w: no content after opening delimiter", ErrInvalidFrontmatter)
	}

	endIdx := bytes.Index(rest, delimiter)
	if endIdx == -1 {
		return nil, fmt.Errorf("%w: closing delimiter not found", ErrInvalidFrontmatter)
	}

	head := rest[:endIdx]
	body := rest[endIdx+len(delimiter):]
	body = bytes.TrimPrefix(body, []byte("\r\n"))
	body = bytes.TrimPrefix(body, []byte("\n"))

	metadata := make(map[string]any)
	if len(bytes.TrimSpace(head)) > 0 {
		if err := yaml.Unmarshal(head, &metadata); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFrontmatter, err)
		}
	}

	return &Template{Metadata: metadata, Body: string(body)}, nil
}

// Subject returns the frontmatter subject, or "" if none is set.
func (t *Template) Subject() string {
	if s, ok := t.Metadata["subject"].(string); ok {
		return s
	}
	return ""
}

// IsMarkdown reports whether the template body should be converted from
// markdown to HTML before sending.
func (t *Template) IsMarkdown() bool {
	f, _ := t.Metadata["format"].(string)
	return f == "markdown"
}
