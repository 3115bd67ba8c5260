package gmail

import (
	"fmt"
	"strings"
)

// Outgoing is an email to be composed and sent.
type Outgoing struct {
	From     string
	To       string
	Cc       []string
	Bcc      []string
	Subject  string
	Body     string // plain text; converted to HTML
	ThreadID string
}

// BuildRaw composes the RFC 822 message for an outgoing email, stamping the
// application marker header and converting the plain-text body to HTML.
func BuildRaw(o Outgoing) []byte {
	headers := []string{
		"Content-Type: text/html; charset=utf-8",
		"MIME-Version: 1.0",
		fmt.Sprintf("To: %s", o.To),
		fmt.Sprintf("From: %s", o.From),
		fmt.Sprintf("Subject: %s", o.Subject),
		fmt.Sprintf("%s: %s", MarkerHeader, MarkerValue),
	}
	if len(o.Cc) > 0 {
		headers = append(headers, fmt.Sprintf("CC: %s", strings.Join(o.Cc, ", ")))
	}
	if len(o.Bcc) > 0 {
		headers = append(headers, fmt.Sprintf("BCC: %s", strings.Join(o.Bcc, ", ")))
	}

	return []byte(strings.Join(headers, "\r\n") + "\r\n\r\n" + FormatHTMLBody(o.Body))
}

// FormatHTMLBody converts plain text to the HTML shape the front-end
// renders: double newlines become paragraphs, single newlines become <br>.
func FormatHTMLBody(text string) string {
	var paragraphs []string
	for _, para := range strings.Split(text, "\n\n") {
		var lines []string
		for _, line := range strings.Split(para, "\n") {
			if trimmed := strings.TrimSpace(line); trimmed != "" {
				lines = append(lines, trimmed)
			}
		}
		if len(lines) == 0 {
			continue
		}
		paragraphs = append(paragraphs,
			fmt.Sprintf(`<p style="margin: 0 0 1em 0; line-height: 1.5;">%s</p>`, strings.Join(lines, "<br>")))
	}

	return fmt.Sprintf(`<div style="font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, 'Helvetica Neue', Arial, sans-serif; font-size: 14px; line-height: 1.5; color: #333;">%s</div>`,
		strings.Join(paragraphs, ""))
}
