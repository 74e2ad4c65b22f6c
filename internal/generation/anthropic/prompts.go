package anthropic

import (
	"strings"

	"github.com/DukeRupert/mailsmith/internal/generation"
)

const systemPrompt = `You are an expert email marketer and HTML email developer. You write concise, on-brand marketing and transactional emails that render correctly in every major email client.`

// buildTemplatePrompt creates the user prompt for one template request
func buildTemplatePrompt(params generation.TemplateParams) string {
	var b strings.Builder
	b.WriteString(`Write an email template for the following brief.

Brief:
`)
	b.WriteString(strings.TrimSpace(params.Brief))
	b.WriteString("\n")

	if params.Tone != "" {
		b.WriteString("\nTone: ")
		b.WriteString(params.Tone)
		b.WriteString("\n")
	}
	if params.Audience != "" {
		b.WriteString("\nAudience: ")
		b.WriteString(params.Audience)
		b.WriteString("\n")
	}

	b.WriteString(`
**Requirements:**
- Table-based layout with inline CSS, max width 600px
- No external scripts, fonts or stylesheets
- Use {{first_name}} for the recipient's first name and {{unsubscribe_url}} for the unsubscribe link
- Provide a plain text version with the same content

Respond with a single JSON object and nothing else:
{"subject": "...", "preheader": "...", "html": "...", "text": "..."}`)

	return b.String()
}
