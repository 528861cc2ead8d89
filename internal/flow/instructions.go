package flow

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/FormPipe/internal/models"
)

// greetingRequest is the zero-input turn used to open a schema-shaped session.
const greetingRequest = "Generate a short, friendly greeting for someone starting this form. Mention what you'll ask about. 2-3 sentences. No tools."

// BuildInstructions renders the system instructions for a schema-shaped form given the answers collected so far.
func BuildInstructions(form *models.FormDefinition, collected map[string]string) string {
	var b strings.Builder

	persona := strings.TrimSpace(form.Persona)
	if persona == "" {
		persona = DefaultPersona
	}
	fmt.Fprintf(&b, "You are a conversational form assistant. Persona: %s\n\n", persona)

	fmt.Fprintf(&b, "## Form: %s\n", form.Title)
	if desc := strings.TrimSpace(form.Description); desc != "" {
		b.WriteString(desc + "\n")
	}

	admin := strings.TrimSpace(form.SystemPrompt)
	if admin == "" {
		admin = DefaultAdminPrompt
	}
	fmt.Fprintf(&b, "\n## Admin\n%s\n", admin)

	b.WriteString("\n## Fields\n")
	if len(form.Fields) == 0 {
		b.WriteString("No schema.\n")
	}
	for _, f := range form.Fields {
		req := "optional"
		if f.Required {
			req = "required"
		}
		line := fmt.Sprintf("  - %s (%s)", f.Name, req)
		if f.Type != "" && f.Type != models.FieldTypeText {
			line += fmt.Sprintf(" [%s]", f.Type)
		}
		if desc := strings.TrimSpace(f.Description); desc != "" {
			line += ": " + desc
		}
		if len(f.Options) > 0 {
			line += fmt.Sprintf(" (options: %s)", strings.Join(f.Options, ", "))
		}
		b.WriteString(line + "\n")
	}

	if len(collected) > 0 {
		b.WriteString("\n## Progress\nCollected:\n")
		// Definition order keeps the instructions stable across turns.
		for _, f := range form.Fields {
			if v, ok := collected[f.Name]; ok {
				fmt.Fprintf(&b, "  - %s: %s\n", f.Name, v)
			}
		}
		var still []string
		for _, f := range form.MissingRequired(collected) {
			still = append(still, f.Name)
		}
		stillText := strings.Join(still, ", ")
		if stillText == "" {
			stillText = "none"
		}
		fmt.Fprintf(&b, "Still needed: %s.\n", stillText)
	}

	b.WriteString(`
## Rules
1. Ask one question at a time. When the user answers, call save_answer with the field name and their value, then respond naturally and ask the next question.
2. Only save answers the user explicitly gave. Do not guess or infer.
3. When save_answer says all required fields are collected, thank the user and say goodbye.
4. Keep replies short (1-2 sentences).`)
	return b.String()
}
