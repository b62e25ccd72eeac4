package intent

import (
	"fmt"
	"strings"

	"geopilot/internal/catalog"
	"geopilot/internal/layer"
)

// systemPromptTemplate instructs the model to emit the JSON envelope
// the resolver validates. %s is the rendered operation catalog.
const systemPromptTemplate = `You are the planning component of a GIS analysis assistant.
The user describes spatial analysis in plain language; you translate it
into operations from a fixed catalog. You never invent operations and
you never reference layers that are not listed.

Respond with ONLY a JSON object of this exact shape:

{
  "surface_response": "one or two sentences for the user",
  "operations": [
    {
      "operation": "<catalog operation name>",
      "inputs": ["<layer name>", ...],
      "parameters": {"<name>": <value>, ...},
      "output_name": "<optional result layer name>",
      "replace": false
    }
  ]
}

Rules:
- "operations" may be empty when the user asks a question or chats;
  answer in surface_response instead.
- Use only these operations, with exactly the declared input count:
%s
- Later operations may use the output_name of earlier operations in the
  same response as an input.
- Refer to the most recent result as "@last" when the user says "it",
  "that layer" or similar.
- Distances: pass the user's number and unit as given.
- Do not wrap the JSON in markdown fences or add commentary.`

// SystemPrompt renders the resolver system prompt with the current
// operation catalog.
func SystemPrompt() string {
	return fmt.Sprintf(systemPromptTemplate, indent(catalog.PromptCatalog(), "  "))
}

// Turn is one completed exchange kept for conversational context: the
// request, the surface reply, and either the layer it produced or the
// failure it ended in.
type Turn struct {
	User    string
	Surface string
	Result  string
	Error   string
}

// Context carries the conversational state the resolver needs to
// ground pronouns and follow-up requests.
type Context struct {
	History   []Turn
	LastLayer string
}

// BuildUserPrompt assembles the per-request prompt: available layers,
// recent conversation and the new query.
func BuildUserPrompt(query string, layers []layer.Summary, convo Context) string {
	var b strings.Builder

	b.WriteString("Available layers:\n")
	if len(layers) == 0 {
		b.WriteString("  (none loaded)\n")
	}
	for _, s := range layers {
		fmt.Fprintf(&b, "  - %s: %s, %d features, CRS %s", s.Name, s.Kind, s.Features, s.CRS)
		if len(s.Columns) > 0 {
			fmt.Fprintf(&b, ", columns: %s", strings.Join(s.Columns, ", "))
		}
		b.WriteString("\n")
	}

	if convo.LastLayer != "" {
		fmt.Fprintf(&b, "\nMost recent result layer (@last): %s\n", convo.LastLayer)
	}

	if len(convo.History) > 0 {
		b.WriteString("\nRecent conversation:\n")
		for _, t := range convo.History {
			fmt.Fprintf(&b, "  user: %s\n", t.User)
			if t.Surface != "" {
				fmt.Fprintf(&b, "  assistant: %s\n", t.Surface)
			}
			if t.Result != "" {
				fmt.Fprintf(&b, "  produced layer: %s\n", t.Result)
			}
			if t.Error != "" {
				fmt.Fprintf(&b, "  failed: %s\n", t.Error)
			}
		}
	}

	fmt.Fprintf(&b, "\nUser request: %s\n", query)
	return b.String()
}

func indent(s, prefix string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, line := range lines {
		lines[i] = prefix + line
	}
	return strings.Join(lines, "\n")
}
