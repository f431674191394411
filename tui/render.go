package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/muesli/reflow/wordwrap"

	"github.com/williamcory/chatstream/conversation"
	"github.com/williamcory/chatstream/stream"
)

// markdown renders finished assistant messages. Output is cached per
// message so a redraw only renders what changed.
type markdown struct {
	width    int
	renderer *glamour.TermRenderer
	cache    map[string]cachedRender
}

type cachedRender struct {
	text string
	out  string
}

func newMarkdown(width int) *markdown {
	md := &markdown{cache: make(map[string]cachedRender)}
	md.resize(width)
	return md
}

func (md *markdown) resize(width int) {
	if width == md.width && md.renderer != nil {
		return
	}
	md.width = width
	md.cache = make(map[string]cachedRender)
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		md.renderer = nil
		return
	}
	md.renderer = r
}

// render falls back to wrapped plain text if rendering fails.
func (md *markdown) render(id, text string) string {
	if c, ok := md.cache[id]; ok && c.text == text {
		return c.out
	}
	out := wordwrap.String(text, md.width)
	if md.renderer != nil {
		if r, err := md.renderer.Render(text); err == nil {
			out = strings.Trim(r, "\n")
		}
	}
	md.cache[id] = cachedRender{text: text, out: out}
	return out
}

func renderMessage(m conversation.Message, width int, md *markdown) string {
	var b strings.Builder
	switch m.Sender {
	case conversation.SenderUser:
		b.WriteString(userStyle.Render("You"))
		b.WriteString("\n")
		b.WriteString(wordwrap.String(m.Text, width))
	default:
		b.WriteString(agentStyle.Render("Assistant"))
		b.WriteString("\n")
		switch {
		case m.Provisional && m.Text == "":
			b.WriteString(mutedStyle.Render("…"))
		case m.Provisional:
			b.WriteString(wordwrap.String(m.Text, width))
		default:
			b.WriteString(md.render(m.ID, m.Text))
		}
	}
	return b.String()
}

func renderMessages(msgs []conversation.Message, width int, md *markdown) string {
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		parts = append(parts, renderMessage(m, width, md))
	}
	return strings.Join(parts, "\n\n")
}

// routingLine summarizes which agent and model answer.
func routingLine(meta *stream.RoutingMetadata, model string) string {
	var parts []string
	if meta != nil && meta.SelectedAgent != "" {
		agent := fmt.Sprintf("agent: %s (%.0f%%)", meta.SelectedAgent, meta.Confidence*100)
		if meta.Intent != "" {
			agent += " · " + meta.Intent
		}
		parts = append(parts, agent)
	}
	if model != "" {
		parts = append(parts, "model: "+model)
	}
	return strings.Join(parts, "  ")
}
