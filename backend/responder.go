package backend

import (
	"context"
	"strings"
	"time"

	"github.com/williamcory/chatstream/stream"
)

// Query is one decoded chat request.
type Query struct {
	SessionID string
	Text      string
	// Agent is the explicitly requested agent, if any.
	Agent string
}

// Responder produces the events answering q.
type Responder interface {
	Respond(ctx context.Context, q Query, w EventWriter) error
}

type agentRoute struct {
	agent    string
	intent   string
	keywords []string
	answer   string
}

var scriptedRoutes = []agentRoute{
	{
		agent:    "Finance",
		intent:   "budget_inquiry",
		keywords: []string{"budget", "expense", "cost", "invoice", "spend"},
		answer:   "Your department has used **62%** of this quarter's budget.\n\n- Travel: 18%\n- Software: 27%\n- Equipment: 17%\n\nSpending is on track for the quarter.",
	},
	{
		agent:    "HR",
		intent:   "leave_policy",
		keywords: []string{"leave", "vacation", "holiday", "benefit", "payroll"},
		answer:   "You have **14 days** of paid leave remaining this year. Requests of more than five consecutive days need manager approval two weeks in advance.",
	},
	{
		agent:    "IT",
		intent:   "it_support",
		keywords: []string{"password", "laptop", "vpn", "email", "printer"},
		answer:   "To reset your password, open the self-service portal and choose *Forgot password*. A reset link is sent to your recovery address and expires after 30 minutes.",
	},
}

const generalAnswer = "I can help with budgets, leave and IT questions. Could you tell me a little more about what you need?"

// failKeyword makes the scripted responder report a server error, so
// clients can exercise their failure path against a live server.
const failKeyword = "#fail"

// ScriptedResponder answers from a fixed keyword router.
type ScriptedResponder struct {
	// Model is reported on the first delta.
	Model string
	// ChunkSize is the number of runes per delta.
	ChunkSize int
	// Delay is the pause between deltas.
	Delay time.Duration
}

// NewScriptedResponder returns a responder with demo pacing.
func NewScriptedResponder() *ScriptedResponder {
	return &ScriptedResponder{Model: "scripted-1", ChunkSize: 3, Delay: 15 * time.Millisecond}
}

// Respond implements Responder.
func (r *ScriptedResponder) Respond(ctx context.Context, q Query, w EventWriter) error {
	if err := w.Status("Routing your question"); err != nil {
		return err
	}
	route, meta := routeQuery(q.Text, q.Agent)
	if err := w.Routing(meta); err != nil {
		return err
	}
	if err := w.Status("Consulting the " + meta.SelectedAgent + " agent"); err != nil {
		return err
	}

	if strings.Contains(strings.ToLower(q.Text), failKeyword) {
		return w.Error("The " + meta.SelectedAgent + " agent failed to answer.")
	}

	answer := generalAnswer
	if route != nil {
		answer = route.answer
	}
	return r.streamText(ctx, answer, w)
}

func (r *ScriptedResponder) streamText(ctx context.Context, text string, w EventWriter) error {
	size := r.ChunkSize
	if size <= 0 {
		size = 3
	}
	runes := []rune(text)
	for i := 0; i < len(runes); i += size {
		end := min(i+size, len(runes))
		model := ""
		if i == 0 {
			model = r.Model
		}
		if err := w.Delta(string(runes[i:end]), model); err != nil {
			return err
		}
		if r.Delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.Delay):
			}
		}
	}
	return nil
}

// routeQuery picks the agent for text. A non-empty explicit agent wins with
// full confidence.
func routeQuery(text, explicit string) (*agentRoute, stream.RoutingMetadata) {
	if explicit != "" {
		for i := range scriptedRoutes {
			if strings.EqualFold(scriptedRoutes[i].agent, explicit) {
				rt := &scriptedRoutes[i]
				return rt, stream.RoutingMetadata{
					SelectedAgent:  rt.agent,
					Confidence:     1,
					Intent:         rt.intent,
					RoutingMethod:  "explicit",
					RoutingEnabled: true,
				}
			}
		}
		return nil, stream.RoutingMetadata{
			SelectedAgent:  explicit,
			Confidence:     1,
			Intent:         "general",
			RoutingMethod:  "explicit",
			RoutingEnabled: true,
		}
	}

	lower := strings.ToLower(text)
	var best *agentRoute
	bestHits := 0
	for i := range scriptedRoutes {
		hits := 0
		for _, kw := range scriptedRoutes[i].keywords {
			if strings.Contains(lower, kw) {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = &scriptedRoutes[i], hits
		}
	}
	if best == nil {
		return nil, stream.RoutingMetadata{
			SelectedAgent:  "General",
			Confidence:     0.4,
			Intent:         "general",
			RoutingMethod:  "fallback",
			RoutingEnabled: true,
		}
	}
	return best, stream.RoutingMetadata{
		SelectedAgent:  best.agent,
		Confidence:     min(0.95, 0.7+0.1*float64(bestHits)),
		Intent:         best.intent,
		RoutingMethod:  "keyword",
		RoutingEnabled: true,
	}
}
