package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"concierge/api/internal/store"
)

const extractorInstruction = `You extract structured draft actions from a chat with a personal assistant.
Respond with a single JSON object, no prose:
{"isDraftIntent": bool, "draftType": "EMAIL"|"CALENDAR_EVENT"|null, "updateMode": bool, "fields": {...}}
EMAIL fields: to/cc/bcc (arrays of {"email","name"}; omit "email" when only a name was said), subject, body, gmailThreadId.
CALENDAR_EVENT fields: summary, startTime, endTime (RFC 3339), attendees, location, description.
Emit a field ONLY when the user explicitly referenced it in the latest message. Set updateMode when the user is changing the draft shown in CURRENT DRAFT.`

// Gemini implements Extractor over the GenAI API.
type Gemini struct {
	client *genai.Client
	model  string
}

// NewGemini creates a Gemini-backed extractor.
func NewGemini(apiKey, model string) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &Gemini{client: client, model: model}, nil
}

// Extract sends the utterance plus context to the model and parses its JSON
// answer at the boundary. Model misbehavior surfaces as ErrMalformed.
func (g *Gemini) Extract(ctx context.Context, utterance string, history []store.Message, current *store.Draft) (Result, error) {
	prompt, err := buildPrompt(utterance, history, current)
	if err != nil {
		return Result{}, err
	}

	contents := []*genai.Content{
		genai.NewContentFromText(prompt, genai.RoleUser),
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(extractorInstruction, genai.RoleUser),
		ResponseMIMEType:  "application/json",
		Temperature:       genai.Ptr[float32](0),
	})
	if err != nil {
		return Result{}, fmt.Errorf("GenAI generate failed: %w", err)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return Result{}, fmt.Errorf("%w: empty model response", ErrMalformed)
	}
	return ParseResult([]byte(text))
}

func buildPrompt(utterance string, history []store.Message, current *store.Draft) (string, error) {
	var b strings.Builder

	if len(history) > 0 {
		b.WriteString("CONVERSATION:\n")
		for _, msg := range history {
			fmt.Fprintf(&b, "%s: %s\n", msg.Role, msg.Text)
		}
		b.WriteString("\n")
	}

	if current != nil {
		snapshot := map[string]any{
			"type": current.Type,
		}
		switch {
		case current.Email != nil:
			snapshot["fields"] = current.Email
		case current.Calendar != nil:
			snapshot["fields"] = current.Calendar
		}
		encoded, err := json.Marshal(snapshot)
		if err != nil {
			return "", fmt.Errorf("marshal draft snapshot: %w", err)
		}
		fmt.Fprintf(&b, "CURRENT DRAFT:\n%s\n\n", encoded)
	}

	fmt.Fprintf(&b, "LATEST MESSAGE:\n%s\n", utterance)
	return b.String(), nil
}
