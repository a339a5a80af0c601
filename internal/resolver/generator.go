package resolver

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/googleai"
)

// Generator produces short intervention texts when the catalog has no
// match. It is the slowest and least reliable content source, so it sits
// behind the breaker and the shared rate cap.
type Generator interface {
	Generate(ctx context.Context, p Prompt) (string, error)
}

// Prompt carries the context the generator writes for.
type Prompt struct {
	Topic          string
	Subtopic       string
	Kind           string
	CognitiveEvent string
}

// LLMGenerator generates content through a langchaingo model.
type LLMGenerator struct {
	llm llms.Model
}

// NewLLMGenerator dials the Gemini API.
func NewLLMGenerator(ctx context.Context, apiKey, model string) (*LLMGenerator, error) {
	llm, err := googleai.New(ctx,
		googleai.WithAPIKey(apiKey),
		googleai.WithDefaultModel(model),
	)
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	return &LLMGenerator{llm: llm}, nil
}

// Generate produces one short supportive message for the student.
func (g *LLMGenerator) Generate(ctx context.Context, p Prompt) (string, error) {
	prompt := buildPrompt(p)
	out, err := llms.GenerateFromSinglePrompt(ctx, g.llm, prompt,
		llms.WithMaxTokens(120),
		llms.WithTemperature(0.7),
	)
	if err != nil {
		return "", fmt.Errorf("generating content: %w", err)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", fmt.Errorf("generator returned empty content")
	}
	return out, nil
}

func buildPrompt(p Prompt) string {
	var b strings.Builder
	b.WriteString("Eres un tutor empático. Escribe un mensaje breve (máximo dos frases, en español) para un estudiante")
	if p.Topic != "" {
		fmt.Fprintf(&b, " que estudia %s", p.Topic)
		if p.Subtopic != "" {
			fmt.Fprintf(&b, " (%s)", p.Subtopic)
		}
	}
	switch p.CognitiveEvent {
	case "frustration":
		b.WriteString(" y muestra señales de frustración. Anímalo sin restar importancia a la dificultad.")
	case "confusion":
		b.WriteString(" y parece confundido. Sugiérele releer el material con calma o repasar el concepto clave.")
	case "fatigue":
		b.WriteString(" y muestra señales de cansancio. Sugiérele una pausa corta.")
	case "cognitive_overload":
		b.WriteString(" y está sobrecargado. Recomiéndale detenerse y retomar en unos minutos.")
	default:
		b.WriteString(" que ha perdido el foco. Ayúdalo a retomar la actividad.")
	}
	if p.Kind == "pause" {
		b.WriteString(" El mensaje acompaña una pausa sugerida.")
	}
	b.WriteString(" Devuelve solo el mensaje, sin comillas.")
	return b.String()
}
