package imageapi

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/param"

	"github.com/prismcli/prism/pkg/models"
)

// DefaultPromptModel rewrites prompts when no model is configured.
const DefaultPromptModel = "gpt-4o-mini"

// maxPromptChars is the length the rewriting model is asked to stay under.
const maxPromptChars = 400

var listMarker = regexp.MustCompile(`^(?:\d+[.)]|[-*•])\s*`)

// Enhance rewrites prompt with more visual detail for the given style.
func (c *Client) Enhance(ctx context.Context, prompt, style string) (string, error) {
	if style == "" {
		style = "photorealistic"
	}
	system := fmt.Sprintf("You write prompts for an image generation model. "+
		"Rewrite the given prompt to be more detailed and specific for %s images. "+
		"Describe visual details, lighting and composition. "+
		"Reply with the prompt only, under %d characters.", style, maxPromptChars)

	text, err := c.chat(ctx, system, "Enhance this prompt: "+prompt, 150, 0.7)
	if err != nil {
		return "", err
	}
	return strings.Trim(strings.TrimSpace(text), `"`), nil
}

// PromptVariations asks for count rewrites of prompt that keep its subject
// but change style, composition, lighting or palette.
func (c *Client) PromptVariations(ctx context.Context, prompt string, count int) ([]string, error) {
	if count < 1 {
		count = 1
	}
	system := fmt.Sprintf("Generate creative variations of the given image prompt. "+
		"Keep the core concept and vary the artistic style, composition, lighting and colors. "+
		"Put each variation on its own line, each under %d characters.", maxPromptChars)

	text, err := c.chat(ctx, system, fmt.Sprintf("Generate %d variations of: %s", count, prompt), 500, 0.8)
	if err != nil {
		return nil, err
	}
	return parseVariations(text, count), nil
}

func (c *Client) chat(ctx context.Context, system, user string, maxTokens int64, temperature float64) (string, error) {
	resp, err := c.api.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.promptModel),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
		MaxTokens:   param.NewOpt(maxTokens),
		Temperature: param.NewOpt(temperature),
	})
	if err != nil {
		return "", Classify(err)
	}
	if len(resp.Choices) == 0 {
		return "", &models.APIError{Kind: models.ErrNetwork, Message: "chat response contained no choices"}
	}
	return resp.Choices[0].Message.Content, nil
}

// parseVariations splits a model reply into at most count prompts,
// dropping headings, list markers and surrounding quotes.
func parseVariations(text string, count int) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.Trim(strings.TrimSpace(listMarker.ReplaceAllString(line, "")), `"`)
		if line == "" {
			continue
		}
		out = append(out, line)
		if len(out) == count {
			break
		}
	}
	return out
}
