// Package imageapi wraps the hosted image API behind the operations prism
// uses: generation, variations, masked edits, vision analysis and prompt
// rewriting.
package imageapi

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"go.uber.org/zap"

	"github.com/prismcli/prism/pkg/models"
)

// DefaultVisionModel is used by Analyze when no model is configured.
const DefaultVisionModel = "gpt-4o-mini"

// DefaultAnalyzePrompt is sent when the caller gives no question.
const DefaultAnalyzePrompt = "Describe this image in detail."

// Config holds connection settings for one provider.
type Config struct {
	APIKey      string
	BaseURL     string
	Timeout     time.Duration
	VisionModel string
	PromptModel string
	HTTPClient  *http.Client
}

// Client calls the image API. Retries are left to the caller.
type Client struct {
	api         openai.Client
	visionModel string
	promptModel string
	log         *zap.Logger
}

// New creates a Client. Settings left empty fall back to the SDK's
// environment defaults (OPENAI_API_KEY, OPENAI_BASE_URL).
func New(cfg Config, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	opts := []option.RequestOption{option.WithMaxRetries(0)}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	vision := cfg.VisionModel
	if vision == "" {
		vision = DefaultVisionModel
	}
	prompt := cfg.PromptModel
	if prompt == "" {
		prompt = DefaultPromptModel
	}
	return &Client{api: openai.NewClient(opts...), visionModel: vision, promptModel: prompt, log: log}
}

// Generate creates req.Count images. dall-e-3 accepts only one image per
// call, so larger counts are issued sequentially.
func (c *Client) Generate(ctx context.Context, req models.GenerationRequest) ([]models.Image, error) {
	calls, perCall := 1, req.Count
	if perCall < 1 {
		perCall = 1
	}
	if req.Model == models.ModelDallE3 {
		calls, perCall = perCall, 1
	}

	params := openai.ImageGenerateParams{
		Prompt:         req.Prompt,
		Model:          openai.ImageModel(req.Model),
		Size:           openai.ImageGenerateParamsSize(req.Size),
		ResponseFormat: openai.ImageGenerateParamsResponseFormatB64JSON,
		N:              param.NewOpt(int64(perCall)),
	}
	if req.Model == models.ModelDallE3 {
		params.Quality = openai.ImageGenerateParamsQuality(req.NormalizedQuality())
		if style := req.NormalizedStyle(); style != "" {
			params.Style = openai.ImageGenerateParamsStyle(style)
		}
	}

	images := make([]models.Image, 0, req.Count)
	for i := 0; i < calls; i++ {
		resp, err := c.api.Images.Generate(ctx, params)
		if err != nil {
			return nil, Classify(err)
		}
		images = append(images, convertImages(resp.Data)...)
	}
	if len(images) == 0 {
		return nil, &models.APIError{Kind: models.ErrNetwork, Message: "response contained no images"}
	}
	c.log.Debug("images generated", zap.String("model", req.Model), zap.Int("images", len(images)))
	return images, nil
}

// CreateVariation produces n variations of a square PNG image.
func (c *Client) CreateVariation(ctx context.Context, image io.Reader, filename, size string, n int) ([]models.Image, error) {
	if n < 1 {
		n = 1
	}
	resp, err := c.api.Images.NewVariation(ctx, openai.ImageNewVariationParams{
		Image:          openai.File(image, filename, "image/png"),
		Model:          openai.ImageModel(models.ModelDallE2),
		N:              param.NewOpt(int64(n)),
		Size:           openai.ImageNewVariationParamsSize(size),
		ResponseFormat: openai.ImageNewVariationParamsResponseFormatB64JSON,
	})
	if err != nil {
		return nil, Classify(err)
	}
	return convertImages(resp.Data), nil
}

// EditInput describes a masked edit of a square PNG. Transparent areas of
// Mask mark what gets repainted; with no mask the image's own alpha
// channel is used.
type EditInput struct {
	Image     io.Reader
	ImageName string
	Mask      io.Reader
	MaskName  string
	Prompt    string
	Size      string
	Count     int
}

// Edit repaints parts of an image according to in.Prompt.
func (c *Client) Edit(ctx context.Context, in EditInput) ([]models.Image, error) {
	n := in.Count
	if n < 1 {
		n = 1
	}
	params := openai.ImageEditParams{
		Image:          openai.ImageEditParamsImageUnion{OfFile: openai.File(in.Image, in.ImageName, "image/png")},
		Prompt:         in.Prompt,
		Model:          openai.ImageModel(models.ModelDallE2),
		N:              param.NewOpt(int64(n)),
		Size:           openai.ImageEditParamsSize(in.Size),
		ResponseFormat: openai.ImageEditParamsResponseFormatB64JSON,
	}
	if in.Mask != nil {
		params.Mask = openai.File(in.Mask, in.MaskName, "image/png")
	}
	resp, err := c.api.Images.Edit(ctx, params)
	if err != nil {
		return nil, Classify(err)
	}
	c.log.Debug("image edited", zap.String("image", in.ImageName), zap.Bool("mask", in.Mask != nil))
	return convertImages(resp.Data), nil
}

// Analyze asks the vision model about an image and returns its answer.
func (c *Client) Analyze(ctx context.Context, image []byte, mimeType, prompt string) (string, error) {
	if prompt == "" {
		prompt = DefaultAnalyzePrompt
	}
	if mimeType == "" {
		mimeType = http.DetectContentType(image)
	}
	dataURL := fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(image))

	resp, err := c.api.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.visionModel),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
				openai.TextContentPart(prompt),
				openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: dataURL}),
			}),
		},
	})
	if err != nil {
		return "", Classify(err)
	}
	if len(resp.Choices) == 0 {
		return "", &models.APIError{Kind: models.ErrNetwork, Message: "vision response contained no choices"}
	}
	return resp.Choices[0].Message.Content, nil
}

func convertImages(data []openai.Image) []models.Image {
	out := make([]models.Image, 0, len(data))
	for _, d := range data {
		out = append(out, models.Image{
			B64JSON:       d.B64JSON,
			URL:           d.URL,
			RevisedPrompt: d.RevisedPrompt,
		})
	}
	return out
}
