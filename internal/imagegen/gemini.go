package imagegen

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/DaanHessen/fitcheck/internal/engine"
)

// DefaultModel is the Gemini model used for image edits.
const DefaultModel = "gemini-2.5-flash-image-preview"

const (
	modelPrompt = "You are an expert fashion photographer AI. Transform the person in this image into a full-body fashion model photo suitable for an e-commerce website. " +
		"The background must be a clean, neutral studio backdrop. The person should have a neutral, professional model expression. " +
		"Preserve the person's identity, unique features, and body type, but place them in a standard, relaxed standing model pose. " +
		"Return ONLY the final image."
	tryOnPrompt = "You are an expert virtual try-on AI. You will be given a 'model image' and a 'garment image'. " +
		"Create a new photorealistic image where the person from the 'model image' is wearing the clothing from the 'garment image'. " +
		"Completely remove and replace the clothing item the garment covers. Preserve the model's face, hair, body shape and pose exactly. " +
		"Keep the entire background identical to the original. Apply the garment with realistic folds, shadows and lighting. " +
		"Return ONLY the final, edited image."
	posePromptFmt = "You are an expert fashion photographer AI. Take this image and regenerate it from a different perspective. " +
		"The person, clothing, and background style must remain identical. The new perspective should be: %q. Return ONLY the final image."
)

// Gemini renders try-ons and poses with the Gemini image model.
type Gemini struct {
	client  *genai.Client
	model   string
	loader  Loader
	timeout time.Duration
	logger  *zap.Logger
}

// GeminiOption configures a Gemini renderer.
type GeminiOption func(*Gemini)

// WithModel overrides DefaultModel.
func WithModel(m string) GeminiOption {
	return func(g *Gemini) {
		if m != "" {
			g.model = m
		}
	}
}

// WithHTTPClient sets the client used to fetch image refs.
func WithHTTPClient(c *http.Client) GeminiOption { return func(g *Gemini) { g.loader.Client = c } }

// WithTimeout bounds each generation call.
func WithTimeout(d time.Duration) GeminiOption { return func(g *Gemini) { g.timeout = d } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) GeminiOption { return func(g *Gemini) { g.logger = l } }

// NewGemini creates a renderer backed by the Gemini API.
func NewGemini(ctx context.Context, apiKey string, opts ...GeminiOption) (*Gemini, error) {
	if apiKey == "" {
		return nil, errors.New("GEMINI_API_KEY is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create genai client")
	}
	g := &Gemini{
		client:  client,
		model:   DefaultModel,
		loader:  Loader{Client: &http.Client{Timeout: 30 * time.Second}},
		timeout: 2 * time.Minute,
		logger:  zap.NewNop(),
	}
	for _, o := range opts {
		o(g)
	}
	return g, nil
}

// Name identifies the renderer in logs and metrics.
func (g *Gemini) Name() string { return "gemini:" + g.model }

// Model turns an uploaded photo into a studio model image.
func (g *Gemini) Model(ctx context.Context, photoRef string) (string, error) {
	photo, err := g.loader.Load(ctx, photoRef)
	if err != nil {
		return "", generationFailed(err, "load photo")
	}
	return g.generate(ctx, modelPrompt, photo)
}

// TryOn dresses the image at baseRef in garment.
func (g *Gemini) TryOn(ctx context.Context, baseRef string, garment engine.WardrobeItem) (string, error) {
	base, err := g.loader.Load(ctx, baseRef)
	if err != nil {
		return "", generationFailed(err, "load model image")
	}
	cloth, err := g.loader.Load(ctx, garment.ImageRef)
	if err != nil {
		return "", generationFailed(err, "load garment "+garment.ID)
	}
	return g.generate(ctx, tryOnPrompt, base, cloth)
}

// Pose re-renders the image at baseRef from the pose's perspective.
func (g *Gemini) Pose(ctx context.Context, baseRef string, pose engine.Pose) (string, error) {
	base, err := g.loader.Load(ctx, baseRef)
	if err != nil {
		return "", generationFailed(err, "load model image")
	}
	return g.generate(ctx, fmt.Sprintf(posePromptFmt, string(pose)), base)
}

func (g *Gemini) generate(ctx context.Context, prompt string, images ...Image) (string, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	parts := make([]*genai.Part, 0, len(images)+1)
	for _, img := range images {
		parts = append(parts, genai.NewPartFromBytes(img.Data, img.MIMEType))
	}
	parts = append(parts, genai.NewPartFromText(prompt))
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	start := time.Now()
	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, &genai.GenerateContentConfig{
		ResponseModalities: []string{"IMAGE", "TEXT"},
	})
	if err != nil {
		return "", generationFailed(err, "gemini request")
	}
	img, err := firstImage(resp)
	if err != nil {
		return "", generationFailed(err, "gemini response")
	}
	g.logger.Debug("gemini image generated",
		zap.String("model", g.model),
		zap.Int("bytes", len(img.Data)),
		zap.Duration("took", time.Since(start)))
	return img.DataURL(), nil
}

// firstImage extracts the first inline image of a response, reporting the
// block or finish reason when there is none.
func firstImage(resp *genai.GenerateContentResponse) (Image, error) {
	if resp == nil {
		return Image{}, errors.New("empty response")
	}
	if pf := resp.PromptFeedback; pf != nil && pf.BlockReason != "" {
		return Image{}, errors.Errorf("request blocked: %s %s", pf.BlockReason, pf.BlockReasonMessage)
	}
	for _, c := range resp.Candidates {
		if c == nil || c.Content == nil {
			continue
		}
		for _, p := range c.Content.Parts {
			if p != nil && p.InlineData != nil && len(p.InlineData.Data) > 0 {
				mt := p.InlineData.MIMEType
				if mt == "" {
					mt = "image/png"
				}
				return Image{Data: p.InlineData.Data, MIMEType: mt}, nil
			}
		}
	}
	if len(resp.Candidates) > 0 && resp.Candidates[0].FinishReason != "" && resp.Candidates[0].FinishReason != genai.FinishReasonStop {
		return Image{}, errors.Errorf("generation stopped: %s", resp.Candidates[0].FinishReason)
	}
	if text := resp.Text(); text != "" {
		return Image{}, errors.Errorf("model returned text instead of an image: %s", truncate(text))
	}
	return Image{}, errors.New("model returned no image")
}

// generationFailed tags err so callers can match engine.ErrGenerationFailed.
func generationFailed(err error, op string) error {
	return &GenerationError{Op: op, Err: err}
}

// GenerationError is a failed render.
type GenerationError struct {
	Op  string
	Err error
}

func (e *GenerationError) Error() string { return e.Op + ": " + e.Err.Error() }

// Is matches engine.ErrGenerationFailed.
func (e *GenerationError) Is(target error) bool { return target == engine.ErrGenerationFailed }

func (e *GenerationError) Unwrap() error { return e.Err }
