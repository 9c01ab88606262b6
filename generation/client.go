package generation

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const (
	defaultBaseURL     = "https://generativelanguage.googleapis.com/v1beta"
	defaultImageModel  = "gemini-2.5-flash-image"
	defaultVisionModel = "gemini-2.5-flash"
)

// ErrGenerationFailed indicates the backend errored or returned no usable
// image payload.
var ErrGenerationFailed = errors.New("generation: generation failed")

// Client wraps the HTTP calls to a Gemini-compatible generateContent API.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	apiKey      string
	imageModel  string
	visionModel string
}

// NewClientFromEnv constructs a Client using environment variables.
//
// Expected variables:
//   - GEMINI_API_KEY: required API key for the provider
//   - GEMINI_BASE_URL: optional override for the API base URL
//   - GEMINI_IMAGE_MODEL / GEMINI_VISION_MODEL: optional model overrides
func NewClientFromEnv() (*Client, error) {
	apiKey := strings.TrimSpace(os.Getenv("GEMINI_API_KEY"))
	if apiKey == "" {
		return nil, errors.New("generation: GEMINI_API_KEY environment variable is required")
	}

	baseURL := strings.TrimSpace(os.Getenv("GEMINI_BASE_URL"))
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("generation: invalid base URL %q", baseURL)
	}

	imageModel := strings.TrimSpace(os.Getenv("GEMINI_IMAGE_MODEL"))
	if imageModel == "" {
		imageModel = defaultImageModel
	}
	visionModel := strings.TrimSpace(os.Getenv("GEMINI_VISION_MODEL"))
	if visionModel == "" {
		visionModel = defaultVisionModel
	}

	return &Client{
		httpClient:  &http.Client{Timeout: 90 * time.Second},
		baseURL:     baseURL,
		apiKey:      apiKey,
		imageModel:  imageModel,
		visionModel: visionModel,
	}, nil
}

// ImagePayload carries raw image bytes and their MIME type.
type ImagePayload struct {
	Data     []byte
	MimeType string
}

type inlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type contentPart struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inline_data,omitempty"`
}

type requestContent struct {
	Parts []contentPart `json:"parts"`
}

type generationConfig struct {
	ResponseModalities []string `json:"response_modalities,omitempty"`
	ResponseMimeType   string   `json:"response_mime_type,omitempty"`
}

type generateContentRequest struct {
	Contents         []requestContent  `json:"contents"`
	GenerationConfig *generationConfig `json:"generation_config,omitempty"`
}

type generateContentResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text       string      `json:"text"`
				InlineData *inlineData `json:"inlineData"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

func imagePart(img ImagePayload) contentPart {
	mimeType := strings.TrimSpace(img.MimeType)
	if mimeType == "" {
		mimeType = "image/png"
	}
	return contentPart{InlineData: &inlineData{
		MimeType: mimeType,
		Data:     base64.StdEncoding.EncodeToString(img.Data),
	}}
}

func (c *Client) call(ctx context.Context, model string, payload generateContentRequest) (*generateContentResponse, error) {
	body := &bytes.Buffer{}
	if err := json.NewEncoder(body).Encode(payload); err != nil {
		return nil, fmt.Errorf("generation: encode request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, model, c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("generation: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: execute request: %v", ErrGenerationFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("%w: unexpected status %s: %s", ErrGenerationFailed, resp.Status, strings.TrimSpace(string(snippet)))
	}

	var decoded generateContentResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrGenerationFailed, err)
	}
	return &decoded, nil
}

// extractImage pulls the first inline image out of a response.
func extractImage(resp *generateContentResponse) (ImagePayload, error) {
	for _, candidate := range resp.Candidates {
		for _, part := range candidate.Content.Parts {
			if part.InlineData == nil || part.InlineData.Data == "" {
				continue
			}
			data, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
			if err != nil {
				return ImagePayload{}, fmt.Errorf("%w: decode image payload: %v", ErrGenerationFailed, err)
			}
			mimeType := part.InlineData.MimeType
			if mimeType == "" {
				mimeType = "image/png"
			}
			return ImagePayload{Data: data, MimeType: mimeType}, nil
		}
	}
	return ImagePayload{}, fmt.Errorf("%w: response contains no image data", ErrGenerationFailed)
}

func extractText(resp *generateContentResponse) (string, error) {
	for _, candidate := range resp.Candidates {
		for _, part := range candidate.Content.Parts {
			if text := strings.TrimSpace(part.Text); text != "" {
				return text, nil
			}
		}
	}
	return "", fmt.Errorf("%w: response contains no text data", ErrGenerationFailed)
}

// similarityInstruction maps the 0-100 similarity slider onto prompt wording.
func similarityInstruction(similarity int, styleAndPose bool) string {
	target := "the style of the reference image"
	if styleAndPose {
		target = "the style and pose of the reference image"
	}
	switch {
	case similarity <= 25:
		return "be very loosely inspired by " + target
	case similarity <= 50:
		return "take some creative inspiration from " + target
	case similarity <= 75:
		return "adhere to " + target
	default:
		return "very closely match " + target
	}
}

// ValidationResult reports whether an uploaded image qualifies as a base
// character: a solo chibi-style subject.
type ValidationResult struct {
	IsChibi bool   `json:"isChibi"`
	IsSolo  bool   `json:"isSolo"`
	Reason  string `json:"reason"`
}

// ValidateImage asks the vision model to judge the uploaded image.
func (c *Client) ValidateImage(ctx context.Context, img ImagePayload) (ValidationResult, error) {
	prompt := `Analyze the provided image and determine two things: 1. Is the image in a 'chibi' art style (characterized by small bodies, large heads, and cute features)? 2. Does the image contain only a single character (a solo photo)? Provide a brief reason for your determination. Respond in JSON format with keys isChibi, isSolo and reason.`

	resp, err := c.call(ctx, c.visionModel, generateContentRequest{
		Contents: []requestContent{{Parts: []contentPart{
			imagePart(img),
			{Text: prompt},
		}}},
		GenerationConfig: &generationConfig{ResponseMimeType: "application/json"},
	})
	if err != nil {
		return ValidationResult{}, err
	}

	text, err := extractText(resp)
	if err != nil {
		return ValidationResult{}, err
	}

	var result ValidationResult
	if err := json.Unmarshal([]byte(text), &result); err != nil {
		return ValidationResult{}, fmt.Errorf("%w: parse validation verdict: %v", ErrGenerationFailed, err)
	}
	return result, nil
}

// GenerateCharacter creates a brand-new chibi base character from a text
// description, optionally steered by a style reference image.
func (c *Client) GenerateCharacter(ctx context.Context, prompt string, reference *ImagePayload, similarity int) (ImagePayload, error) {
	trimmed := strings.TrimSpace(prompt)
	if trimmed == "" {
		return ImagePayload{}, errors.New("generation: prompt cannot be empty")
	}

	fullPrompt := fmt.Sprintf(`Generate a full-body, forward-facing chibi character based on the following description: %q. The character should have a neutral expression. The background must be a solid white color (#FFFFFF). The final image must be a square with a 1:1 aspect ratio. The art style should be clean, with clear lines and vibrant colors.`, trimmed)

	var parts []contentPart
	if reference != nil {
		fullPrompt += fmt.Sprintf(" Use the provided image as an artistic reference. The final character should %s.", similarityInstruction(similarity, false))
		parts = append(parts, imagePart(*reference))
	}
	parts = append(parts, contentPart{Text: fullPrompt})

	resp, err := c.call(ctx, c.imageModel, generateContentRequest{
		Contents:         []requestContent{{Parts: parts}},
		GenerationConfig: &generationConfig{ResponseModalities: []string{"IMAGE", "TEXT"}},
	})
	if err != nil {
		return ImagePayload{}, err
	}
	return extractImage(resp)
}

// GenerateChibi recreates the character in the provided image in a clean
// chibi style suitable for expression generation.
func (c *Client) GenerateChibi(ctx context.Context, base ImagePayload, emotionPrompt string, reference *ImagePayload, similarity int) (ImagePayload, error) {
	prompt := fmt.Sprintf(`Analyze the character in the first provided image. Recreate this character in a clean, consistent, and appealing chibi art style suitable for expressions. The character should have a %q expression and be facing forward. Maintain all key design elements, colors, and clothing. The background must be solid white. The final image must be a square with a 1:1 aspect ratio.`, emotionPrompt)

	parts := []contentPart{imagePart(base)}
	if reference != nil {
		prompt += fmt.Sprintf(" Use the second provided image as an artistic reference. The final character should %s while retaining the core features of the main character.", similarityInstruction(similarity, false))
		parts = append(parts, imagePart(*reference))
	}
	parts = append(parts, contentPart{Text: prompt})

	resp, err := c.call(ctx, c.imageModel, generateContentRequest{
		Contents:         []requestContent{{Parts: parts}},
		GenerationConfig: &generationConfig{ResponseModalities: []string{"IMAGE", "TEXT"}},
	})
	if err != nil {
		return ImagePayload{}, err
	}
	return extractImage(resp)
}

// GenerateExpression derives a new expression or pose from the base
// character while preserving its design.
func (c *Client) GenerateExpression(ctx context.Context, base ImagePayload, expressionPrompt string, reference *ImagePayload, similarity int) (ImagePayload, error) {
	trimmed := strings.TrimSpace(expressionPrompt)
	if trimmed == "" {
		return ImagePayload{}, errors.New("generation: expression prompt cannot be empty")
	}

	prompt := fmt.Sprintf(`Using the first image as the base character, generate a new expression. The character should now have the following expression or pose: %q. Make the expression very clear and expressive. IMPORTANT: You MUST strictly preserve the character's unique design, colors, and the established art style from the base image. Only the facial expression and body pose should change to match the request. The background must be solid white. The final image must be a square with a 1:1 aspect ratio.`, trimmed)

	parts := []contentPart{imagePart(base)}
	if reference != nil {
		prompt += fmt.Sprintf(" The second image is a reference. For this generation, you should %s.", similarityInstruction(similarity, true))
		parts = append(parts, imagePart(*reference))
	}
	parts = append(parts, contentPart{Text: prompt})

	resp, err := c.call(ctx, c.imageModel, generateContentRequest{
		Contents:         []requestContent{{Parts: parts}},
		GenerationConfig: &generationConfig{ResponseModalities: []string{"IMAGE", "TEXT"}},
	})
	if err != nil {
		return ImagePayload{}, err
	}
	return extractImage(resp)
}
