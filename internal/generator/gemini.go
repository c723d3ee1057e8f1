package generator

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultGeminiBaseURL    = "https://generativelanguage.googleapis.com/v1beta"
	defaultGeminiModel      = "gemini-2.0-flash"
	defaultGeminiTimeout    = 60 * time.Second
	defaultAdvisorMaxTokens = 2048
	sseDataPrefix           = "data:"
)

var (
	errMissingAPIKey = errors.New("gemini api key required")
	errMissingModel  = errors.New("gemini model required")
)

// GeminiConfig describes how to reach the Gemini REST API.
type GeminiConfig struct {
	APIKey     string
	Model      string
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// GeminiClient implements IdeaGenerator, Roaster and Advisor on top of the Gemini REST API.
type GeminiClient struct {
	apiKey       string
	model        string
	baseURL      string
	httpClient   *http.Client
	streamClient *http.Client
	logger       *zap.Logger
}

// NewGeminiClient validates configuration and constructs a client.
func NewGeminiClient(cfg GeminiConfig) (*GeminiClient, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errMissingAPIKey
	}
	model := strings.TrimPrefix(strings.TrimSpace(cfg.Model), "models/")
	if model == "" {
		model = defaultGeminiModel
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultGeminiBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultGeminiTimeout
	}

	httpClient := cfg.HTTPClient
	streamClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
		// streamed turns can outlive a request timeout; cancellation comes from the context.
		streamClient = &http.Client{}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &GeminiClient{
		apiKey:       apiKey,
		model:        model,
		baseURL:      baseURL,
		httpClient:   httpClient,
		streamClient: streamClient,
		logger:       logger,
	}, nil
}

// GenerateIdea requests a structured idea seeded by the request date.
func (c *GeminiClient) GenerateIdea(ctx context.Context, request IdeaRequest) (Idea, error) {
	seed := request.Seed
	temperature := 0.5
	body := generateRequest{
		Contents: []content{{Role: string(ChatRoleUser), Parts: []part{{Text: buildIdeaPrompt(request)}}}},
		GenerationConfig: &generationConfig{
			Temperature:      &temperature,
			TopP:             0.95,
			TopK:             64,
			Seed:             &seed,
			ResponseMimeType: "application/json",
			ResponseSchema:   ideaResponseSchema,
		},
	}

	text, err := c.generateText(ctx, body)
	if err != nil {
		return Idea{}, err
	}

	var idea Idea
	if err := json.Unmarshal([]byte(text), &idea); err != nil {
		return Idea{}, fmt.Errorf("%w: decode idea: %v", ErrUpstream, err)
	}
	if !idea.Complete() {
		return Idea{}, fmt.Errorf("%w: incomplete idea payload", ErrUpstream)
	}
	return idea, nil
}

// RoastIdea returns a free-form roast of a user idea.
func (c *GeminiClient) RoastIdea(ctx context.Context, idea string) (string, error) {
	if strings.TrimSpace(idea) == "" {
		return "", ErrInvalidPrompt
	}
	body := generateRequest{
		Contents: []content{{Role: string(ChatRoleUser), Parts: []part{{Text: buildRoastPrompt(idea)}}}},
	}
	text, err := c.generateText(ctx, body)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

// StreamAdvice opens a streamed advisor turn. The returned stream must be closed.
func (c *GeminiClient) StreamAdvice(ctx context.Context, history []ChatTurn, message string) (TextStream, error) {
	if strings.TrimSpace(message) == "" {
		return nil, ErrInvalidPrompt
	}
	contents := make([]content, 0, len(history)+1)
	for _, turn := range history {
		if strings.TrimSpace(turn.Text) == "" {
			continue
		}
		role := ChatRoleUser
		if turn.Role == ChatRoleModel {
			role = ChatRoleModel
		}
		contents = append(contents, content{Role: string(role), Parts: []part{{Text: turn.Text}}})
	}
	contents = append(contents, content{Role: string(ChatRoleUser), Parts: []part{{Text: message}}})

	body := generateRequest{
		Contents:          contents,
		SystemInstruction: &content{Parts: []part{{Text: advisorSystemPrompt}}},
		GenerationConfig:  &generationConfig{MaxOutputTokens: defaultAdvisorMaxTokens},
	}

	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse&key=%s", c.baseURL, c.model, c.apiKey)
	response, err := c.post(ctx, c.streamClient, url, body)
	if err != nil {
		return nil, err
	}
	return newSSETextStream(response.Body), nil
}

func (c *GeminiClient) generateText(ctx context.Context, body generateRequest) (string, error) {
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, c.model, c.apiKey)
	response, err := c.post(ctx, c.httpClient, url, body)
	if err != nil {
		return "", err
	}
	defer response.Body.Close()

	var decoded generateResponse
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrUpstream, err)
	}
	text := decoded.text()
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%w: %v", ErrUpstream, ErrEmptyResponse)
	}
	return text, nil
}

func (c *GeminiClient) post(ctx context.Context, client *http.Client, url string, payload any) (*http.Response, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return nil, err
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := client.Do(request)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	if response.StatusCode >= http.StatusBadRequest {
		defer response.Body.Close()
		var apiErr errorResponse
		_ = json.NewDecoder(response.Body).Decode(&apiErr)
		c.logger.Warn("gemini request rejected",
			zap.Int("status", response.StatusCode),
			zap.String("model", c.model),
			zap.String("message", apiErr.Error.Message))
		if apiErr.Error.Message != "" {
			return nil, fmt.Errorf("%w: gemini api error: %s", ErrUpstream, apiErr.Error.Message)
		}
		return nil, fmt.Errorf("%w: gemini api error: %s", ErrUpstream, response.Status)
	}
	return response, nil
}

// sseTextStream reads Gemini's alt=sse framing one data line at a time.
type sseTextStream struct {
	body      io.ReadCloser
	reader    *bufio.Reader
	closeOnce sync.Once
	closeErr  error
}

func newSSETextStream(body io.ReadCloser) *sseTextStream {
	return &sseTextStream{body: body, reader: bufio.NewReader(body)}
}

func (s *sseTextStream) Next() (string, error) {
	for {
		line, err := s.reader.ReadString('\n')
		if text, ok, decodeErr := decodeSSELine(line); decodeErr != nil {
			return "", decodeErr
		} else if ok {
			return text, nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", io.EOF
			}
			return "", fmt.Errorf("%w: read stream: %v", ErrUpstream, err)
		}
	}
}

func (s *sseTextStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.body.Close()
	})
	return s.closeErr
}

func decodeSSELine(line string) (string, bool, error) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, sseDataPrefix) {
		return "", false, nil
	}
	payload := strings.TrimSpace(strings.TrimPrefix(trimmed, sseDataPrefix))
	if payload == "" || payload == "[DONE]" {
		return "", false, nil
	}
	var chunk generateResponse
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		return "", false, fmt.Errorf("%w: decode stream chunk: %v", ErrUpstream, err)
	}
	if chunk.Error != nil && chunk.Error.Message != "" {
		return "", false, fmt.Errorf("%w: gemini api error: %s", ErrUpstream, chunk.Error.Message)
	}
	text := chunk.text()
	if text == "" {
		return "", false, nil
	}
	return text, true, nil
}

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             float64         `json:"topP,omitempty"`
	TopK             int             `json:"topK,omitempty"`
	Seed             *int64          `json:"seed,omitempty"`
	MaxOutputTokens  int             `json:"maxOutputTokens,omitempty"`
	ResponseMimeType string          `json:"responseMimeType,omitempty"`
	ResponseSchema   json.RawMessage `json:"responseSchema,omitempty"`
}

type generateRequest struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
	Error *apiError `json:"error,omitempty"`
}

func (r generateResponse) text() string {
	if len(r.Candidates) == 0 {
		return ""
	}
	var builder strings.Builder
	for _, candidatePart := range r.Candidates[0].Content.Parts {
		builder.WriteString(candidatePart.Text)
	}
	return builder.String()
}

type errorResponse struct {
	Error apiError `json:"error"`
}

var ideaResponseSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "title": {"type": "string", "description": "A catchy startup name."},
    "pitch": {"type": "string", "description": "The elevator pitch that sounds good at first."},
    "fatalFlaw": {"type": "string", "description": "A deep technical or economic analysis of why it will fail."},
    "verdict": {"type": "string", "description": "A one-sentence snarky summary."}
  },
  "required": ["title", "pitch", "fatalFlaw", "verdict"]
}`)
