package greeting

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/spigell/delivery-engine/internal/logger"
	"github.com/spigell/delivery-engine/internal/posting"
)

const (
	defaultGeminiModel = "gemini-2.5-flash"
	defaultMaxRetries  = 3
	baseRetryDelay     = 2 * time.Second
	// Quota errors asking to wait longer than this are not retried.
	maxRetryDelay = 30 * time.Second
)

var (
	sleep        = time.Sleep
	retryAfterRe = regexp.MustCompile(`retry (?:after|in) (\d+(?:\.\d+)?) ?s`)
)

type modelsAPI interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Gemini generates greetings with the Google GenAI API.
type Gemini struct {
	models     modelsAPI
	model      string
	maxRetries int
	candidate  string
	logger     *zap.Logger
}

// NewGemini creates a Gemini generator. candidate is a short résumé summary
// injected into every prompt.
func NewGemini(ctx context.Context, apiKey, model, candidate string, maxRetries int, log *zap.Logger) (*Gemini, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	if model = strings.TrimSpace(model); model == "" {
		model = defaultGeminiModel
	}
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	return &Gemini{
		models:     client.Models,
		model:      model,
		maxRetries: maxRetries,
		candidate:  candidate,
		logger:     logger.WithFields(log, zap.String("provider", "gemini"), zap.String("model", model)),
	}, nil
}

func (g *Gemini) Generate(ctx context.Context, p *posting.Posting) (string, error) {
	prompt := buildPrompt(p, g.candidate)

	var lastErr error
	for attempt := 1; attempt <= g.maxRetries; attempt++ {
		resp, err := g.models.GenerateContent(ctx, g.model, genai.Text(prompt), nil)
		if err == nil {
			return responseText(resp)
		}

		lastErr = err
		delay, retry := retryDelay(err, attempt)
		if !retry || attempt == g.maxRetries {
			break
		}

		fields := []zap.Field{zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err)}
		if p != nil {
			fields = append(fields, logger.Posting(p.ID))
		}
		g.logger.Warn("retrying greeting generation", fields...)

		sleep(delay)
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}

	return "", fmt.Errorf("generate content: %w", lastErr)
}

// retryDelay decides whether err is temporary and how long to wait before the next attempt.
func retryDelay(err error, attempt int) (time.Duration, bool) {
	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		return 0, false
	}

	if apiErr.Code != http.StatusTooManyRequests && apiErr.Code < http.StatusInternalServerError {
		return 0, false
	}

	delay := baseRetryDelay * time.Duration(1<<(attempt-1))
	if m := retryAfterRe.FindStringSubmatch(apiErr.Message); m != nil {
		seconds, perr := strconv.ParseFloat(m[1], 64)
		if perr == nil {
			requested := time.Duration(seconds * float64(time.Second))
			if requested > maxRetryDelay {
				return 0, false
			}
			delay = requested
		}
	}

	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	return delay, true
}

func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil {
		return "", errors.New("gemini api returned no response")
	}

	var builder strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part == nil {
				continue
			}
			text := strings.TrimSpace(part.Text)
			if text == "" {
				continue
			}
			if builder.Len() > 0 {
				builder.WriteString("\n")
			}
			builder.WriteString(text)
		}
	}

	output := strings.TrimSpace(builder.String())
	if output == "" {
		return "", errors.New("gemini api returned empty response")
	}

	return output, nil
}
