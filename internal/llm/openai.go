package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/openai/openai-go"
	"github.com/pgvector/pgvector-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/engramdev/engram/internal/identity"
	"github.com/engramdev/engram/internal/telemetry"
	"github.com/engramdev/engram/internal/types"
)

// arbitrateInputLimit caps each side of an arbitration prompt.
const arbitrateInputLimit = 6000

// llmMetrics holds lazily-initialized OTel instruments for OpenAI calls.
var llmMetrics struct {
	inputTokens  metric.Int64Counter
	outputTokens metric.Int64Counter
	duration     metric.Float64Histogram
}

var llmMetricsOnce sync.Once

func initLLMMetrics() {
	m := telemetry.Meter("github.com/engramdev/engram/llm")
	llmMetrics.inputTokens, _ = m.Int64Counter("engram.llm.input_tokens",
		metric.WithDescription("OpenAI API input tokens consumed"),
		metric.WithUnit("{token}"),
	)
	llmMetrics.outputTokens, _ = m.Int64Counter("engram.llm.output_tokens",
		metric.WithDescription("OpenAI API output tokens generated"),
		metric.WithUnit("{token}"),
	)
	llmMetrics.duration, _ = m.Float64Histogram("engram.llm.request.duration",
		metric.WithDescription("OpenAI API request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
}

func recordTokens(ctx context.Context, model string, in, out int64) {
	if llmMetrics.inputTokens == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("engram.llm.model", model))
	llmMetrics.inputTokens.Add(ctx, in, attrs)
	llmMetrics.outputTokens.Add(ctx, out, attrs)
}

// withRetries runs call under the concurrency gate with a per-attempt
// timeout. Auth and validation failures abort immediately; rate limits,
// server errors, and timeouts back off exponentially up to maxAttempts.
func withRetries[T any](ctx context.Context, c *Client, label string, call func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return zero, err
	}
	defer c.sem.Release(1)

	tracer := telemetry.Tracer("github.com/engramdev/engram/llm")
	ctx, span := tracer.Start(ctx, "openai."+label)
	defer span.End()
	span.SetAttributes(attribute.String("engram.llm.operation", label))

	attempts := 0
	op := func() (T, error) {
		attempts++
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		t0 := time.Now()
		out, err := call(callCtx)
		ms := float64(time.Since(t0).Milliseconds())
		if llmMetrics.duration != nil {
			llmMetrics.duration.Record(ctx, ms,
				metric.WithAttributes(attribute.String("engram.llm.operation", label)))
		}
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return zero, backoff.Permanent(ctx.Err())
		}
		if !isRetryable(err) {
			return zero, backoff.Permanent(err)
		}
		c.log.Warn("llm call failed, retrying",
			zap.String("operation", label),
			zap.Int("attempt", attempts),
			zap.Error(err))
		return zero, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 0
	out, err := backoff.RetryWithData(op, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.maxAttempts-1)), ctx))
	span.SetAttributes(attribute.Int("engram.llm.attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ctx.Err() != nil {
			return zero, fmt.Errorf("%s: %w", label, err)
		}
		return zero, fmt.Errorf("%s: %w: %w", label, ErrUnavailable, err)
	}
	return out, nil
}

func isRetryable(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
			return false
		}
		return true
	}
	// Transport-level failures carry no status code.
	return true
}

// stripFences removes markdown code fences so a ```json wrapped payload
// still parses.
func stripFences(raw string) string {
	cleaned := strings.ReplaceAll(raw, "```json", "")
	cleaned = strings.ReplaceAll(cleaned, "```", "")
	return strings.TrimSpace(cleaned)
}

func (c *Client) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	resp, err := withRetries(ctx, c, "embeddings", func(ctx context.Context) (*openai.CreateEmbeddingResponse, error) {
		return c.api.Embeddings.New(ctx, openai.EmbeddingNewParams{
			Model: openai.EmbeddingModel(c.embedModel),
			Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
		})
	})
	if err != nil {
		return pgvector.Vector{}, err
	}
	if len(resp.Data) == 0 {
		return pgvector.Vector{}, errors.New("embeddings: response carried no data")
	}
	recordTokens(ctx, c.embedModel, resp.Usage.PromptTokens, 0)

	raw := resp.Data[0].Embedding
	if len(raw) != c.embedDim {
		return pgvector.Vector{}, fmt.Errorf("embeddings: %w: got %d, want %d", ErrDimensionMismatch, len(raw), c.embedDim)
	}
	vec := make([]float32, len(raw))
	for i, v := range raw {
		vec[i] = float32(v)
	}
	return pgvector.NewVector(vec), nil
}

// chat issues one completion request and unwraps the first choice.
func (c *Client) chat(ctx context.Context, label string, params openai.ChatCompletionNewParams) (string, error) {
	return withRetries(ctx, c, label, func(ctx context.Context) (string, error) {
		completion, err := c.api.Chat.Completions.New(ctx, params)
		if err != nil {
			return "", err
		}
		if len(completion.Choices) == 0 {
			return "", errors.New("response carried no choices")
		}
		recordTokens(ctx, string(params.Model), completion.Usage.PromptTokens, completion.Usage.CompletionTokens)
		return completion.Choices[0].Message.Content, nil
	})
}

func (c *Client) Segment(ctx context.Context, text, activeTaxonomy string) ([]types.Section, error) {
	raw, err := c.chat(ctx, "segment", openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.extractModel),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(fmt.Sprintf(segmentationPrompt, activeTaxonomy)),
			openai.UserMessage(text),
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   "semantic_sections",
					Schema: sectionsSchema,
					Strict: openai.Bool(true),
				},
			},
		},
		ReasoningEffort: c.extractEffort,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.log.Error("segmentation failed, storing input as a single unit", zap.Error(err))
		return []types.Section{fallbackSection(text)}, nil
	}
	return c.parseSections(raw, text), nil
}

func (c *Client) parseSections(raw, input string) []types.Section {
	var parsed struct {
		Sections []types.Section `json:"sections"`
	}
	if err := json.Unmarshal([]byte(stripFences(raw)), &parsed); err != nil {
		c.log.Error("segmentation response did not parse", zap.Error(err))
		return []types.Section{fallbackSection(input)}
	}
	if len(parsed.Sections) == 0 {
		c.log.Warn("segmentation produced no sections, storing input as a single unit")
		return []types.Section{fallbackSection(input)}
	}

	out := parsed.Sections[:0]
	for _, s := range parsed.Sections {
		s.CategoryPath = identity.SanitizePath(s.CategoryPath)
		if !s.VolatilityClass.IsValid() {
			s.VolatilityClass = types.VolatilityLow
		}
		if len(strings.TrimSpace(s.Content)) < c.minSection {
			continue
		}
		out = append(out, s)
	}
	return out
}

func fallbackSection(text string) types.Section {
	return types.Section{
		Content:         text,
		CategoryPath:    identity.UnknownPath,
		VolatilityClass: types.VolatilityLow,
	}
}

func (c *Client) Arbitrate(ctx context.Context, oldText, newText string) (types.Arbitration, error) {
	safeOld := identity.TruncateText(oldText, arbitrateInputLimit)
	safeNew := identity.TruncateText(newText, arbitrateInputLimit)

	raw, err := c.chat(ctx, "arbitrate", openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.conflictModel),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(arbiterPrompt),
			openai.UserMessage(fmt.Sprintf("<old_text>%s</old_text>\n\n<new_text>%s</new_text>", safeOld, safeNew)),
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   "conflict",
					Schema: arbitrationSchema,
					Strict: openai.Bool(true),
				},
			},
		},
		ReasoningEffort:     c.conflictEffort,
		MaxCompletionTokens: openai.Int(8000),
	})
	if err != nil {
		if ctx.Err() != nil {
			return types.Arbitration{}, ctx.Err()
		}
		c.log.Error("arbitration failed, defaulting to supersedes", zap.Error(err))
		return types.Arbitration{Resolution: types.ResolutionSupersedes, UpdatedText: newText}, nil
	}

	var verdict types.Arbitration
	if err := json.Unmarshal([]byte(stripFences(raw)), &verdict); err != nil {
		c.log.Error("arbitration response did not parse, defaulting to supersedes", zap.Error(err))
		return types.Arbitration{Resolution: types.ResolutionSupersedes, UpdatedText: newText}, nil
	}
	if verdict.Resolution != types.ResolutionSupersedes && verdict.Resolution != types.ResolutionMerges {
		verdict.Resolution = types.ResolutionSupersedes
	}
	if verdict.UpdatedText == "" {
		verdict.UpdatedText = newText
	}
	return verdict, nil
}

func (c *Client) SummarizeProfile(ctx context.Context, chunks []string) (string, error) {
	if len(chunks) == 0 {
		return "", nil
	}
	combined := strings.Join(chunks, "\n\n---\n\n")

	content, err := c.chat(ctx, "profile_summary", openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.extractModel),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(profileSummaryPrompt),
			openai.UserMessage("User memory records:\n\n" + combined),
		},
		ReasoningEffort:     c.extractEffort,
		MaxCompletionTokens: openai.Int(10000),
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		c.log.Error("profile summarization failed", zap.Error(err))
		return "", nil
	}
	return strings.TrimSpace(content), nil
}
