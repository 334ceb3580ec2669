package events

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// LogObserver writes every event to a zap logger.
type LogObserver struct {
	logger *zap.Logger
}

// NewLogObserver creates a LogObserver.
func NewLogObserver(logger *zap.Logger) *LogObserver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogObserver{logger: logger.Named("observer")}
}

// Name implements Observer.
func (o *LogObserver) Name() string { return "log" }

// Observe implements Observer.
func (o *LogObserver) Observe(_ context.Context, e Event) error {
	fields := []zap.Field{zap.String("event", e.ID), zap.String("agent", e.AgentID)}
	switch e.Kind {
	case KindTradeDetected, KindExecuted:
		if e.Trade != nil {
			fields = append(fields,
				zap.String("chain", string(e.Trade.Chain)),
				zap.String("token", e.Trade.Token),
				zap.String("action", string(e.Trade.Action)),
				zap.Float64("native", e.Trade.NativeAmount),
				zap.String("tx", e.Trade.TxID))
		}
	case KindRecommendation:
		if r := e.Recommendation; r != nil {
			fields = append(fields,
				zap.String("chain", string(r.Request.Chain)),
				zap.String("token", r.Request.Token),
				zap.Float64("amount", r.Request.AmountNative),
				zap.String("cause", r.Cause))
		}
	}
	o.logger.Info(string(e.Kind), fields...)
	return nil
}

// DefaultCommentaryModel is used when no model is configured.
const DefaultCommentaryModel = openai.GPT4oMini

// CommentaryConfig configures a CommentaryObserver.
type CommentaryConfig struct {
	APIKey    string
	BaseURL   string // optional, for compatible endpoints
	Model     string
	MaxTokens int
}

// CommentarySink receives generated commentary.
type CommentarySink func(ctx context.Context, e Event, text string)

// CommentaryObserver asks a chat model for a one-line note on executions
// and recommendations and hands it to a sink.
type CommentaryObserver struct {
	client    *openai.Client
	model     string
	maxTokens int
	sink      CommentarySink
	logger    *zap.Logger
}

// NewCommentaryObserver creates a CommentaryObserver. A nil sink logs the
// commentary.
func NewCommentaryObserver(cfg CommentaryConfig, sink CommentarySink, logger *zap.Logger) (*CommentaryObserver, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("commentary: api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultCommentaryModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 80
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	o := &CommentaryObserver{
		client:    openai.NewClientWithConfig(clientCfg),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		sink:      sink,
		logger:    logger.Named("commentary"),
	}
	if o.sink == nil {
		o.sink = func(_ context.Context, e Event, text string) {
			o.logger.Info("commentary", zap.String("agent", e.AgentID), zap.String("text", text))
		}
	}
	return o, nil
}

// Name implements Observer.
func (o *CommentaryObserver) Name() string { return "commentary" }

// Observe implements Observer. Detected trades are ignored.
func (o *CommentaryObserver) Observe(ctx context.Context, e Event) error {
	prompt := describe(e)
	if prompt == "" {
		return nil
	}

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     o.model,
		MaxTokens: o.maxTokens,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: "You write one short, neutral sentence summarizing an automated trading action for the agent's owner. No advice.",
			},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return errors.New("chat completion: no choices")
	}

	o.sink(ctx, e, strings.TrimSpace(resp.Choices[0].Message.Content))
	return nil
}

func describe(e Event) string {
	switch e.Kind {
	case KindExecuted:
		if e.Trade == nil || e.Request == nil {
			return ""
		}
		return fmt.Sprintf("Bought %.6g of token %s on %s for %.6g %s (tx %s). Trigger: %s, %s.",
			e.Trade.TokenAmount, e.Trade.Token, e.Trade.Chain, e.Trade.NativeAmount,
			e.Trade.Chain.NativeSymbol(), e.Trade.TxID, e.Request.TriggerType, e.Request.Reason)
	case KindRecommendation:
		if e.Recommendation == nil {
			return ""
		}
		r := e.Recommendation.Request
		return fmt.Sprintf("Recommended buying token %s on %s for %.6g %s, not executed automatically (%s). Trigger: %s, %s.",
			r.Token, r.Chain, r.AmountNative, r.Chain.NativeSymbol(), e.Recommendation.Cause, r.TriggerType, r.Reason)
	}
	return ""
}
