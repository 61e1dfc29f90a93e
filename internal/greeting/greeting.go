package greeting

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/spigell/delivery-engine/internal/logger"
	"github.com/spigell/delivery-engine/internal/posting"
	"github.com/spigell/delivery-engine/internal/utils"
)

// DefaultMessage is used when nothing else produced a greeting.
const DefaultMessage = "您好，我对这个职位很感兴趣，期待与您进一步沟通。"

const maxLogLength = 120

// Generator produces the greeting sent with an application.
type Generator interface {
	Generate(ctx context.Context, p *posting.Posting) (string, error)
}

// Static renders a fixed template. {title} and {company} are replaced with
// posting values. An empty template falls back to DefaultMessage.
type Static struct {
	Template string
}

func (s Static) Generate(_ context.Context, p *posting.Posting) (string, error) {
	text := strings.TrimSpace(s.Template)
	if text == "" {
		return DefaultMessage, nil
	}
	if p != nil {
		text = strings.NewReplacer("{title}", p.Title, "{company}", p.Company).Replace(text)
	}
	return text, nil
}

type fallback struct {
	primary  Generator
	fallback Generator
	logger   *zap.Logger
}

// WithFallback returns a Generator that never fails: when primary errors or
// returns nothing, the fallback greeting is used instead.
func WithFallback(primary, secondary Generator, log *zap.Logger) Generator {
	if secondary == nil {
		secondary = Static{}
	}
	return &fallback{primary: primary, fallback: secondary, logger: logger.WithFields(log)}
}

func (f *fallback) Generate(ctx context.Context, p *posting.Posting) (string, error) {
	if f.primary != nil {
		text, err := f.primary.Generate(ctx, p)
		text = strings.TrimSpace(text)
		if err == nil && text != "" {
			f.logger.Debug("generated greeting", zap.String("greeting", utils.TruncateForLog(text, maxLogLength)))
			return text, nil
		}

		fields := []zap.Field{zap.Error(err)}
		if p != nil {
			fields = append(fields, logger.Posting(p.ID))
		}
		f.logger.Warn("falling back to default greeting", fields...)
	}

	text, err := f.fallback.Generate(ctx, p)
	if err != nil || strings.TrimSpace(text) == "" {
		return DefaultMessage, nil
	}
	return text, nil
}
