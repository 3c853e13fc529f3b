package notifications

import (
	"context"

	"github.com/angelmondragon/contratapro-lifecycle/pkg/enums"
	pkgerrors "github.com/angelmondragon/contratapro-lifecycle/pkg/errors"
	"github.com/angelmondragon/contratapro-lifecycle/pkg/logger"
)

// LogSender renders messages and writes them to the log instead of delivering them.
// It backs local development and environments without Postmark credentials.
type LogSender struct {
	renderer *Renderer
	logg     *logger.Logger
}

func NewLogSender(renderer *Renderer, logg *logger.Logger) *LogSender {
	return &LogSender{renderer: renderer, logg: logg}
}

func (s *LogSender) Send(ctx context.Context, recipient Recipient, template enums.NotificationTemplate, params Params) error {
	msg, err := s.renderer.Render(template, recipient, params)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "render notification")
	}
	if s.logg != nil {
		ctx = s.logg.WithFields(ctx, map[string]any{
			"professional_id": recipient.ProfessionalID.String(),
			"to":              recipient.Email,
			"template":        string(template),
			"subject":         msg.Subject,
		})
		s.logg.Info(ctx, "notification.logged")
	}
	return nil
}
