package notifications

import (
	"context"
	"fmt"
	"strings"

	"github.com/mrz1836/postmark"

	"github.com/angelmondragon/contratapro-lifecycle/pkg/config"
	"github.com/angelmondragon/contratapro-lifecycle/pkg/enums"
	pkgerrors "github.com/angelmondragon/contratapro-lifecycle/pkg/errors"
)

type postmarkAPI interface {
	SendEmail(ctx context.Context, email postmark.Email) (postmark.EmailResponse, error)
}

// PostmarkSender delivers rendered templates through Postmark's transactional API.
type PostmarkSender struct {
	client   postmarkAPI
	renderer *Renderer
	from     string
	replyTo  string
}

// NewPostmarkSender requires both Postmark tokens and a sender address.
func NewPostmarkSender(cfg config.PostmarkConfig, renderer *Renderer) (*PostmarkSender, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("postmark server and account tokens required")
	}
	if strings.TrimSpace(cfg.SenderEmail) == "" {
		return nil, fmt.Errorf("postmark sender email required")
	}
	return newPostmarkSender(postmark.NewClient(cfg.ServerToken, cfg.AccountToken), renderer, cfg.SenderEmail, cfg.SupportEmail)
}

func newPostmarkSender(client postmarkAPI, renderer *Renderer, from, replyTo string) (*PostmarkSender, error) {
	if renderer == nil {
		return nil, fmt.Errorf("renderer required")
	}
	return &PostmarkSender{client: client, renderer: renderer, from: from, replyTo: replyTo}, nil
}

func (s *PostmarkSender) Send(ctx context.Context, recipient Recipient, template enums.NotificationTemplate, params Params) error {
	if strings.TrimSpace(recipient.Email) == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "recipient email required")
	}
	msg, err := s.renderer.Render(template, recipient, params)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "render notification")
	}

	resp, err := s.client.SendEmail(ctx, postmark.Email{
		From:       s.from,
		ReplyTo:    s.replyTo,
		To:         recipient.Email,
		Subject:    msg.Subject,
		Tag:        msg.Tag,
		HTMLBody:   msg.HTML,
		TrackOpens: true,
		TrackLinks: "HtmlOnly",
	})
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "postmark send")
	}
	if resp.ErrorCode > 0 {
		return pkgerrors.New(pkgerrors.CodeDependency, fmt.Sprintf("postmark error: %d - %s", resp.ErrorCode, resp.Message))
	}
	return nil
}
