package notifications

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/angelmondragon/contratapro-lifecycle/pkg/enums"
	pkgerrors "github.com/angelmondragon/contratapro-lifecycle/pkg/errors"
	"github.com/angelmondragon/contratapro-lifecycle/pkg/logger"
)

const defaultSendTimeout = 10 * time.Second

// DispatcherParams groups dispatcher dependencies.
type DispatcherParams struct {
	Directory RecipientDirectory
	Gateway   Gateway
	Logger    *logger.Logger
	// Timeout bounds each send, including the wait for a rate-limit token.
	Timeout time.Duration
	// RatePerSecond and Burst configure the token bucket. Zero disables limiting.
	RatePerSecond float64
	Burst         int
}

// Dispatcher resolves recipients and sends exactly once per call. Retries belong to the gateway.
type Dispatcher struct {
	directory RecipientDirectory
	gateway   Gateway
	logg      *logger.Logger
	timeout   time.Duration
	limiter   *rate.Limiter
}

func NewDispatcher(params DispatcherParams) (*Dispatcher, error) {
	if params.Directory == nil {
		return nil, fmt.Errorf("recipient directory required")
	}
	if params.Gateway == nil {
		return nil, fmt.Errorf("notification gateway required")
	}
	timeout := params.Timeout
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	var limiter *rate.Limiter
	if params.RatePerSecond > 0 {
		burst := params.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(params.RatePerSecond), burst)
	}
	return &Dispatcher{
		directory: params.Directory,
		gateway:   params.Gateway,
		logg:      params.Logger,
		timeout:   timeout,
		limiter:   limiter,
	}, nil
}

// Notify looks up the professional and sends the template. Failures are logged and returned;
// callers decide whether they matter.
func (d *Dispatcher) Notify(ctx context.Context, professionalID uuid.UUID, template enums.NotificationTemplate, params Params) error {
	if !template.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, "unknown notification template").
			WithDetails(map[string]any{"template": string(template)})
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	err := d.notify(ctx, professionalID, template, params)
	if err != nil && d.logg != nil {
		logCtx := d.logg.WithFields(ctx, map[string]any{
			"professional_id": professionalID.String(),
			"template":        string(template),
		})
		d.logg.Warn(d.logg.WithField(logCtx, "error", err.Error()), "notification.send.failed")
	}
	return err
}

func (d *Dispatcher) notify(ctx context.Context, professionalID uuid.UUID, template enums.NotificationTemplate, params Params) error {
	recipient, err := d.directory.Lookup(ctx, professionalID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodePersistence, err, "lookup notification recipient")
	}
	if recipient == nil {
		return pkgerrors.New(pkgerrors.CodeNotFound, "notification recipient not found")
	}

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "notification rate limit")
		}
	}

	if err := d.gateway.Send(ctx, *recipient, template, params); err != nil {
		if typed := pkgerrors.As(err); typed != nil {
			return err
		}
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "send notification")
	}
	return nil
}
