package controllers

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/angelmondragon/contratapro-lifecycle/api/responses"
	"github.com/angelmondragon/contratapro-lifecycle/internal/resolver"
	pkgerrors "github.com/angelmondragon/contratapro-lifecycle/pkg/errors"
	"github.com/angelmondragon/contratapro-lifecycle/pkg/logger"
)

// ResolverRun triggers one resolver run. An empty token disables the endpoint. The run is
// detached from the request so a disconnecting caller cannot abort a batch half-way; maxRun
// bounds it instead.
func ResolverRun(token string, maxRun time.Duration, runner resolver.LeaseRunner, res resolver.Runnable, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if !bearerMatches(r.Header.Get("Authorization"), token) {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "invalid trigger token"))
			return
		}

		runCtx := context.WithoutCancel(ctx)
		if maxRun > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(runCtx, maxRun)
			defer cancel()
		}
		report, err := resolver.RunUnderLease(runCtx, runner, res)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, report)
	}
}

func bearerMatches(header, token string) bool {
	if token == "" {
		return false
	}
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return false
	}
	provided := strings.TrimSpace(header[len(prefix):])
	return subtle.ConstantTimeCompare([]byte(provided), []byte(token)) == 1
}
