package middleware

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/angelmondragon/contratapro-lifecycle/api/responses"
	pkgerrors "github.com/angelmondragon/contratapro-lifecycle/pkg/errors"
	"github.com/angelmondragon/contratapro-lifecycle/pkg/logger"
)

// Recoverer turns a panic into a 500 envelope. An aborted handler is re-raised so net/http
// drops the connection as it expects.
func Recoverer(logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(rec)
				}
				err := fmt.Errorf("panic: %v", rec)
				ctx := r.Context()
				if logg != nil {
					ctx = logg.WithFields(ctx, map[string]any{
						"panic":  fmt.Sprint(rec),
						"method": r.Method,
						"path":   r.URL.Path,
					})
					logg.Error(ctx, "panic.recovered", err)
				}
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "panic"))
			}()
			next.ServeHTTP(w, r)
		})
	}
}
