package transport

import (
	"context"
	"net/http"

	"github.com/pitabwire/caseflow/model"
)

// Dispatcher leases the next case for an investigator.
type Dispatcher interface {
	RequestNext(ctx context.Context, rctx *model.RequestContext) (model.DispatchResult, error)
}

// handleGetNext serves POST /get_next. Empty queues are routine outcomes
// and answer 200 with code 1 or 2.
func handleGetNext(d Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		res, err := d.RequestNext(r.Context(), rctx)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, res)
	}
}
