package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/AaronLay10/SentientFlow/internal/dispatch"
	"github.com/AaronLay10/SentientFlow/internal/flow"
	"github.com/AaronLay10/SentientFlow/internal/routes"
)

// InvocationHeader carries the invocation id on every flow response.
const InvocationHeader = "X-Invocation-Id"

const maxBody = 4 << 20

// ServeHTTP serves the active deployment's flow routes.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	d := e.active.Load()
	if d == nil {
		http.Error(w, ErrNotDeployed.Error(), http.StatusServiceUnavailable)
		return
	}
	d.mux.ServeHTTP(w, r)
}

func (e *Engine) routeHandler(d *Deployment, route *routes.Route) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		in, err := incoming(w, route, r)
		if err != nil {
			status := http.StatusBadRequest
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				status = http.StatusRequestEntityTooLarge
			}
			http.Error(w, err.Error(), status)
			return
		}
		writeOutcome(w, d.Dispatch(r.Context(), route, in))
	})
}

func incoming(w http.ResponseWriter, route *routes.Route, r *http.Request) (*flow.Incoming, error) {
	in := &flow.Incoming{
		Method: r.Method,
		Path:   r.URL.Path,
		Params: make(map[string]string, len(route.Params)),
		Query:  r.URL.Query(),
		Header: r.Header.Clone(),
	}
	for _, p := range route.Params {
		in.Params[p] = r.PathValue(p)
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return in, nil
	}
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "json") {
		in.Body = string(data)
		return in, nil
	}
	if err := json.Unmarshal(data, &in.Body); err != nil {
		return nil, errors.New("invalid JSON body")
	}
	return in, nil
}

func writeOutcome(w http.ResponseWriter, out *dispatch.Outcome) {
	for k, vs := range out.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set(InvocationHeader, out.InvocationID)

	if out.Failed() {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if out.Body == nil {
		status := out.Status
		if status == 0 {
			status = http.StatusNoContent
		}
		w.WriteHeader(status)
		return
	}

	status := out.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(out.Body)
}
