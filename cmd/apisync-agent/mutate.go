package main

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/illmade-knight/go-apisync/pkg/audit"
	"github.com/illmade-knight/go-apisync/pkg/crud"
	"github.com/rs/zerolog"
)

const maxMutationBody = 1 << 20

// mutationProxy forwards writes under /mutate/<collection>[/<id>] to the API through one
// crud.Helper per collection, so every write invalidates the collection across processes.
type mutationProxy struct {
	api         crud.API
	invalidator crud.Invalidator
	auditor     *audit.Batcher
	logger      zerolog.Logger

	mu      sync.Mutex
	helpers map[string]*crud.Helper
}

func newMutationProxy(api crud.API, invalidator crud.Invalidator, auditor *audit.Batcher, logger zerolog.Logger) *mutationProxy {
	return &mutationProxy{
		api:         api,
		invalidator: invalidator,
		auditor:     auditor,
		logger:      logger.With().Str("component", "MutationProxy").Logger(),
		helpers:     make(map[string]*crud.Helper),
	}
}

func (p *mutationProxy) helper(collection string) (*crud.Helper, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.helpers[collection]; ok {
		return h, nil
	}
	var opts []crud.Option
	if p.auditor != nil {
		opts = append(opts, crud.WithAuditor(p.auditor))
	}
	h, err := crud.New(&crud.Config{Endpoint: "/" + collection}, p.api, p.invalidator, p.logger, opts...)
	if err != nil {
		return nil, err
	}
	p.helpers[collection] = h
	return h, nil
}

func (p *mutationProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	collection, id, _ := strings.Cut(strings.Trim(strings.TrimPrefix(r.URL.Path, "/mutate"), "/"), "/")
	if collection == "" {
		http.Error(w, "collection is required", http.StatusBadRequest)
		return
	}
	h, err := p.helper(collection)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var res crud.Result
	switch {
	case r.Method == http.MethodGet && id != "":
		res = h.FetchOne(r.Context(), id)
	case r.Method == http.MethodPost && id == "":
		body, ok := readBody(w, r)
		if !ok {
			return
		}
		res = h.Create(r.Context(), body)
	case r.Method == http.MethodPut && id != "":
		body, ok := readBody(w, r)
		if !ok {
			return
		}
		res = h.Update(r.Context(), id, body)
	case r.Method == http.MethodDelete && id != "":
		res = h.DeleteItem(r.Context(), id)
	default:
		http.Error(w, "unsupported method for path", http.StatusMethodNotAllowed)
		return
	}

	status := http.StatusOK
	if !res.Success {
		status = http.StatusBadGateway
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(res); err != nil {
		p.logger.Error().Err(err).Msg("Failed to encode mutation result.")
	}
}

func readBody(w http.ResponseWriter, r *http.Request) (json.RawMessage, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxMutationBody))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return nil, false
	}
	if !json.Valid(body) {
		http.Error(w, "body must be JSON", http.StatusBadRequest)
		return nil, false
	}
	return body, true
}
