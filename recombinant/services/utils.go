package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/open-data/recombinant/recombinant/auth"
	"github.com/open-data/recombinant/recombinant/canonical"
	"github.com/open-data/recombinant/recombinant/reconcile"
	"github.com/open-data/recombinant/recombinant/schema"
	"github.com/open-data/recombinant/recombinant/stores"
)

// requireOrgAccess resolves the organization a request acts on. An empty org
// defaults to the caller's own; acting on any other org requires sysadmin.
func requireOrgAccess(w http.ResponseWriter, r *http.Request, ownerOrg string) (string, bool) {
	identity, err := auth.IdentityFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return "", false
	}

	if ownerOrg == "" {
		ownerOrg = identity.OwnerOrg
	}
	if ownerOrg == "" {
		http.Error(w, "missing owner_org", http.StatusBadRequest)
		return "", false
	}
	if !identity.CanAccessOrg(ownerOrg) {
		writeErrorResponse(w, fmt.Errorf(
			"user %v cannot act on organization %v: %w",
			identity.User, ownerOrg, stores.ErrNotAuthorized))
		return "", false
	}
	return ownerOrg, true
}

func parseRequestBody(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	dec := json.NewDecoder(r.Body)
	err := dec.Decode(dest)
	if err != nil {
		slog.Error("error parsing request body", "error", err)
		http.Error(w, fmt.Sprintf("error parsing request body: %v", err), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJsonResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	err := json.NewEncoder(w).Encode(data)
	if err != nil {
		slog.Error("error serializing response body", "error", err)
		http.Error(w, fmt.Sprintf("error serializing response body: %v", err), http.StatusInternalServerError)
	}
}

func writeSuccess(w http.ResponseWriter) {
	writeJsonResponse(w, struct{}{})
}

// writeErrorResponse maps the error taxonomy to HTTP statuses. Validation
// failures keep their structured row/field detail so callers can correct the
// source data.
func writeErrorResponse(w http.ResponseWriter, err error) {
	var valErr *stores.ValidationError
	if errors.As(err, &valErr) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		encodeErr := json.NewEncoder(w).Encode(map[string]any{"validation_error": valErr})
		if encodeErr != nil {
			slog.Error("error serializing validation error", "error", encodeErr)
		}
		return
	}

	var badInput *canonical.BadInputError
	var confErr *schema.ConfigError
	var dup *reconcile.DuplicateDatasetError
	switch {
	case errors.As(err, &badInput):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.As(err, &confErr):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.As(err, &dup):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, stores.ErrNotFound) || errors.Is(err, schema.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, stores.ErrNotAuthorized):
		http.Error(w, err.Error(), http.StatusForbidden)
	default:
		slog.Error("internal error handling request", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
