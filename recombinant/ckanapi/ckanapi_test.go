package ckanapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/open-data/recombinant/recombinant/stores"
)

func newServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return New(server.URL, "test-key")
}

func TestCallEnvelopeAndAuth(t *testing.T) {
	client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/3/action/package_show", r.URL.Path)
		require.Equal(t, "test-key", r.Header.Get("Authorization"))

		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		require.Equal(t, "ds-1", payload["id"])

		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"result":  stores.Dataset{Id: "ds-1", Type: "grants", OwnerOrg: "org-1"},
		})
	})

	dataset, err := client.ShowDataset(context.Background(), "ds-1")
	require.NoError(t, err)
	require.Equal(t, "grants", dataset.Type)
}

func TestNotFoundAndNotAuthorized(t *testing.T) {
	client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/3/action/package_show":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusForbidden)
		}
	})

	_, err := client.ShowDataset(context.Background(), "missing")
	require.True(t, errors.Is(err, stores.ErrNotFound))

	err = client.DeleteDataset(context.Background(), "ds-1")
	require.True(t, errors.Is(err, stores.ErrNotAuthorized))
}

func TestValidationErrorDecoding(t *testing.T) {
	client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]any{
			"success": false,
			"error": map[string]any{
				"__type": "Validation Error",
				"row":    3,
				"fields": map[string][]string{"status": {"Invalid choice"}},
				"constraint": map[string]any{
					"ref_resource": "contracts",
					"keys":         map[string]string{"ref_number": "GC-9"},
				},
			},
		})
	})

	err := client.Upsert(context.Background(), stores.UpsertRequest{
		ResourceId: "res-1", Method: stores.MethodUpsert,
		Records: []stores.Record{{"status": "bogus"}},
	})

	var valErr *stores.ValidationError
	require.Error(t, err)
	require.True(t, errors.As(err, &valErr))
	require.Equal(t, 3, valErr.RowOffset)
	require.Equal(t, []string{"Invalid choice"}, valErr.Fields["status"])
	require.NotNil(t, valErr.Constraint)
	require.Equal(t, "contracts", valErr.Constraint.RefResource)
}

func TestSearchDatasetsQueryTerms(t *testing.T) {
	client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		require.Equal(t, "type:grants organization:org-1", payload["q"])
		require.Equal(t, float64(2), payload["rows"])

		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"result": map[string]any{
				"count":   1,
				"results": []stores.Dataset{{Id: "ds-1"}},
			},
		})
	})

	matches, err := client.SearchDatasets(context.Background(), stores.DatasetQuery{
		Type: "grants", OwnerOrg: "org-1", Limit: 2,
	})
	require.NoError(t, err)
	require.Len(t, matches, 1)
}

func TestTableFieldsStripsInternalColumn(t *testing.T) {
	client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"result": map[string]any{
				"fields": []stores.Field{
					{Id: "_id", Type: "int"},
					{Id: "ref_number", Type: "text"},
				},
			},
		})
	})

	fields, err := client.TableFields(context.Background(), "res-1")
	require.NoError(t, err)
	require.Equal(t, []stores.Field{{Id: "ref_number", Type: "text"}}, fields)
}
