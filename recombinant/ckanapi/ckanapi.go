// Package ckanapi is the remote implementation of the store contracts over an
// action-style RPC API: every operation is a POST to /api/3/action/<name>
// with a JSON payload. It covers both the record store (dataset metadata) and
// the row store (datastore tables); it does not offer client-side
// transactions, so the strict transactional import path is unavailable
// against it.
package ckanapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/open-data/recombinant/recombinant/stores"
)

type Client struct {
	addr   string
	apiKey string
	client *http.Client
}

// New creates a client for the action API at addr. The api key is sent in the
// Authorization header of every request; it may be empty for anonymous reads.
func New(addr, apiKey string) *Client {
	return &Client{addr: addr, apiKey: apiKey, client: http.DefaultClient}
}

// apiError is the error envelope of a failed action call.
type apiError struct {
	Type       string              `json:"__type"`
	Message    string              `json:"message"`
	Row        int                 `json:"row"`
	Fields     map[string][]string `json:"fields"`
	Constraint *constraintInfo     `json:"constraint"`
}

type constraintInfo struct {
	RefResource string            `json:"ref_resource"`
	Keys        map[string]string `json:"keys"`
}

type actionResponse struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result"`
	Error   *apiError       `json:"error"`
}

// call posts one action and decodes the result envelope into dest (ignored
// when dest is nil).
func (c *Client) call(ctx context.Context, action string, payload, dest any) error {
	body := &bytes.Buffer{}
	if err := json.NewEncoder(body).Encode(payload); err != nil {
		return fmt.Errorf("error encoding %v payload: %w", action, err)
	}

	endpoint, err := url.JoinPath(c.addr, "api/3/action", action)
	if err != nil {
		return fmt.Errorf("error formatting %v url: %w", action, err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, body)
	if err != nil {
		return fmt.Errorf("error creating %v request: %w", action, err)
	}
	req.Header.Add("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Add("Authorization", c.apiKey)
	}

	res, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("error sending %v request: %w", action, err)
	}
	defer res.Body.Close()

	if err := c.checkStatus(action, res); err != nil {
		return err
	}

	var envelope actionResponse
	if err := json.NewDecoder(res.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("error parsing %v response: %w", action, err)
	}
	if !envelope.Success {
		return fmt.Errorf("action %v reported failure: %v", action, envelope.Error.Message)
	}
	if dest == nil {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, dest); err != nil {
		return fmt.Errorf("error parsing %v result: %w", action, err)
	}
	return nil
}

func (c *Client) checkStatus(action string, res *http.Response) error {
	switch res.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("action %v: %w", action, stores.ErrNotFound)
	case http.StatusForbidden, http.StatusUnauthorized:
		return fmt.Errorf("action %v: %w", action, stores.ErrNotAuthorized)
	}

	raw, _ := io.ReadAll(res.Body)
	var envelope actionResponse
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error != nil {
		if envelope.Error.Type == "Validation Error" {
			return validationError(envelope.Error)
		}
		return fmt.Errorf("action %v returned status %d: %v",
			action, res.StatusCode, envelope.Error.Message)
	}
	return fmt.Errorf("action %v returned status %d", action, res.StatusCode)
}

func validationError(e *apiError) error {
	valErr := &stores.ValidationError{RowOffset: e.Row, Fields: e.Fields}
	if e.Constraint != nil {
		valErr.Constraint = &stores.ConstraintDetail{
			RefResource: e.Constraint.RefResource,
			Keys:        e.Constraint.Keys,
		}
	}
	return valErr
}
