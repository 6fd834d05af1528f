package tests

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"

	"github.com/go-chi/chi/v5"
)

type client struct {
	api   chi.Router
	token string
}

// do runs one request through the router and returns the recorded response.
func (c *client) do(method, endpoint string, body []byte, contentType string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader(body)
	}

	req := httptest.NewRequest(method, endpoint, reader)
	req.Header.Add("Authorization", fmt.Sprintf("Bearer %v", c.token))
	if contentType != "" {
		req.Header.Add("Content-Type", contentType)
	}

	w := httptest.NewRecorder()
	c.api.ServeHTTP(w, req)
	return w
}

func get[T any](c *client, endpoint string) (T, error) {
	var data T

	w := c.do("GET", endpoint, nil, "")
	res := w.Result()
	if res.StatusCode != http.StatusOK {
		return data, fmt.Errorf("get %v failed with status %d and res '%v'",
			endpoint, res.StatusCode, w.Body.String())
	}
	if err := json.NewDecoder(res.Body).Decode(&data); err != nil {
		return data, err
	}
	return data, nil
}

func post[T any](c *client, endpoint string, payload any) (T, error) {
	var data T

	body, err := json.Marshal(payload)
	if err != nil {
		return data, err
	}

	w := c.do("POST", endpoint, body, "application/json")
	res := w.Result()
	if res.StatusCode != http.StatusOK {
		return data, fmt.Errorf("post %v failed with status %d and res '%v'",
			endpoint, res.StatusCode, w.Body.String())
	}
	if err := json.NewDecoder(res.Body).Decode(&data); err != nil {
		return data, err
	}
	return data, nil
}

func deleteReq(c *client, endpoint string) error {
	w := c.do("DELETE", endpoint, nil, "")
	res := w.Result()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("delete %v failed with status %d and res '%v'",
			endpoint, res.StatusCode, w.Body.String())
	}
	return nil
}
