// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package client provides easy and fast access to a REST api

Instead of marshalling HTTP, a client created with NewWithRouter talks directly to
the mux router. This is perfectly suited for unit tests. A client created with
NewWithURL talks to a running agent, this is what the command line uses.
*/
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/gorilla/mux"

	"github.com/clesyde/lyvo/core/access"
)

// Client provides easy access to the REST API.
type Client struct {
	router     *mux.Router
	httpClient *http.Client
	url        string
	token      string
	auth       *access.Authorization
	ctx        context.Context

	defaultHeaders map[string]string
}

// NewWithRouter creates a client to make pseudo-REST requests to the agent,
// through the mux router
//
// WithAuthorization() adds an authorization to the request context.
// WithContext() specifies a different base context all together.
func NewWithRouter(router *mux.Router) Client {
	return Client{
		router:         router,
		defaultHeaders: map[string]string{},
	}
}

// NewWithURL creates a client to make REST requests to the agent
//
// WithToken adds an authorization token to the request header.
func NewWithURL(url string) Client {
	return Client{
		url:            strings.TrimSuffix(url, "/"),
		httpClient:     &http.Client{Timeout: 20 * time.Second},
		defaultHeaders: map[string]string{},
	}
}

// WithHeader returns a new client with a default header added
func (c Client) WithHeader(key string, value string) Client {
	headers := map[string]string{key: value}
	for k, v := range c.defaultHeaders {
		if k != key {
			headers[k] = v
		}
	}
	c.defaultHeaders = headers
	return c
}

// WithToken returns a new client which sends token as bearer token
func (c Client) WithToken(token string) Client {
	c.token = token
	return c
}

// WithAdminAuthorization returns a new client with admin authorizations
// (this works only directly against the mux router, for a normal client
// use WithToken())
func (c Client) WithAdminAuthorization() Client {
	return c.WithRole(access.RoleAdmin)
}

// WithRole returns a new client with role authorization
// (this works only directly against the mux router, for a normal client
// use WithToken())
func (c Client) WithRole(role string) Client {
	c.auth = &access.Authorization{
		Subject: "client",
		Roles:   []string{role},
	}
	return c
}

// WithContext returns a new client with specific request context
func (c Client) WithContext(ctx context.Context) Client {
	c.ctx = ctx
	return c
}

// Context returns the request context of this client
func (c Client) Context() context.Context {
	ctx := c.ctx
	if c.ctx == nil {
		ctx = context.Background()
	}
	if c.auth != nil {
		ctx = access.ContextWithAuthorization(ctx, c.auth)
	}
	return ctx
}

// do executes the request and returns status code and body
func (c Client) do(method, path string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewBuffer(body)
	}
	r, err := http.NewRequestWithContext(c.Context(), method, c.url+path, reader)
	if err != nil {
		return http.StatusBadRequest, nil, err
	}
	if body != nil {
		r.Header.Set("Content-Type", "application/json")
	}
	for key, value := range c.defaultHeaders {
		r.Header.Add(key, value)
	}
	if c.token != "" {
		r.Header.Set("Authorization", "Bearer "+c.token)
	}

	if c.router != nil {
		rec := httptest.NewRecorder()
		c.router.ServeHTTP(rec, r)
		return rec.Code, rec.Body.Bytes(), nil
	}

	res, err := c.httpClient.Do(r)
	if err != nil {
		return http.StatusInternalServerError, nil, err
	}
	defer res.Body.Close()
	resBody, _ := io.ReadAll(res.Body)
	return res.StatusCode, resBody, nil
}

func decode(resBody []byte, result interface{}) error {
	if len(resBody) == 0 || result == nil {
		return nil
	}
	if raw, ok := result.(*[]byte); ok {
		*raw = resBody
		return nil
	}
	return json.Unmarshal(resBody, result)
}

func encode(method, path string, body interface{}) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	if j, ok := body.([]byte); ok {
		return j, nil
	}
	j, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s to %s: %w", method, path, err)
	}
	return j, nil
}

func wrongStatus(status int, want int, resBody []byte) error {
	return fmt.Errorf("handler returned wrong status code: got %v want %v. Error: %s",
		status, want, strings.TrimSpace(string(resBody)))
}

// RawGet gets the resource from path. Expects http.StatusOK as response, otherwise it will
// flag an error. Returns the actual http status code.
//
// result can be map[string]interface{} or a raw *[]byte.
// result can be nil.
func (c Client) RawGet(path string, result interface{}) (int, error) {
	status, resBody, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return status, err
	}
	if status == http.StatusNoContent {
		return status, nil
	}
	if status != http.StatusOK {
		return status, wrongStatus(status, http.StatusOK, resBody)
	}
	return status, decode(resBody, result)
}

// RawPost posts a resource to path. Expects http.StatusOK or http.StatusCreated as
// response, otherwise it will flag an error. Returns the actual http status code.
//
// body can also be a []byte, result can also be raw *[]byte.
// result can be nil.
func (c Client) RawPost(path string, body interface{}, result interface{}) (int, error) {
	j, err := encode(http.MethodPost, path, body)
	if err != nil {
		return http.StatusBadRequest, err
	}
	status, resBody, err := c.do(http.MethodPost, path, j)
	if err != nil {
		return status, err
	}
	if status != http.StatusCreated && status != http.StatusOK {
		return status, wrongStatus(status, http.StatusOK, resBody)
	}
	return status, decode(resBody, result)
}

// RawPut puts a resource to path. Expects http.StatusOK, http.StatusCreated or http.StatusNoContent as valid responses,
// otherwise it will flag an error. Returns the actual http status code.
//
// body can also be a []byte, result can also be raw *[]byte.
// result can be nil.
func (c Client) RawPut(path string, body interface{}, result interface{}) (int, error) {
	j, err := encode(http.MethodPut, path, body)
	if err != nil {
		return http.StatusBadRequest, err
	}
	status, resBody, err := c.do(http.MethodPut, path, j)
	if err != nil {
		return status, err
	}
	if status == http.StatusNoContent {
		return status, nil
	}
	if status != http.StatusCreated && status != http.StatusOK {
		return status, wrongStatus(status, http.StatusOK, resBody)
	}
	return status, decode(resBody, result)
}

// RawDelete deletes the resource at path. Expects http.StatusOK or http.StatusNoContent
// as response, otherwise it will flag an error.
//
// Returns the actual http status code.
func (c Client) RawDelete(path string, result interface{}) (int, error) {
	status, resBody, err := c.do(http.MethodDelete, path, nil)
	if err != nil {
		return status, err
	}
	if status != http.StatusNoContent && status != http.StatusOK {
		return status, wrongStatus(status, http.StatusNoContent, resBody)
	}
	return status, decode(resBody, result)
}
