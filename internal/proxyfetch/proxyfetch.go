// Package proxyfetch performs outbound HTTP requests on behalf of sandboxed
// scripts, restricted to a fixed route map. Scripts name a route and supply
// parameters; they never control the destination URL directly.
package proxyfetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Route builds the concrete request for one allow-listed operation.
type Route struct {
	// Build returns the request URL and, for POST routes, a JSON body.
	Build func(params []string) (reqURL string, body []byte, err error)
}

// Client resolves route names against an allow-list and executes them.
type Client struct {
	HTTPClient *http.Client
	Routes     map[string]Route
	// MaxResponseBytes bounds the proxied response handed back to a script.
	MaxResponseBytes int64
}

// NotFound is the structured rejection returned for a route outside the
// allow-list. It is data, not an error: scripts receive it as a response.
type NotFound struct {
	Status int    `json:"status"`
	Error  string `json:"error"`
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) maxBytes() int64 {
	if c.MaxResponseBytes > 0 {
		return c.MaxResponseBytes
	}
	return 1 << 20
}

// Request executes one allow-listed route. An unknown route yields a
// structured 404 body rather than an error, so scripts can handle it like
// any other response.
func (c *Client) Request(ctx context.Context, route string, params []string) ([]byte, error) {
	r, ok := c.Routes[route]
	if !ok {
		return json.Marshal(NotFound{Status: http.StatusNotFound, Error: "route not found"})
	}

	reqURL, body, err := r.Build(params)
	if err != nil {
		return nil, fmt.Errorf("proxyfetch: build %s: %w", route, err)
	}

	var req *http.Request
	if body == nil {
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
		if req != nil {
			req.Header.Set("Content-Type", "application/json")
		}
	}
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("proxyfetch: %s: %w", route, err)
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes()))
	if err != nil {
		return nil, fmt.Errorf("proxyfetch: read %s response: %w", route, err)
	}
	return out, nil
}

func param(params []string, i int) (string, error) {
	if i >= len(params) || strings.TrimSpace(params[i]) == "" {
		return "", fmt.Errorf("missing parameter %d", i)
	}
	return params[i], nil
}

// DefaultRoutes is the production allow-list: community-profile lookups on
// the hosting platform's API. Identifier-style parameters ("kaid_...") and
// usernames select different query fields.
func DefaultRoutes(apiBase string) map[string]Route {
	base := strings.TrimRight(apiBase, "/")
	return map[string]Route{
		"badges": {
			Build: func(params []string) (string, []byte, error) {
				who, err := param(params, 0)
				if err != nil {
					return "", nil, err
				}
				field := "username"
				if strings.HasPrefix(who, "kaid_") {
					field = "kaid"
				}
				return base + "/user/badges?" + field + "=" + url.QueryEscape(who), nil, nil
			},
		},
		"profile": {
			Build: func(params []string) (string, []byte, error) {
				who, err := param(params, 0)
				if err != nil {
					return "", nil, err
				}
				field := "username"
				if strings.HasPrefix(who, "kaid_") {
					field = "kaid"
				}
				body, err := graphqlBody("getFullUserProfile",
					map[string]string{field: who},
					"query getFullUserProfile($kaid: String, $username: String) { user(kaid: $kaid, username: $username) { id kaid username nickname bio joined points badgeCounts } }")
				if err != nil {
					return "", nil, err
				}
				return base + "/graphql/getFullUserProfile", body, nil
			},
		},
		"avatarDataForProfile": {
			Build: func(params []string) (string, []byte, error) {
				kaid, err := param(params, 0)
				if err != nil {
					return "", nil, err
				}
				body, err := graphqlBody("avatarDataForProfile",
					map[string]string{"kaid": kaid},
					"query avatarDataForProfile($kaid: String!) { user(kaid: $kaid) { id avatar { name imageSrc } } }")
				if err != nil {
					return "", nil, err
				}
				return base + "/graphql/avatarDataForProfile", body, nil
			},
		},
	}
}

func graphqlBody(operation string, variables map[string]string, query string) ([]byte, error) {
	return json.Marshal(map[string]any{
		"operationName": operation,
		"variables":     variables,
		"query":         query,
	})
}
