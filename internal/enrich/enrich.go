// Package enrich resolves a peer's network address to a coarse location
// record (country, timezone, coordinates) via an external lookup service,
// with a persistent cache so each address is looked up at most once.
package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

var ErrLookupDisabled = errors.New("enrich: no lookup service configured")

// Record is one resolved address. Fields mirror the lookup service's
// response; Date is when the record was retrieved.
type Record struct {
	IP       string    `json:"ip"`
	City     string    `json:"city"`
	Region   string    `json:"region"`
	Country  string    `json:"country"`
	Loc      string    `json:"loc"`
	Org      string    `json:"org"`
	Timezone string    `json:"timezone"`
	Date     time.Time `json:"date"`
}

// Lookup resolves one address.
type Lookup interface {
	Lookup(ctx context.Context, ip string) (Record, error)
}

// HTTPLookup queries an ipinfo-style JSON endpoint: GET {BaseURL}/{ip}?token=...
type HTTPLookup struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

func (l *HTTPLookup) httpClient() *http.Client {
	if l.HTTPClient != nil {
		return l.HTTPClient
	}
	return http.DefaultClient
}

func (l *HTTPLookup) Lookup(ctx context.Context, ip string) (Record, error) {
	if l.BaseURL == "" {
		return Record{}, ErrLookupDisabled
	}
	url := l.BaseURL + "/" + ip
	if l.Token != "" {
		url += "?token=" + l.Token
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Record{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := l.httpClient().Do(req)
	if err != nil {
		return Record{}, fmt.Errorf("enrich: lookup %s: %w", ip, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return Record{}, fmt.Errorf("enrich: lookup %s: status %d", ip, resp.StatusCode)
	}

	var rec Record
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return Record{}, fmt.Errorf("enrich: decode lookup for %s: %w", ip, err)
	}
	rec.IP = ip
	return rec, nil
}
