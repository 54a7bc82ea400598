package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// getJSON performs a GET against base+path and decodes the JSON response.
// Non-2xx statuses are errors; the caller's label names the registry.
func getJSON(ctx context.Context, hc *http.Client, label, rawURL string, header http.Header, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("registry: %s: build request: %w", label, err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("registry: %s: request: %w", label, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("registry: %s: read response: %w", label, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("registry: %s: status %d: %s", label, resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("registry: %s: decode response: %w", label, err)
	}
	return nil
}

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

// ─────────────────────────────────────────────────────────────────────────────
// Person registry
// ─────────────────────────────────────────────────────────────────────────────

// HTTPPersonClient talks to the person registry proxy.
type HTTPPersonClient struct {
	baseURL string
	http    *http.Client
}

func NewHTTPPersonClient(baseURL string) *HTTPPersonClient {
	return &HTTPPersonClient{baseURL: baseURL, http: newHTTPClient()}
}

// GetPerson implements PersonClient.
func (c *HTTPPersonClient) GetPerson(ctx context.Context, nationalID string) (*Person, error) {
	var resp struct {
		GeographicTie     string `json:"gt"`
		Protection        string `json:"adressebeskyttelse"`
		LastContactAbroad bool   `json:"siste_kontakt_adresse_i_utlandet"`
	}
	header := http.Header{"Ident": []string{nationalID}}
	if err := getJSON(ctx, c.http, "person", c.baseURL+"/api/v1/person", header, &resp); err != nil {
		return nil, err
	}
	return &Person{
		GeographicTie:     resp.GeographicTie,
		Protection:        resp.Protection,
		LastContactAbroad: resp.LastContactAbroad,
	}, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Practitioner register (HPR)
// ─────────────────────────────────────────────────────────────────────────────

// HTTPHPRClient talks to the health personnel register proxy.
type HTTPHPRClient struct {
	baseURL string
	http    *http.Client
}

func NewHTTPHPRClient(baseURL string) *HTTPHPRClient {
	return &HTTPHPRClient{baseURL: baseURL, http: newHTTPClient()}
}

// PersonnelCategory implements HPRClient. The register lists approvals;
// the category of the first active one is returned.
func (c *HTTPHPRClient) PersonnelCategory(ctx context.Context, practitionerID, callID string) (string, error) {
	var resp struct {
		Approvals []struct {
			Category *struct {
				Active bool   `json:"aktiv"`
				Value  string `json:"verdi"`
			} `json:"helsepersonellkategori"`
		} `json:"godkjenninger"`
	}
	header := http.Header{
		"BehandlerFnr": []string{practitionerID},
		"Nav-CallId":   []string{callID},
	}
	if err := getJSON(ctx, c.http, "hpr", c.baseURL+"/api/v2/behandler", header, &resp); err != nil {
		return "", err
	}
	for _, g := range resp.Approvals {
		if g.Category != nil && g.Category.Active && g.Category.Value != "" {
			return g.Category.Value, nil
		}
	}
	return "", fmt.Errorf("registry: hpr: no active personnel category")
}

// ─────────────────────────────────────────────────────────────────────────────
// Office registry (Norg)
// ─────────────────────────────────────────────────────────────────────────────

// HTTPNorgClient talks to the office structure registry.
type HTTPNorgClient struct {
	baseURL string
	http    *http.Client
}

func NewHTTPNorgClient(baseURL string) *HTTPNorgClient {
	return &HTTPNorgClient{baseURL: baseURL, http: newHTTPClient()}
}

// LocalOffice implements NorgClient.
func (c *HTTPNorgClient) LocalOffice(ctx context.Context, geographicTie, confidentialityCode string) (string, error) {
	var resp struct {
		OfficeNr string `json:"enhetNr"`
	}
	u := c.baseURL + "/api/v1/enhet/navkontor/" + url.PathEscape(geographicTie)
	if confidentialityCode != "" {
		u += "?disk=" + url.QueryEscape(confidentialityCode)
	}
	if err := getJSON(ctx, c.http, "norg", u, nil, &resp); err != nil {
		return "", err
	}
	if resp.OfficeNr == "" {
		return "", fmt.Errorf("registry: norg: no office for geographic tie %q", geographicTie)
	}
	return resp.OfficeNr, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Legacy target registry (TSS)
// ─────────────────────────────────────────────────────────────────────────────

// HTTPTSSClient talks to the legacy addressing registry proxy.
type HTTPTSSClient struct {
	baseURL string
	http    *http.Client
}

func NewHTTPTSSClient(baseURL string) *HTTPTSSClient {
	return &HTTPTSSClient{baseURL: baseURL, http: newHTTPClient()}
}

// TargetID implements TSSClient.
func (c *HTTPTSSClient) TargetID(ctx context.Context, practitionerID, orgName, callID string) (string, error) {
	var resp struct {
		TSSID string `json:"tssid"`
	}
	header := http.Header{
		"Samhandler-Fnr":     []string{practitionerID},
		"Samhandler-OrgName": []string{orgName},
		"Nav-CallId":         []string{callID},
	}
	if err := getJSON(ctx, c.http, "tss", c.baseURL+"/api/v1/samhandler/infotrygd", header, &resp); err != nil {
		return "", err
	}
	if resp.TSSID == "" {
		return "", fmt.Errorf("registry: tss: empty target id")
	}
	return resp.TSSID, nil
}
