package geocoding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// DefaultEndpoint is the Google Maps Geocoding API.
const DefaultEndpoint = "https://maps.googleapis.com/maps/api/geocode/json"

var (
	// ErrNoResults means the address is not locatable; retrying will not help.
	ErrNoResults = errors.New("geocoding returned no results")
	// ErrUnavailable wraps failures worth retrying: transport errors, 5xx and
	// quota responses.
	ErrUnavailable = errors.New("geocoding service unavailable")
)

// Result holds structured data from a Google Maps geocoding response.
type Result struct {
	Zip       string  `json:"zip"`
	State     string  `json:"state"` // 2-letter state abbreviation
	County    string  `json:"county"`
	City      string  `json:"city"`
	Formatted string  `json:"formatted"`
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
}

// Geocoder turns an address into a coordinate.
type Geocoder interface {
	Geocode(ctx context.Context, address string) (*Result, error)
}

// Client wraps the Google Maps Geocoding API.
type Client struct {
	apiKey     string
	endpoint   string
	httpClient *http.Client
}

// NewClient returns nil, nil if apiKey is empty (graceful degradation:
// voters without stored coordinates are reported as not locatable).
func NewClient(apiKey string) (*Client, error) {
	if apiKey == "" {
		return nil, nil
	}
	return &Client{
		apiKey:   apiKey,
		endpoint: DefaultEndpoint,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}, nil
}

// WithEndpoint points the client at another server; used by tests.
func (c *Client) WithEndpoint(endpoint string) *Client {
	c.endpoint = endpoint
	return c
}

type geocodeResponse struct {
	Results []geocodeResult `json:"results"`
	Status  string          `json:"status"`
}

type geocodeResult struct {
	AddressComponents []addressComponent `json:"address_components"`
	FormattedAddress  string             `json:"formatted_address"`
	Geometry          struct {
		Location struct {
			Lat float64 `json:"lat"`
			Lng float64 `json:"lng"`
		} `json:"location"`
	} `json:"geometry"`
}

type addressComponent struct {
	LongName  string   `json:"long_name"`
	ShortName string   `json:"short_name"`
	Types     []string `json:"types"`
}

// Geocode converts a free-form address string into structured location data.
func (c *Client) Geocode(ctx context.Context, address string) (*Result, error) {
	q := url.Values{}
	q.Set("address", address)
	q.Set("key", c.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: HTTP %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("geocoding API returned HTTP %d: check that Geocoding API is enabled", resp.StatusCode)
	}

	var geoResp geocodeResponse
	if err := json.NewDecoder(resp.Body).Decode(&geoResp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	switch geoResp.Status {
	case "OK":
	case "ZERO_RESULTS":
		return nil, fmt.Errorf("%w for %q", ErrNoResults, address)
	case "OVER_QUERY_LIMIT", "UNKNOWN_ERROR":
		return nil, fmt.Errorf("%w: status=%s", ErrUnavailable, geoResp.Status)
	default:
		return nil, fmt.Errorf("geocoding failed: status=%s", geoResp.Status)
	}
	if len(geoResp.Results) == 0 {
		return nil, fmt.Errorf("%w for %q", ErrNoResults, address)
	}

	result := geoResp.Results[0]
	out := &Result{
		Formatted: result.FormattedAddress,
		Lat:       result.Geometry.Location.Lat,
		Lng:       result.Geometry.Location.Lng,
	}
	for _, comp := range result.AddressComponents {
		for _, t := range comp.Types {
			switch t {
			case "postal_code":
				out.Zip = comp.ShortName
			case "administrative_area_level_1":
				out.State = comp.ShortName
			case "administrative_area_level_2":
				out.County = comp.LongName
			case "locality":
				out.City = comp.LongName
			}
		}
	}
	return out, nil
}
