package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// StatusError reports a non-2xx upstream response.
type StatusError struct {
	Provider string
	Code     int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d", e.Provider, e.Code)
}

func getJSON(ctx context.Context, client *http.Client, provider, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return &StatusError{Provider: provider, Code: resp.StatusCode}
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", provider, err)
	}
	return nil
}

// ----------------------------------------------------------------------------
// ArcGIS

// DefaultArcGISURL is the public ArcGIS World Geocoding Service.
const DefaultArcGISURL = "https://geocode.arcgis.com/arcgis/rest/services/World/GeocodeServer"

// ArcGIS queries an ArcGIS GeocodeServer (findAddressCandidates and
// reverseGeocode). Scores are the native 0..100 candidate scores.
type ArcGIS struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

// NewArcGIS returns an ArcGIS provider. An empty baseURL selects the public
// World service.
func NewArcGIS(baseURL, token string, client *http.Client) *ArcGIS {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultArcGISURL
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &ArcGIS{BaseURL: strings.TrimRight(baseURL, "/"), Token: token, Client: client}
}

func (a *ArcGIS) Name() string { return "arcgis" }

type arcgisCandidates struct {
	Candidates []struct {
		Address  string `json:"address"`
		Location struct {
			X float64 `json:"x"`
			Y float64 `json:"y"`
		} `json:"location"`
		Score      float64        `json:"score"`
		Attributes map[string]any `json:"attributes"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Geocode returns the best candidate for address, or nil if there is none.
func (a *ArcGIS) Geocode(ctx context.Context, address string) (*Candidate, error) {
	q := url.Values{}
	q.Set("SingleLine", address)
	q.Set("f", "json")
	q.Set("outFields", "Match_addr,Addr_type")
	q.Set("maxLocations", "1")
	if a.Token != "" {
		q.Set("token", a.Token)
	}

	var body arcgisCandidates
	if err := getJSON(ctx, a.Client, a.Name(), a.BaseURL+"/findAddressCandidates?"+q.Encode(), &body); err != nil {
		return nil, err
	}
	if body.Error != nil {
		return nil, fmt.Errorf("arcgis: %d %s", body.Error.Code, body.Error.Message)
	}
	if len(body.Candidates) == 0 {
		return nil, nil
	}
	c := body.Candidates[0]
	meta := map[string]string{}
	for k, v := range c.Attributes {
		if s, ok := v.(string); ok && s != "" {
			meta[k] = s
		}
	}
	return &Candidate{
		Lat:              c.Location.Y,
		Lng:              c.Location.X,
		FormattedAddress: c.Address,
		Score:            c.Score,
		Metadata:         meta,
	}, nil
}

// ReverseGeocode returns the matched address at (lat, lng).
func (a *ArcGIS) ReverseGeocode(ctx context.Context, lat, lng float64) (string, error) {
	q := url.Values{}
	q.Set("location", strconv.FormatFloat(lng, 'f', -1, 64)+","+strconv.FormatFloat(lat, 'f', -1, 64))
	q.Set("f", "json")
	if a.Token != "" {
		q.Set("token", a.Token)
	}
	var body struct {
		Address struct {
			MatchAddr string `json:"Match_addr"`
		} `json:"address"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := getJSON(ctx, a.Client, a.Name(), a.BaseURL+"/reverseGeocode?"+q.Encode(), &body); err != nil {
		return "", err
	}
	if body.Error != nil {
		return "", fmt.Errorf("arcgis: %s", body.Error.Message)
	}
	return body.Address.MatchAddr, nil
}

// ----------------------------------------------------------------------------
// Google

// DefaultGoogleURL is the Google Geocoding API endpoint.
const DefaultGoogleURL = "https://maps.googleapis.com/maps/api/geocode/json"

// Google queries the Google Geocoding API. The API has no numeric score, so
// one is derived from the result's location_type.
type Google struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

// NewGoogle returns a Google provider.
func NewGoogle(apiKey string, client *http.Client) *Google {
	if client == nil {
		client = http.DefaultClient
	}
	return &Google{BaseURL: DefaultGoogleURL, APIKey: apiKey, Client: client}
}

func (g *Google) Name() string { return "google" }

var googleLocationScores = map[string]float64{
	"ROOFTOP":            100,
	"RANGE_INTERPOLATED": 90,
	"GEOMETRIC_CENTER":   70,
	"APPROXIMATE":        50,
}

type googleResponse struct {
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
	Results      []struct {
		FormattedAddress string `json:"formatted_address"`
		PlaceID          string `json:"place_id"`
		Geometry         struct {
			Location struct {
				Lat float64 `json:"lat"`
				Lng float64 `json:"lng"`
			} `json:"location"`
			LocationType string `json:"location_type"`
		} `json:"geometry"`
	} `json:"results"`
}

func (g *Google) query(ctx context.Context, q url.Values) (*googleResponse, error) {
	q.Set("key", g.APIKey)
	var body googleResponse
	if err := getJSON(ctx, g.Client, g.Name(), g.BaseURL+"?"+q.Encode(), &body); err != nil {
		return nil, err
	}
	switch body.Status {
	case "OK", "ZERO_RESULTS":
		return &body, nil
	default:
		return nil, fmt.Errorf("google: %s %s", body.Status, body.ErrorMessage)
	}
}

// Geocode returns the first result for address, or nil if there is none.
func (g *Google) Geocode(ctx context.Context, address string) (*Candidate, error) {
	body, err := g.query(ctx, url.Values{"address": {address}})
	if err != nil {
		return nil, err
	}
	if len(body.Results) == 0 {
		return nil, nil
	}
	r := body.Results[0]
	return &Candidate{
		Lat:              r.Geometry.Location.Lat,
		Lng:              r.Geometry.Location.Lng,
		FormattedAddress: r.FormattedAddress,
		Score:            googleLocationScores[r.Geometry.LocationType],
		Metadata: map[string]string{
			"place_id":      r.PlaceID,
			"location_type": r.Geometry.LocationType,
		},
	}, nil
}

// ReverseGeocode returns the formatted address of the first result at
// (lat, lng).
func (g *Google) ReverseGeocode(ctx context.Context, lat, lng float64) (string, error) {
	latlng := strconv.FormatFloat(lat, 'f', -1, 64) + "," + strconv.FormatFloat(lng, 'f', -1, 64)
	body, err := g.query(ctx, url.Values{"latlng": {latlng}})
	if err != nil {
		return "", err
	}
	if len(body.Results) == 0 {
		return "", nil
	}
	return body.Results[0].FormattedAddress, nil
}
