package forecast

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// maxBodyBytes caps how much of a 2xx body is read.
const maxBodyBytes = 4 << 20

// HTTPClient fetches forecasts from the upstream JSON endpoint.
type HTTPClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// NewHTTPClient builds a client for baseURL. Deadlines come from the caller's
// context; timeout is a hard ceiling on the transport.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimSpace(baseURL),
		apiKey:     strings.TrimSpace(apiKey),
	}
}

// apiResponse is the upstream JSON body.
type apiResponse struct {
	AnalysisTime string          `json:"analysis_time"`
	Region       string          `json:"region"`
	Error        json.RawMessage `json:"error"`
	Predictions  []apiPrediction `json:"predictions"`
}

// apiPrediction is one upstream forecast slot.
type apiPrediction struct {
	ValidTime                   string  `json:"valid_time"`
	TemperatureC                float64 `json:"temperature_c"`
	HumidityPct                 float64 `json:"humidity_pct"`
	WeatherCode                 int     `json:"weather_code"`
	WeatherDescription          string  `json:"weather_description"`
	WindSpeedKph                float64 `json:"wind_speed_kph"`
	WindDirectionDeg            float64 `json:"wind_direction_deg"`
	VisibilityM                 float64 `json:"visibility_m"`
	PrecipitationMm             float64 `json:"precipitation_mm"`
	PrecipitationProbabilityPct float64 `json:"precipitation_probability_pct"`
}

// Fetch retrieves the latest run for req.RegionCode. Every failure wraps ErrUpstream.
func (c *HTTPClient) Fetch(ctx context.Context, req Request) (Forecast, error) {
	q := url.Values{}
	q.Set("region", req.RegionCode)
	if req.Latitude != nil && req.Longitude != nil {
		q.Set("latitude", strconv.FormatFloat(*req.Latitude, 'f', 6, 64))
		q.Set("longitude", strconv.FormatFloat(*req.Longitude, 'f', 6, 64))
	}

	endpoint := c.baseURL + "?" + q.Encode()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Forecast{}, fmt.Errorf("%w: build request: %v", ErrUpstream, err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("X-API-Key", c.apiKey)
	}

	raw, err := c.do(httpReq)
	if err != nil {
		return Forecast{}, err
	}

	var resp apiResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Forecast{}, fmt.Errorf("%w: decode body: %v", ErrUpstream, err)
	}
	if msg := apiError(resp.Error); msg != "" {
		return Forecast{}, fmt.Errorf("%w: api rejected region=%s: %s", ErrUpstream, req.RegionCode, msg)
	}
	if strings.TrimSpace(resp.AnalysisTime) == "" {
		return Forecast{}, fmt.Errorf("%w: analysis_time missing", ErrUpstream)
	}
	analysisAt, err := time.Parse(time.RFC3339, strings.TrimSpace(resp.AnalysisTime))
	if err != nil {
		return Forecast{}, fmt.Errorf("%w: analysis_time: %v", ErrUpstream, err)
	}

	out := Forecast{
		RegionCode:  req.RegionCode,
		AnalysisAt:  analysisAt.UTC(),
		Predictions: make([]Prediction, 0, len(resp.Predictions)),
		Raw:         raw,
		Source:      "http",
	}
	for i, p := range resp.Predictions {
		validAt, err := time.Parse(time.RFC3339, strings.TrimSpace(p.ValidTime))
		if err != nil {
			return Forecast{}, fmt.Errorf("%w: predictions[%d].valid_time: %v", ErrUpstream, i, err)
		}
		desc := strings.TrimSpace(p.WeatherDescription)
		if desc == "" {
			desc = DescribeWeatherCode(p.WeatherCode)
		}
		out.Predictions = append(out.Predictions, Prediction{
			ValidAt:                     validAt.UTC(),
			TemperatureC:                p.TemperatureC,
			HumidityPct:                 p.HumidityPct,
			WeatherCode:                 p.WeatherCode,
			WeatherDescription:          desc,
			WindSpeedKph:                p.WindSpeedKph,
			WindDirectionDeg:            p.WindDirectionDeg,
			VisibilityM:                 p.VisibilityM,
			PrecipitationMm:             p.PrecipitationMm,
			PrecipitationProbabilityPct: p.PrecipitationProbabilityPct,
		})
	}
	return out, nil
}

// do performs the request and returns the body of a 2xx response.
func (c *HTTPClient) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("%w: status=%d body=%q", ErrUpstream, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrUpstream, err)
	}
	return body, nil
}

// apiError extracts a rejection message from the optional "error" field,
// which upstream sends either as a string or as an object with a message.
func apiError(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var obj struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && (obj.Message != "" || obj.Code != "") {
		return strings.TrimSpace(strings.Join([]string{obj.Code, obj.Message}, " "))
	}
	return string(raw)
}
