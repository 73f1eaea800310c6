package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"quill/internal/httpkit"
)

const defaultWeatherBaseURL = "https://wttr.in"

var weatherSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"city": {
			"type": "string",
			"description": "The city name (e.g., 'Paris', 'Tokyo')."
		}
	},
	"required": ["city"]
}`)

// WeatherClient fetches current conditions from wttr.in.
type WeatherClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewWeatherClient creates a weather client. baseURL is optional and
// exists so tests can point the client at a local server.
func NewWeatherClient(baseURL string) *WeatherClient {
	if baseURL == "" {
		baseURL = defaultWeatherBaseURL
	}
	return &WeatherClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: httpkit.NewClient(httpkit.WithTimeout(10 * time.Second)),
	}
}

// RegisterWeather adds the weather capability to the registry.
func RegisterWeather(r *Registry, client *WeatherClient) error {
	return r.Register(&Capability{
		Name:        "get_weather",
		Description: "Get current weather conditions for a city.",
		Schema:      weatherSchema,
	}, client.handle)
}

// wttrResponse is the subset of the wttr.in j1 payload we read.
type wttrResponse struct {
	CurrentCondition []struct {
		TempC       string `json:"temp_C"`
		Humidity    string `json:"humidity"`
		WeatherDesc []struct {
			Value string `json:"value"`
		} `json:"weatherDesc"`
	} `json:"current_condition"`
}

func (c *WeatherClient) handle(ctx context.Context, args map[string]any) (string, error) {
	city, err := stringArg(args, "city")
	if err != nil {
		return "", err
	}

	endpoint := fmt.Sprintf("%s/%s?format=j1", c.baseURL, url.PathEscape(city))
	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %v", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("weather request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		httpkit.DrainAndClose(resp.Body, 4096)
		return "", fmt.Errorf("city not found")
	}

	var w wttrResponse
	if err := json.NewDecoder(resp.Body).Decode(&w); err != nil {
		return "", fmt.Errorf("decode weather: %v", err)
	}
	if len(w.CurrentCondition) == 0 {
		return "", fmt.Errorf("no conditions reported for %s", city)
	}

	current := w.CurrentCondition[0]
	desc := ""
	if len(current.WeatherDesc) > 0 {
		desc = current.WeatherDesc[0].Value
	}

	return successJSON(map[string]any{
		"city":     city,
		"temp":     current.TempC + "°C",
		"desc":     desc,
		"humidity": current.Humidity + "%",
	})
}
