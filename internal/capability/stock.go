package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"quill/internal/httpkit"
)

const defaultStockBaseURL = "https://query1.finance.yahoo.com"

var stockSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"symbol": {
			"type": "string",
			"description": "The stock ticker symbol (e.g., 'AAPL', 'NVDA')."
		}
	},
	"required": ["symbol"]
}`)

// StockClient fetches quotes from the Yahoo Finance chart endpoint.
type StockClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewStockClient creates a stock price client. baseURL is optional and
// exists so tests can point the client at a local server.
func NewStockClient(baseURL string) *StockClient {
	if baseURL == "" {
		baseURL = defaultStockBaseURL
	}
	return &StockClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: httpkit.NewClient(httpkit.WithTimeout(10 * time.Second)),
	}
}

// RegisterStock adds the stock price capability to the registry.
func RegisterStock(r *Registry, client *StockClient) error {
	return r.Register(&Capability{
		Name:        "get_stock_price",
		Description: "Fetch the latest stock price for a ticker symbol.",
		Schema:      stockSchema,
	}, client.handle)
}

// chartResponse is the subset of the Yahoo chart payload we read.
type chartResponse struct {
	Chart struct {
		Result []struct {
			Meta struct {
				Currency           string  `json:"currency"`
				RegularMarketPrice float64 `json:"regularMarketPrice"`
				Symbol             string  `json:"symbol"`
			} `json:"meta"`
		} `json:"result"`
		Error *struct {
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

func (c *StockClient) handle(ctx context.Context, args map[string]any) (string, error) {
	symbol, err := stringArg(args, "symbol")
	if err != nil {
		return "", err
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	endpoint := fmt.Sprintf("%s/v8/finance/chart/%s?interval=1d&range=1d", c.baseURL, url.PathEscape(symbol))
	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %v", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("quote request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		httpkit.DrainAndClose(resp.Body, 4096)
		return "", fmt.Errorf("could not fetch price for %s", symbol)
	}
	if resp.StatusCode != http.StatusOK {
		httpkit.DrainAndClose(resp.Body, 4096)
		return "", fmt.Errorf("quote returned status %d", resp.StatusCode)
	}

	var chart chartResponse
	if err := json.NewDecoder(resp.Body).Decode(&chart); err != nil {
		return "", fmt.Errorf("decode quote: %v", err)
	}
	if chart.Chart.Error != nil {
		return "", fmt.Errorf("quote error: %s", chart.Chart.Error.Description)
	}
	if len(chart.Chart.Result) == 0 {
		return "", fmt.Errorf("could not fetch price for %s", symbol)
	}

	meta := chart.Chart.Result[0].Meta
	if meta.RegularMarketPrice == 0 {
		return "", fmt.Errorf("could not fetch price for %s", symbol)
	}

	currency := meta.Currency
	if currency == "" {
		currency = "USD"
	}

	return successJSON(map[string]any{
		"symbol":   symbol,
		"price":    math.Round(meta.RegularMarketPrice*100) / 100,
		"currency": currency,
	})
}
