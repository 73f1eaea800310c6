package capability

import "log/slog"

// BuiltinOptions override upstream endpoints, primarily for tests.
// Zero values select the real services.
type BuiltinOptions struct {
	SearchBaseURL  string
	StockBaseURL   string
	WeatherBaseURL string
}

// NewBuiltinRegistry creates a registry with the four standard
// capabilities: search, calculator, stock price, and weather.
func NewBuiltinRegistry(opts BuiltinOptions, logger *slog.Logger) (*Registry, error) {
	r := NewRegistry(logger)

	if err := RegisterSearch(r, NewSearchClient(opts.SearchBaseURL)); err != nil {
		return nil, err
	}
	if err := RegisterCalculator(r); err != nil {
		return nil, err
	}
	if err := RegisterStock(r, NewStockClient(opts.StockBaseURL)); err != nil {
		return nil, err
	}
	if err := RegisterWeather(r, NewWeatherClient(opts.WeatherBaseURL)); err != nil {
		return nil, err
	}

	return r, nil
}
