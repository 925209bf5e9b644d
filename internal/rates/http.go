package rates

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
)

// HTTPService fetches a JSON price map ({"USD": "1.0", "EUR": "1.09"}) from a
// price oracle endpoint.
type HTTPService struct {
	url    string
	client *http.Client
}

func NewHTTPService(url string, client *http.Client) *HTTPService {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPService{url: url, client: client}
}

func (s *HTTPService) Prices(ctx context.Context) (map[string]decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: price feed returned %d", ErrUnavailable, resp.StatusCode)
	}

	var raw map[string]json.Number
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	prices := make(map[string]decimal.Decimal, len(raw))
	for code, num := range raw {
		price, err := decimal.NewFromString(num.String())
		if err != nil {
			return nil, fmt.Errorf("%w: bad price for %s", ErrUnavailable, code)
		}
		prices[code] = price
	}
	return prices, nil
}

func (s *HTTPService) Convert(ctx context.Context, amount uint64, source, destination Asset, slippage decimal.Decimal) (uint64, error) {
	prices, err := s.Prices(ctx)
	if err != nil {
		return 0, err
	}
	return Convert(prices, amount, source, destination, slippage)
}
