package normalizer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	normalizerdomain "github.com/ledgerline/ledgerline/internal/normalizer/domain"
)

// httpProviderClient talks to the usage metering gateway, which proxies
// provider usage APIs behind one shape.
type httpProviderClient struct {
	base       string
	httpClient *http.Client
}

func NewHTTPProviderClient(base string) ProviderClient {
	return &httpProviderClient{
		base:       base,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type usageLineDTO struct {
	Date string `json:"date"`
	normalizerdomain.UsagePayload
}

func (c *httpProviderClient) FetchUsage(ctx context.Context, provider, secret string, start, end time.Time) ([]UsageLine, error) {
	endpoint := fmt.Sprintf("%s/v1/usage?%s", c.base, url.Values{
		"provider": {provider},
		"start":    {start.Format("2006-01-02")},
		"end":      {end.Format("2006-01-02")},
	}.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+secret)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", normalizerdomain.ErrTransientProvider, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: provider %s returned %d", normalizerdomain.ErrAuthProvider, provider, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: provider %s returned %d", normalizerdomain.ErrTransientProvider, provider, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("provider %s returned unexpected status %d", provider, resp.StatusCode)
	}

	var dtos []usageLineDTO
	if err := json.NewDecoder(resp.Body).Decode(&dtos); err != nil {
		return nil, fmt.Errorf("%w: %v", normalizerdomain.ErrTransientProvider, err)
	}

	lines := make([]UsageLine, 0, len(dtos))
	for _, dto := range dtos {
		date, err := time.Parse("2006-01-02", dto.Date)
		if err != nil {
			continue
		}
		lines = append(lines, UsageLine{Date: date, Payload: dto.UsagePayload})
	}
	return lines, nil
}
