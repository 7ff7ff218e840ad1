package salesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// posClient talks to the live transactional POS query API. Listing is
// cursor-paged and bounded by updated_since/updated_before so the engine
// never reads records the register is still writing.
type posClient struct {
	baseURL   string
	apiKey    string
	apiKeyHdr string
	http      *http.Client
	limiter   <-chan time.Time
}

func newPosClient() (*posClient, error) {
	baseURL := strings.TrimSpace(os.Getenv("POS_API_BASE_URL"))
	if baseURL == "" {
		return nil, errors.New("POS_API_BASE_URL is not set")
	}
	apiKey := strings.TrimSpace(os.Getenv("POS_API_KEY"))
	if apiKey == "" {
		return nil, errors.New("POS_API_KEY is not set")
	}
	apiKeyHeader := strings.TrimSpace(os.Getenv("POS_API_KEY_HEADER"))
	if apiKeyHeader == "" {
		apiKeyHeader = "X-API-Key"
	}
	rateLimitPerMin := int64(60)
	if v := strings.TrimSpace(os.Getenv("POS_RATE_LIMIT_PER_MIN")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			rateLimitPerMin = n
		}
	}
	interval := time.Minute / time.Duration(rateLimitPerMin)

	return &posClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		apiKeyHdr: apiKeyHeader,
		http:      &http.Client{Timeout: 30 * time.Second},
		limiter:   time.Tick(interval),
	}, nil
}

type posListResponse struct {
	Data       []json.RawMessage `json:"data"`
	Items      []json.RawMessage `json:"items"`
	NextCursor string            `json:"next_cursor"`
	HasMore    *bool             `json:"has_more"`
}

func (r posListResponse) records() []json.RawMessage {
	if len(r.Data) > 0 {
		return r.Data
	}
	return r.Items
}

func (c *posClient) getList(ctx context.Context, path string, params url.Values) (posListResponse, error) {
	<-c.limiter
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint = endpoint + "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return posListResponse{}, err
	}
	req.Header.Set(c.apiKeyHdr, c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return posListResponse{}, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return posListResponse{}, fmt.Errorf("pos api error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed posListResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return posListResponse{}, err
	}
	return parsed, nil
}

// getListWithRetry retries transient I/O failures with bounded backoff.
// HTTP 4xx responses are not transient and fail immediately.
func (c *posClient) getListWithRetry(ctx context.Context, path string, params url.Values) (posListResponse, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return posListResponse{}, ctx.Err()
			case <-time.After(time.Second * time.Duration(1<<attempt)):
			}
		}
		resp, err := c.getList(ctx, path, params)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if strings.Contains(err.Error(), "pos api error 4") {
			return posListResponse{}, err
		}
	}
	return posListResponse{}, lastErr
}

// Wire shapes of the live POS API.

type posSale struct {
	ID            string        `json:"id"`
	ReceiptNumber string        `json:"receipt_number"`
	SaleDate      string        `json:"sale_date"`
	SaleStatus    string        `json:"sale_status"`
	PaymentMethod string        `json:"payment_method"`
	CustomerPhone string        `json:"customer_phone"`
	Items         []posSaleItem `json:"items"`
	UpdatedAt     string        `json:"updated_at"`
}

type posSaleItem struct {
	LineNumber  int         `json:"line_number"`
	ProductCode string      `json:"product_code"`
	Name        string      `json:"name"`
	Quantity    json.Number `json:"quantity"`
	UnitPrice   json.Number `json:"unit_price"`
	ListPrice   json.Number `json:"list_price"`
}
