package ckan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kirillkom/plant-care-assistant/internal/core/domain"
)

const (
	DefaultURL        = "https://www.data.qld.gov.au/api/3/action/datastore_search"
	DefaultResourceID = "fd297d03-bf72-40c7-b27e-24cc7023360c"

	commonNameField    = "Common Name"
	botanicalNameField = "Botanical Name"
)

// Client queries a CKAN datastore_search endpoint for plant species records.
type Client struct {
	endpoint   string
	resourceID string
	httpClient *http.Client
}

func New(endpoint, resourceID string, httpClient *http.Client) *Client {
	if strings.TrimSpace(endpoint) == "" {
		endpoint = DefaultURL
	}
	if strings.TrimSpace(resourceID) == "" {
		resourceID = DefaultResourceID
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{endpoint: endpoint, resourceID: resourceID, httpClient: httpClient}
}

type searchResponse struct {
	Success bool `json:"success"`
	Error   *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
	Result struct {
		Records []map[string]any `json:"records"`
		Total   int              `json:"total"`
	} `json:"result"`
}

func (c *Client) Search(ctx context.Context, query string, limit int) ([]domain.SpeciesRecord, error) {
	params := url.Values{}
	params.Set("resource_id", c.resourceID)
	params.Set("q", query)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create species request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, domain.WrapError(domain.ErrTemporary, "ckan search",
			domain.WrapError(domain.ErrNetwork, "ckan search", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, domain.WrapError(domain.ErrUpstream, "ckan search",
			fmt.Errorf("status %s: %s", resp.Status, strings.TrimSpace(string(body))))
	}

	var decoded searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, domain.WrapError(domain.ErrUpstream, "ckan search", fmt.Errorf("decode response: %w", err))
	}
	if !decoded.Success {
		msg := "success=false"
		if decoded.Error != nil && decoded.Error.Message != "" {
			msg = decoded.Error.Message
		}
		return nil, domain.WrapError(domain.ErrUpstream, "ckan search", errors.New(msg))
	}

	records := make([]domain.SpeciesRecord, 0, len(decoded.Result.Records))
	for _, raw := range decoded.Result.Records {
		records = append(records, toRecord(raw))
	}
	return records, nil
}

func toRecord(raw map[string]any) domain.SpeciesRecord {
	record := domain.SpeciesRecord{Fields: make(map[string]string)}
	for key, value := range raw {
		// CKAN bookkeeping columns such as _id and rank.
		if strings.HasPrefix(key, "_") || key == "rank" {
			continue
		}
		text := stringify(value)
		switch key {
		case commonNameField:
			record.CommonName = text
		case botanicalNameField:
			record.BotanicalName = text
		default:
			record.Fields[key] = text
		}
	}
	return record
}

func stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}
