// Package apiclient is the worker's client for the settlement API, covering
// the public read surface and the secret-guarded internal mutations.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/Agos-Inc/agos-marketplace/internal/order"
)

// HeaderInternalSecret guards mutations outside the public order lifecycle.
const HeaderInternalSecret = "x-internal-secret"

type Client struct {
	baseURL        string
	internalSecret string
	httpClient     *http.Client
}

func New(baseURL, internalSecret string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:        baseURL,
		internalSecret: internalSecret,
		httpClient:     httpClient,
	}
}

func (c *Client) CreateOrder(ctx context.Context, req order.CreateOrderRequest) (order.Order, error) {
	var o order.Order
	err := c.do(ctx, http.MethodPost, "/v1/orders", req, false, order.ErrServiceNotFound, &o)
	return o, err
}

func (c *Client) GetOrder(ctx context.Context, orderID string) (order.Order, error) {
	var o order.Order
	err := c.do(ctx, http.MethodGet, "/v1/orders/"+url.PathEscape(orderID), nil, false, order.ErrOrderNotFound, &o)
	return o, err
}

func (c *Client) GetOrderByHex(ctx context.Context, orderIDHex string) (order.Order, error) {
	var o order.Order
	err := c.do(ctx, http.MethodGet, "/v1/orders/by-hex/"+url.PathEscape(orderIDHex), nil, false, order.ErrOrderNotFound, &o)
	return o, err
}

func (c *Client) ListOrders(ctx context.Context, status order.Status) ([]order.Order, error) {
	var orders []order.Order
	err := c.do(ctx, http.MethodGet, "/v1/orders?status="+url.QueryEscape(string(status)), nil, false, order.ErrOrderNotFound, &orders)
	return orders, err
}

func (c *Client) GetService(ctx context.Context, serviceID string) (order.Service, error) {
	var svc order.Service
	err := c.do(ctx, http.MethodGet, "/v1/services/"+url.PathEscape(serviceID), nil, false, order.ErrServiceNotFound, &svc)
	return svc, err
}

func (c *Client) TransitionOrder(ctx context.Context, orderID string, to order.Status, md order.TransitionMetadata) (order.Order, error) {
	body := struct {
		To order.Status `json:"to"`
		order.TransitionMetadata
	}{To: to, TransitionMetadata: md}

	var o order.Order
	err := c.do(ctx, http.MethodPost, "/v1/internal/orders/"+url.PathEscape(orderID)+"/transition", body, true, order.ErrOrderNotFound, &o)
	return o, err
}

func (c *Client) RecordPaymentEvent(ctx context.Context, orderID string, evt order.PaymentEvent) (order.PaymentResult, error) {
	var result order.PaymentResult
	err := c.do(ctx, http.MethodPost, "/v1/internal/orders/"+url.PathEscape(orderID)+"/payment-event", evt, true, order.ErrOrderNotFound, &result)
	return result, err
}

func (c *Client) do(ctx context.Context, method, path string, body any, internal bool, notFound error, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if internal {
		req.Header.Set(HeaderInternalSecret, c.internalSecret)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s %s: %w", method, path, notFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s failed with %d: %s", method, path, resp.StatusCode, text)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
