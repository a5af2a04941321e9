// internal/service/shipping/infrastructure/carrier/http_carrier.go
package carrier

import (
	"context"
	"net/url"
	"strings"

	"github.com/pkg/errors"

	"fulfillment/internal/pkg/httpclient"
	"fulfillment/internal/service/shipping/domain"
)

type bookRequest struct {
	OrderID    string     `json:"orderId"`
	CustomerID string     `json:"customerId"`
	Items      []bookItem `json:"items"`
}

type bookItem struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"qty"`
}

type bookResponse struct {
	TrackingNumber string `json:"trackingNumber"`
}

// HTTPCarrier 通过承运商的 HTTP API 下单。4xx 视为拒绝，其余失败可重试。
type HTTPCarrier struct {
	name    string
	baseURL string
	client  *httpclient.Client
}

func NewHTTPCarrier(name, baseURL string, client *httpclient.Client) *HTTPCarrier {
	return &HTTPCarrier{name: name, baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (c *HTTPCarrier) Book(ctx context.Context, p domain.Parcel) (domain.Label, error) {
	req := bookRequest{OrderID: p.OrderID, CustomerID: p.CustomerID}
	for _, it := range p.Items {
		req.Items = append(req.Items, bookItem{SKU: it.SKU, Quantity: it.Quantity})
	}
	var resp bookResponse
	if err := c.client.PostJSON(ctx, c.baseURL+"/shipments", req, &resp); err != nil {
		return domain.Label{}, classify(err)
	}
	if resp.TrackingNumber == "" {
		return domain.Label{}, errors.Errorf("carrier %s returned no tracking number", c.name)
	}
	return domain.Label{Carrier: c.name, TrackingNumber: resp.TrackingNumber}, nil
}

func (c *HTTPCarrier) Cancel(ctx context.Context, trackingNumber string) error {
	u := c.baseURL + "/shipments/" + url.PathEscape(trackingNumber) + "/cancel"
	return classify(c.client.PostJSON(ctx, u, struct{}{}, nil))
}

func classify(err error) error {
	var se *httpclient.StatusError
	if errors.As(err, &se) && se.ClientError() {
		return errors.Wrap(domain.ErrCarrierRejected, se.Body)
	}
	return err
}
