package carrier

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"fulfillment/internal/service/shipping/domain"
)

// Simulated 是本地模拟承运商。总件数超过 MaxUnits (>0 时) 的包裹会被拒绝。
type Simulated struct {
	Name     string
	MaxUnits int
}

func (c Simulated) Book(_ context.Context, p domain.Parcel) (domain.Label, error) {
	units := 0
	for _, it := range p.Items {
		units += it.Quantity
	}
	if units == 0 {
		return domain.Label{}, errors.Wrap(domain.ErrCarrierRejected, "EMPTY_PARCEL")
	}
	if c.MaxUnits > 0 && units > c.MaxUnits {
		return domain.Label{}, errors.Wrap(domain.ErrCarrierRejected, "PARCEL_TOO_LARGE")
	}
	// 同一订单总是得到同一个运单号
	id := uuid.NewSHA1(uuid.NameSpaceOID, []byte(c.Name+"/"+p.OrderID))
	return domain.Label{
		Carrier:        c.Name,
		TrackingNumber: fmt.Sprintf("%s-%s", strings.ToUpper(c.Name), strings.ToUpper(id.String()[:12])),
	}, nil
}

func (Simulated) Cancel(context.Context, string) error { return nil }
