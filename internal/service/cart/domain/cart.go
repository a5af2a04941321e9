// internal/service/cart/domain/cart.go
package domain

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Status 购物车状态
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusAbandoned Status = "ABANDONED"
	StatusExpired   Status = "EXPIRED"
	StatusConverted Status = "CONVERTED"
	StatusMerged    Status = "MERGED"
)

// IsTerminal 终态不再变化
func (s Status) IsTerminal() bool {
	return s == StatusExpired || s == StatusConverted || s == StatusMerged
}

// MaxItems 单个购物车最多的商品行数
const MaxItems = 100

var (
	ErrCartNotFound     = errors.New("cart not found")
	ErrCartNotActive    = errors.New("cart is not active")
	ErrCartTerminal     = errors.New("cart is in a terminal state")
	ErrItemNotFound     = errors.New("item not in cart")
	ErrCouponApplied    = errors.New("coupon already applied")
	ErrInvalidItem      = errors.New("invalid cart item")
	ErrEmptyCart        = errors.New("cart is empty")
	ErrTooManyItems     = errors.New("too many items in cart")
	ErrCurrencyMismatch = errors.New("currency mismatch")
)

type Item struct {
	SKU       string
	Quantity  int
	UnitPrice decimal.Decimal
}

func (i Item) LineTotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

type Coupon struct {
	Code     string
	Discount decimal.Decimal
}

// Cart 购物车聚合根。只有 ACTIVE 的购物车可以修改商品和优惠券，每次修改都会刷新 LastActivityAt。
type Cart struct {
	ID             string
	CustomerID     string
	Currency       string
	Status         Status
	Items          []Item
	Coupons        []Coupon
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastActivityAt time.Time
	Version        int
}

func NewCart(id, customerID, currency string, now time.Time) *Cart {
	if currency == "" {
		currency = "USD"
	}
	return &Cart{
		ID:             id,
		CustomerID:     customerID,
		Currency:       strings.ToUpper(currency),
		Status:         StatusActive,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastActivityAt: now,
	}
}

// AddItem 添加商品，同一 SKU 合并数量
func (c *Cart) AddItem(sku string, qty int, unitPrice decimal.Decimal, now time.Time) error {
	if err := c.mutable(); err != nil {
		return err
	}
	if sku == "" || qty < 1 || unitPrice.IsNegative() {
		return errors.Wrapf(ErrInvalidItem, "sku %q qty %d price %s", sku, qty, unitPrice)
	}
	if i := c.indexOf(sku); i >= 0 {
		c.Items[i].Quantity += qty
		c.Items[i].UnitPrice = unitPrice
	} else {
		if len(c.Items) >= MaxItems {
			return errors.Wrapf(ErrTooManyItems, "limit %d", MaxItems)
		}
		c.Items = append(c.Items, Item{SKU: sku, Quantity: qty, UnitPrice: unitPrice})
	}
	c.touch(now)
	return nil
}

func (c *Cart) RemoveItem(sku string, now time.Time) error {
	if err := c.mutable(); err != nil {
		return err
	}
	i := c.indexOf(sku)
	if i < 0 {
		return errors.Wrapf(ErrItemNotFound, "sku %s", sku)
	}
	c.Items = append(c.Items[:i], c.Items[i+1:]...)
	c.touch(now)
	return nil
}

// ApplyCoupon 同一优惠码 (不区分大小写) 只能使用一次
func (c *Cart) ApplyCoupon(code string, discount decimal.Decimal, now time.Time) error {
	if err := c.mutable(); err != nil {
		return err
	}
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" || discount.IsNegative() {
		return errors.Wrapf(ErrInvalidItem, "coupon %q discount %s", code, discount)
	}
	for _, cp := range c.Coupons {
		if cp.Code == code {
			return errors.Wrapf(ErrCouponApplied, "code %s", code)
		}
	}
	c.Coupons = append(c.Coupons, Coupon{Code: code, Discount: discount})
	c.touch(now)
	return nil
}

// Abandon ACTIVE -> ABANDONED
func (c *Cart) Abandon(now time.Time) error {
	if err := c.mutable(); err != nil {
		return err
	}
	c.Status = StatusAbandoned
	c.UpdatedAt = now
	return nil
}

// Expire 任意非终态 -> EXPIRED
func (c *Cart) Expire(now time.Time) error {
	if c.Status.IsTerminal() {
		return errors.Wrapf(ErrCartTerminal, "expire %s cart %s", c.Status, c.ID)
	}
	c.Status = StatusExpired
	c.UpdatedAt = now
	return nil
}

// Convert 下单后 ACTIVE -> CONVERTED，空车不能下单
func (c *Cart) Convert(now time.Time) error {
	if err := c.mutable(); err != nil {
		return err
	}
	if len(c.Items) == 0 {
		return errors.Wrapf(ErrEmptyCart, "cart %s", c.ID)
	}
	c.Status = StatusConverted
	c.touch(now)
	return nil
}

// MergeInto 把当前购物车的商品和优惠券并入 target，当前购物车变为 MERGED
func (c *Cart) MergeInto(target *Cart, now time.Time) error {
	if err := c.mutable(); err != nil {
		return err
	}
	if err := target.mutable(); err != nil {
		return err
	}
	if c.ID == target.ID {
		return errors.Wrap(ErrInvalidItem, "cannot merge a cart into itself")
	}
	if c.Currency != target.Currency {
		return errors.Wrapf(ErrCurrencyMismatch, "%s into %s", c.Currency, target.Currency)
	}
	for _, it := range c.Items {
		if err := target.AddItem(it.SKU, it.Quantity, it.UnitPrice, now); err != nil {
			return err
		}
	}
	for _, cp := range c.Coupons {
		if err := target.ApplyCoupon(cp.Code, cp.Discount, now); err != nil && !errors.Is(err, ErrCouponApplied) {
			return err
		}
	}
	c.Status = StatusMerged
	c.touch(now)
	return nil
}

// Subtotal 商品金额合计
func (c *Cart) Subtotal() decimal.Decimal {
	sum := decimal.Zero
	for _, it := range c.Items {
		sum = sum.Add(it.LineTotal())
	}
	return sum
}

// Total 扣除优惠后的金额，不低于 0
func (c *Cart) Total() decimal.Decimal {
	total := c.Subtotal()
	for _, cp := range c.Coupons {
		total = total.Sub(cp.Discount)
	}
	if total.IsNegative() {
		return decimal.Zero
	}
	return total
}

// ItemCount 商品总件数
func (c *Cart) ItemCount() int {
	n := 0
	for _, it := range c.Items {
		n += it.Quantity
	}
	return n
}

// ExpiredAt 判断购物车在 now 时是否已超过 ttl 未活动
func (c *Cart) ExpiredAt(ttl time.Duration, now time.Time) bool {
	return c.Status == StatusActive && c.LastActivityAt.Add(ttl).Before(now)
}

func (c *Cart) mutable() error {
	if c.Status != StatusActive {
		return errors.Wrapf(ErrCartNotActive, "cart %s is %s", c.ID, c.Status)
	}
	return nil
}

func (c *Cart) touch(now time.Time) {
	c.UpdatedAt = now
	c.LastActivityAt = now
}

func (c *Cart) indexOf(sku string) int {
	for i, it := range c.Items {
		if it.SKU == sku {
			return i
		}
	}
	return -1
}

// Repository 购物车持久化接口
type Repository interface {
	// Save 新购物车 (Version == 0) 插入，否则按版本号乐观更新
	Save(ctx context.Context, c *Cart) error
	FindByID(ctx context.Context, id string) (*Cart, error)
	// FindInactive 返回 LastActivityAt 早于 cutoff 的 ACTIVE 购物车，按 (LastActivityAt, ID) 升序，
	// after 非 nil 时只返回排在 after 之后的购物车
	FindInactive(ctx context.Context, cutoff time.Time, after *Cursor, limit int) ([]*Cart, error)
}

// Cursor 是清扫分页的位置
type Cursor struct {
	LastActivityAt time.Time
	ID             string
}

// CursorOf 返回 c 所在的分页位置
func CursorOf(c *Cart) *Cursor {
	return &Cursor{LastActivityAt: c.LastActivityAt, ID: c.ID}
}

// Covers 报告 c 是否排在 cur 之前或就是 cur
func (cur *Cursor) Covers(c *Cart) bool {
	if c.LastActivityAt.Equal(cur.LastActivityAt) {
		return c.ID <= cur.ID
	}
	return c.LastActivityAt.Before(cur.LastActivityAt)
}
