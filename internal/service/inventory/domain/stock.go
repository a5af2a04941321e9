// internal/service/inventory/domain/stock.go
package domain

import (
	"fmt"
	"sort"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrUnknownSKU          = errors.New("unknown sku")
	ErrReservationState    = errors.New("reservation is not in a state that allows this operation")
	ErrReservationNotFound = errors.New("reservation not found")
	ErrInvalidQuantity     = errors.New("quantity must be positive")
)

// LineError 指明是哪一个 SKU 导致预占失败
type LineError struct {
	SKU string
	Err error
}

func (e *LineError) Error() string { return fmt.Sprintf("%s: %v", e.SKU, e.Err) }
func (e *LineError) Unwrap() error { return e.Err }

// Stock 是一个 SKU 的库存。Available = OnHand - Reserved。
type Stock struct {
	SKU       string
	OnHand    int
	Reserved  int
	UpdatedAt time.Time
}

func (s *Stock) Available() int {
	return s.OnHand - s.Reserved
}

// Line 是一行预占
type Line struct {
	SKU      string
	Quantity int
}

// MergeLines 合并重复 SKU，并按 SKU 排序 (加锁顺序固定，避免死锁)
func MergeLines(lines []Line) ([]Line, error) {
	qty := make(map[string]int, len(lines))
	for _, l := range lines {
		if l.Quantity < 1 {
			return nil, &LineError{SKU: l.SKU, Err: ErrInvalidQuantity}
		}
		qty[l.SKU] += l.Quantity
	}
	out := make([]Line, 0, len(qty))
	for sku, q := range qty {
		out = append(out, Line{SKU: sku, Quantity: q})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SKU < out[j].SKU })
	return out, nil
}

// SKUs 返回行中的 SKU
func SKUs(lines []Line) []string {
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		out = append(out, l.SKU)
	}
	return out
}
