package saga

import (
	"fulfillment/internal/event"
	"fulfillment/internal/service/order/domain"
)

// ReasonStepTimeout 是超时取消记录在订单上的原因
const ReasonStepTimeout = "STEP_TIMEOUT"

// rule 描述一种事件的处理: 订单必须处于 from 之一，否则事件过期；
// acks 中的状态表示这是一条预期内的补偿回执，只登记不处理。
type rule struct {
	from  []domain.Status
	to    domain.Status
	acks  []domain.Status
	actor string
	apply func(s *step) error
}

func (r rule) accepts(s domain.Status) bool {
	for _, f := range r.from {
		if f == s {
			return true
		}
	}
	return false
}

var cancellable = []domain.Status{domain.StatusPending, domain.StatusConfirmed, domain.StatusProcessing}

func rulesTable() map[event.Type]rule {
	return map[event.Type]rule{
		event.OrderCreated: {
			from: []domain.Status{domain.StatusPending}, to: domain.StatusPending, actor: "order",
			apply: func(s *step) error {
				return s.emit(event.ReserveStockRequested, event.ReserveStockRequestedPayload{Items: s.order.StockLines()})
			},
		},
		event.ReservationConfirmed: {
			from: []domain.Status{domain.StatusPending}, to: domain.StatusConfirmed, actor: "inventory",
			apply: func(s *step) error {
				if err := s.transition(domain.StatusConfirmed, "stock reserved"); err != nil {
					return err
				}
				return s.emit(event.AuthorizePaymentRequested, event.AuthorizePaymentRequestedPayload{
					Amount:   s.order.Total(),
					Currency: s.order.Currency,
				})
			},
		},
		event.ReservationFailed: {
			from: []domain.Status{domain.StatusPending}, to: domain.StatusCancelled, actor: "inventory",
			apply: func(s *step) error {
				var p event.ReservationFailedPayload
				if err := s.decode(&p); err != nil {
					return err
				}
				return s.transition(domain.StatusCancelled, "Reservation failed: "+p.Reason)
			},
		},
		event.PaymentAuthorized: {
			from: []domain.Status{domain.StatusConfirmed}, to: domain.StatusProcessing, actor: "payment",
			apply: func(s *step) error {
				if err := s.transition(domain.StatusProcessing, "payment authorized"); err != nil {
					return err
				}
				return s.emit(event.CreateShipmentRequested, event.CreateShipmentRequestedPayload{
					CustomerID: s.order.CustomerID,
					Items:      s.order.StockLines(),
					Amount:     s.order.Total(),
					Currency:   s.order.Currency,
				})
			},
		},
		event.PaymentFailed: {
			from: []domain.Status{domain.StatusConfirmed}, to: domain.StatusCancelled, actor: "payment",
			apply: func(s *step) error {
				var p event.PaymentFailedPayload
				if err := s.decode(&p); err != nil {
					return err
				}
				reason := "Payment failed: " + p.Reason
				if err := s.emitCompensation(event.ReleaseStockRequested, reason); err != nil {
					return err
				}
				return s.transition(domain.StatusCancelled, reason)
			},
		},
		event.ShipmentCreated: {
			from: []domain.Status{domain.StatusProcessing}, to: domain.StatusShipped, actor: "shipping",
			apply: func(s *step) error {
				var p event.ShipmentCreatedPayload
				if err := s.decode(&p); err != nil {
					return err
				}
				if err := s.transition(domain.StatusShipped, "shipped via "+p.Carrier); err != nil {
					return err
				}
				s.order.AttachShipment(p.ShipmentID, p.TrackingNumber)
				return nil
			},
		},
		event.ShipmentCreationFailed: {
			from: []domain.Status{domain.StatusProcessing}, to: domain.StatusCancelled, actor: "shipping",
			apply: func(s *step) error {
				var p event.ShipmentCreationFailedPayload
				if err := s.decode(&p); err != nil {
					return err
				}
				reason := "Shipment creation failed: " + p.Reason
				if err := s.emitCompensation(event.RefundPaymentRequested, reason); err != nil {
					return err
				}
				if err := s.emitCompensation(event.ReleaseStockRequested, reason); err != nil {
					return err
				}
				return s.transition(domain.StatusCancelled, reason)
			},
		},
		event.DeliveryConfirmed: {
			from: []domain.Status{domain.StatusShipped}, to: domain.StatusDelivered, actor: "shipping",
			apply: func(s *step) error {
				return s.transition(domain.StatusDelivered, "delivered")
			},
		},
		event.ReturnRequested: {
			from: []domain.Status{domain.StatusDelivered, domain.StatusShipped}, to: domain.StatusReturned, actor: "customer",
			apply: func(s *step) error {
				var p event.ReturnRequestedPayload
				if err := s.decode(&p); err != nil {
					return err
				}
				if err := s.transition(domain.StatusReturned, p.Reason); err != nil {
					return err
				}
				return s.emit(event.RefundPaymentRequested, event.RefundPaymentRequestedPayload{Reason: "return: " + p.Reason})
			},
		},
		event.RefundCompleted: {
			from: []domain.Status{domain.StatusReturned}, to: domain.StatusRefunded, actor: "payment",
			// 取消流程中的退款回执
			acks: []domain.Status{domain.StatusCancelled},
			apply: func(s *step) error {
				return s.transition(domain.StatusRefunded, "refund completed")
			},
		},
		event.CancellationRequested: {
			from: cancellable, to: domain.StatusCancelled, actor: "customer",
			apply: func(s *step) error {
				var p event.CancellationRequestedPayload
				if err := s.decode(&p); err != nil {
					return err
				}
				reason := p.Reason
				if reason == "" {
					reason = "Cancelled by customer"
				}
				if p.RequestedBy != "" {
					s.actor = p.RequestedBy
				}
				if err := s.compensate(reason); err != nil {
					return err
				}
				return s.transition(domain.StatusCancelled, reason)
			},
		},
		event.OrderCompleted: {
			from: []domain.Status{domain.StatusDelivered}, to: domain.StatusCompleted, actor: "customer",
			apply: func(s *step) error {
				return s.transition(domain.StatusCompleted, "completed")
			},
		},
		event.StepTimedOut: {
			from: cancellable, to: domain.StatusCancelled, actor: "watchdog",
			apply: func(s *step) error {
				var p event.StepTimedOutPayload
				if err := s.decode(&p); err != nil {
					return err
				}
				// 订单在巡检之后已经推进
				if string(s.order.Status) != p.Status {
					return &domain.InvalidTransitionError{From: s.order.Status, To: domain.StatusCancelled}
				}
				if err := s.compensate(ReasonStepTimeout); err != nil {
					return err
				}
				return s.transition(domain.StatusCancelled, ReasonStepTimeout)
			},
		},
	}
}
