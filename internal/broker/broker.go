// Package broker implements the PaperBroker: the bridge between the OMS
// and the Exchange. It assigns broker/exchange IDs, forwards
// risk-accepted orders, polls exchange fills once per bar, and mirrors
// them back into OMS Order objects. Grounded on the teacher's
// internal/og/gateway.go (ack/fill polling loop) and internal/order's
// usecase orchestration, generalized from a single hard-coded venue
// connection into the OMS/Exchange bridge spec.md §4.4 describes.
package broker

import (
	"time"

	"github.com/yanun0323/decimal"

	"github.com/rsheftel/runner/internal/exchange"
	"github.com/rsheftel/runner/internal/idgen"
	"github.com/rsheftel/runner/internal/obs"
	"github.com/rsheftel/runner/internal/oms"
	"github.com/rsheftel/runner/internal/order"
	"github.com/rsheftel/runner/internal/xerrors"
)

// PaperBroker bridges one OrderManager to one PaperExchange.
type PaperBroker struct {
	mgr *oms.OrderManager
	xch *exchange.PaperExchange
	ids *idgen.Sequence

	brokerToUUID   map[string]string
	uuidToBroker   map[string]string
	uuidToExchange map[string]string
	// seenFills tracks fill_id per order so process_fills only mirrors
	// fills it has not already applied (exchange fills accumulate
	// across bars; the OMS append must stay idempotent).
	seenFills map[string]map[string]bool

	metrics *obs.Metrics
}

// SetMetrics attaches a metrics sink. Optional; a nil sink (the default)
// makes every Metrics method a no-op.
func (b *PaperBroker) SetMetrics(m *obs.Metrics) { b.metrics = m }

// New constructs a PaperBroker wired to mgr and xch.
func New(mgr *oms.OrderManager, xch *exchange.PaperExchange) *PaperBroker {
	return &PaperBroker{
		mgr:            mgr,
		xch:            xch,
		ids:            idgen.NewSequence("brk"),
		brokerToUUID:   make(map[string]string),
		uuidToBroker:   make(map[string]string),
		uuidToExchange: make(map[string]string),
		seenFills:      make(map[string]map[string]bool),
	}
}

// SendOrder requires o.State() == RISK_ACCEPTED, submits it to the
// exchange, records the broker/exchange IDs, and transitions o -> SENT.
func (b *PaperBroker) SendOrder(o *order.Order, now time.Time) error {
	if o.State() != order.RiskAccepted {
		return xerrors.Wrap(xerrors.ErrInvalidTransition, "send_order requires RISK_ACCEPTED")
	}
	brokerID := b.ids.Next()
	exchangeID := b.xch.ReceiveOrder(o.ProductType(), o.Symbol(), o.Side(), o.Quantity(), o.Type(), o.Details(), now)

	o.SetBrokerIDs(brokerID, exchangeID)
	b.brokerToUUID[brokerID] = o.UUID()
	b.uuidToBroker[o.UUID()] = brokerID
	b.uuidToExchange[o.UUID()] = exchangeID
	b.seenFills[o.UUID()] = make(map[string]bool)

	if err := b.mgr.ChangeState(o.UUID(), order.Sent, now); err != nil {
		return err
	}
	b.metrics.ObserveStateChange(order.Sent)
	return nil
}

// SendOrders sends every RISK_ACCEPTED order currently in the manager
// (spec.md §4.8 step 7).
func (b *PaperBroker) SendOrders(now time.Time) error {
	for _, o := range b.mgr.OrdersList(oms.Filter{State: order.RiskAccepted, HasState: true}) {
		if err := b.SendOrder(o, now); err != nil {
			return err
		}
	}
	return nil
}

// ProcessFills polls the exchange for every order the broker manages in
// {SENT, LIVE, PARTIALLY_FILLED}, applying new fills to the OMS order and
// transitioning it per spec.md §4.4: SENT -> LIVE on first observation
// (no fill yet, still resting); -> PARTIALLY_FILLED on a partial fill
// with remaining > 0; -> FILLED once fill_quantity == quantity.
func (b *PaperBroker) ProcessFills(now time.Time) error {
	candidates := append(
		b.mgr.OrdersList(oms.Filter{State: order.Sent, HasState: true}),
		append(
			b.mgr.OrdersList(oms.Filter{State: order.Live, HasState: true}),
			b.mgr.OrdersList(oms.Filter{State: order.PartiallyFilled, HasState: true})...,
		)...,
	)

	for _, o := range candidates {
		exchangeID, ok := b.uuidToExchange[o.UUID()]
		if !ok {
			continue
		}
		p, ok := b.xch.Order(exchangeID)
		if !ok {
			continue
		}

		seen := b.seenFills[o.UUID()]
		newFills := false
		for _, f := range p.Fills() {
			if seen[f.FillID] {
				continue
			}
			seen[f.FillID] = true
			if err := b.mgr.AddFill(o.UUID(), f); err != nil {
				return err
			}
			newFills = true
		}

		if p.IsCanceled() {
			if o.State() != order.Canceled {
				if err := b.mgr.ChangeState(o.UUID(), order.Canceled, now); err != nil {
					return err
				}
				b.metrics.ObserveStateChange(order.Canceled)
			}
			continue
		}

		switch {
		case o.FillQuantity().Equal(o.Quantity()) && o.FillQuantity().GreaterThan(decimal.Zero):
			if o.State() != order.Filled {
				if err := b.mgr.ChangeState(o.UUID(), order.Filled, now); err != nil {
					return err
				}
				b.metrics.ObserveStateChange(order.Filled)
			}
		case newFills && o.FillQuantity().GreaterThan(decimal.Zero):
			if o.State() != order.PartiallyFilled {
				if err := b.mgr.ChangeState(o.UUID(), order.PartiallyFilled, now); err != nil {
					return err
				}
				b.metrics.ObserveStateChange(order.PartiallyFilled)
			}
		case o.State() == order.Sent:
			if err := b.mgr.ChangeState(o.UUID(), order.Live, now); err != nil {
				return err
			}
			b.metrics.ObserveStateChange(order.Live)
		}
	}
	return nil
}

// Cancel requests cancellation of a live or partially filled order,
// walking CANCEL_REQUESTED -> CANCEL_SENT immediately (the paper venue
// has no network round trip to await) and resolving to CANCELED or back
// to LIVE depending on the exchange's outcome.
func (b *PaperBroker) Cancel(o *order.Order, now time.Time) error {
	if err := b.mgr.ChangeState(o.UUID(), order.CancelRequested, now); err != nil {
		return err
	}
	if err := b.mgr.ChangeState(o.UUID(), order.CancelSent, now); err != nil {
		return err
	}
	exchangeID, ok := b.uuidToExchange[o.UUID()]
	if !ok {
		return b.mgr.ChangeState(o.UUID(), order.Live, now)
	}
	if b.xch.Cancel(exchangeID) {
		return b.mgr.ChangeState(o.UUID(), order.Canceled, now)
	}
	return b.mgr.ChangeState(o.UUID(), order.Live, now)
}

// Replace requests a quantity/details change on a live or partially
// filled order, walking REPLACE_REQUESTED -> REPLACE_SENT and resolving
// to LIVE or REPLACE_REJECTED -> LIVE depending on the exchange's
// outcome.
func (b *PaperBroker) Replace(o *order.Order, quantity decimal.Decimal, details map[string]decimal.Decimal, now time.Time) error {
	if err := b.mgr.ChangeState(o.UUID(), order.ReplaceRequested, now); err != nil {
		return err
	}
	if err := b.mgr.ChangeState(o.UUID(), order.ReplaceSent, now); err != nil {
		return err
	}
	exchangeID, ok := b.uuidToExchange[o.UUID()]
	if !ok || !b.xch.Replace(exchangeID, quantity, details) {
		if err := b.mgr.ChangeState(o.UUID(), order.ReplaceRejected, now); err != nil {
			return err
		}
		return b.mgr.ChangeState(o.UUID(), order.Live, now)
	}
	o.Replace(quantity, details)
	return b.mgr.ChangeState(o.UUID(), order.Live, now)
}

// UUIDForBrokerOrderID resolves the broker-assigned ID back to an order
// UUID, used by replay/chaos harnesses that inject raw venue acks.
func (b *PaperBroker) UUIDForBrokerOrderID(brokerOrderID string) (string, bool) {
	uuid, ok := b.brokerToUUID[brokerOrderID]
	return uuid, ok
}
