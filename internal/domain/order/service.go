package order

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/tableside/internal/domain/menu"
)

// ItemRequest is one requested line of a submission.
type ItemRequest struct {
	MenuItemID string
	Quantity   int
	Options    []OptionRef
}

// OptionRef names a chosen option by group and name.
type OptionRef struct {
	Group string
	Name  string
}

// SubmitRequest holds the input for submitting an order.
type SubmitRequest struct {
	TenantID       string
	TableID        string
	IdempotencyKey string
	Items          []ItemRequest
	// ExpectedTotal is the total the client displayed. When set and different
	// from the catalog-priced total the submission is rejected.
	ExpectedTotal *decimal.Decimal
}

// SubmitResult holds the outcome of a submission.
type SubmitResult struct {
	Order *Order
	// Replayed is set when the idempotency key matched an existing order.
	Replayed bool
}

// UpdateStatusRequest holds the input for a status transition.
type UpdateStatusRequest struct {
	TenantID       string
	OrderID        string
	Target         Status
	IdempotencyKey string
	Actor          Actor
}

// ServiceOptions configures optional Service collaborators.
type ServiceOptions struct {
	Filter         *KeyFilter
	MeterProvider  metric.MeterProvider
	TracerProvider trace.TracerProvider
	Now            func() time.Time
}

func (o *ServiceOptions) setDefaults() {
	if o.MeterProvider == nil {
		o.MeterProvider = metricnoop.NewMeterProvider()
	}
	if o.TracerProvider == nil {
		o.TracerProvider = tracenoop.NewTracerProvider()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Service implements order submission and the status lifecycle.
type Service struct {
	catalog   menu.Catalog
	store     Store
	publisher Publisher
	filter    *KeyFilter
	now       func() time.Time
	tracer    trace.Tracer

	submitted   metric.Int64Counter
	replayed    metric.Int64Counter
	conflicts   metric.Int64Counter
	transitions metric.Int64Counter
}

// NewService creates an order Service.
func NewService(catalog menu.Catalog, store Store, publisher Publisher, opts ServiceOptions) (*Service, error) {
	opts.setDefaults()
	meter := opts.MeterProvider.Meter("tableside/order")

	s := &Service{
		catalog:   catalog,
		store:     store,
		publisher: publisher,
		filter:    opts.Filter,
		now:       opts.Now,
		tracer:    opts.TracerProvider.Tracer("tableside/order"),
	}
	var err error
	if s.submitted, err = meter.Int64Counter("tableside.orders.submitted",
		metric.WithDescription("Orders created"),
	); err != nil {
		return nil, errors.Wrap(err, "submitted counter")
	}
	if s.replayed, err = meter.Int64Counter("tableside.orders.replayed",
		metric.WithDescription("Submissions resolved to an existing order"),
	); err != nil {
		return nil, errors.Wrap(err, "replayed counter")
	}
	if s.conflicts, err = meter.Int64Counter("tableside.orders.out_of_stock",
		metric.WithDescription("Submissions rejected for insufficient stock"),
	); err != nil {
		return nil, errors.Wrap(err, "conflicts counter")
	}
	if s.transitions, err = meter.Int64Counter("tableside.orders.transitions",
		metric.WithDescription("Applied status transitions"),
	); err != nil {
		return nil, errors.Wrap(err, "transitions counter")
	}
	return s, nil
}

// SubmitOrder validates the request against the catalog and atomically
// reserves stock and creates the order. Retrying with the same idempotency key
// returns the original order and changes nothing.
func (s *Service) SubmitOrder(ctx context.Context, req SubmitRequest) (_ *SubmitResult, rerr error) {
	ctx, span := s.tracer.Start(ctx, "order.SubmitOrder",
		trace.WithAttributes(
			attribute.String("tenant.id", req.TenantID),
			attribute.String("table.id", req.TableID),
		),
	)
	defer func() {
		if rerr != nil {
			span.RecordError(rerr)
			span.SetStatus(codes.Error, rerr.Error())
		}
		span.End()
	}()
	tenant := metric.WithAttributes(attribute.String("tenant.id", req.TenantID))

	if err := validateShape(req); err != nil {
		return nil, err
	}

	checked := s.filter == nil || s.filter.MayContain(req.TenantID, req.IdempotencyKey)
	if checked {
		res, err := s.findReplay(ctx, req)
		if res != nil || err != nil {
			return res, err
		}
	}

	o, reservations, err := s.price(ctx, req)
	if err != nil {
		// The filter only knows keys this process committed recently. A
		// retry of an order committed elsewhere must not fail validation
		// against a catalog that changed since.
		if !checked {
			res, ferr := s.findReplay(ctx, req)
			if res != nil || ferr != nil {
				return res, ferr
			}
		}
		return nil, err
	}

	id, replayed, err := s.store.ReserveAndCreate(ctx, o, reservations)
	if err != nil {
		var oos *OutOfStockError
		if errors.As(err, &oos) {
			s.conflicts.Add(ctx, 1, tenant)
			zctx.From(ctx).Info("Order rejected: out of stock",
				zap.String("tenant_id", req.TenantID),
				zap.String("idempotency_key", req.IdempotencyKey),
				zap.Int("lines", len(oos.Lines)),
			)
			return nil, err
		}
		return nil, errors.Wrap(err, "reserve and create")
	}
	if s.filter != nil {
		s.filter.Add(req.TenantID, req.IdempotencyKey)
	}
	if replayed {
		s.replayed.Add(ctx, 1, tenant)
		return s.replay(ctx, req.TenantID, id)
	}

	s.submitted.Add(ctx, 1, tenant)
	zctx.From(ctx).Info("Order created",
		zap.String("order_id", o.ID),
		zap.String("tenant_id", o.TenantID),
		zap.String("table_id", o.TableID),
		zap.Stringer("total", o.TotalAmount),
	)
	s.publish(ctx, NewEvent(EventInserted, o))
	return &SubmitResult{Order: o}, nil
}

// findReplay returns the order already committed under the request's
// idempotency key, or nil when there is none.
func (s *Service) findReplay(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	id, err := s.store.FindByIdempotencyKey(ctx, req.TenantID, req.IdempotencyKey)
	switch {
	case errors.Is(err, ErrNotFound):
		return nil, nil
	case err != nil:
		return nil, errors.Wrap(err, "find by idempotency key")
	}
	s.replayed.Add(ctx, 1, metric.WithAttributes(attribute.String("tenant.id", req.TenantID)))
	return s.replay(ctx, req.TenantID, id)
}

func (s *Service) replay(ctx context.Context, tenantID, id string) (*SubmitResult, error) {
	o, err := s.store.Get(ctx, tenantID, id)
	if err != nil {
		return nil, errors.Wrap(err, "get replayed order")
	}
	return &SubmitResult{Order: o, Replayed: true}, nil
}

func validateShape(req SubmitRequest) error {
	if req.IdempotencyKey == "" {
		return ErrMissingIdempotencyKey
	}
	if req.TableID == "" {
		return &ValidationError{Field: "table_id", Reason: "table required"}
	}
	if len(req.Items) == 0 {
		return ErrEmptyOrder
	}
	for i, item := range req.Items {
		if item.MenuItemID == "" {
			return &ValidationError{Field: fmt.Sprintf("items[%d].menu_item_id", i), Reason: "menu item required"}
		}
		if item.Quantity < 1 {
			return &ValidationError{Field: fmt.Sprintf("items[%d].quantity", i), Reason: "quantity must be at least 1"}
		}
	}
	return nil
}

// price resolves every line against the catalog and builds the pending order
// with its stock reservations.
func (s *Service) price(ctx context.Context, req SubmitRequest) (*Order, []Reservation, error) {
	ids := make([]string, 0, len(req.Items))
	for _, item := range req.Items {
		if !slices.Contains(ids, item.MenuItemID) {
			ids = append(ids, item.MenuItemID)
		}
	}
	items, err := s.catalog.GetByIDs(ctx, req.TenantID, ids)
	if err != nil {
		return nil, nil, errors.Wrap(err, "get menu items")
	}
	byID := make(map[string]menu.Item, len(items))
	for _, it := range items {
		byID[it.ID] = it
	}

	var (
		lines        = make([]Line, len(req.Items))
		reservations []Reservation
		total        = decimal.Zero
	)
	for i, item := range req.Items {
		mi, ok := byID[item.MenuItemID]
		if !ok {
			return nil, nil, &ValidationError{
				Field:  fmt.Sprintf("items[%d].menu_item_id", i),
				Reason: fmt.Sprintf("unknown menu item %s", item.MenuItemID),
			}
		}
		if !mi.Available {
			return nil, nil, &ValidationError{
				Field:  fmt.Sprintf("items[%d].menu_item_id", i),
				Reason: fmt.Sprintf("%s is not available", mi.Name),
			}
		}

		unit := mi.Price
		opts := make([]LineOption, 0, len(item.Options))
		for _, ref := range item.Options {
			opt, ok := mi.Option(ref.Group, ref.Name)
			if !ok {
				return nil, nil, &ValidationError{
					Field:  fmt.Sprintf("items[%d].options", i),
					Reason: fmt.Sprintf("unknown option %s/%s for %s", ref.Group, ref.Name, mi.Name),
				}
			}
			opts = append(opts, LineOption{Group: opt.Group, Name: opt.Name, PriceDelta: opt.PriceDelta})
			unit = unit.Add(opt.PriceDelta)
		}

		lineTotal := unit.Mul(decimal.NewFromInt(int64(item.Quantity))).Round(2)
		lines[i] = Line{
			MenuItemID: mi.ID,
			Name:       mi.Name,
			UnitPrice:  mi.Price,
			Quantity:   item.Quantity,
			LineTotal:  lineTotal,
			Options:    opts,
		}
		total = total.Add(lineTotal)

		if mi.InventoryItemID != "" {
			reservations = append(reservations, Reservation{
				LineIndex:       i,
				MenuItemID:      mi.ID,
				Name:            mi.Name,
				InventoryItemID: mi.InventoryItemID,
				Quantity:        item.Quantity,
			})
		}
	}

	if req.ExpectedTotal != nil && !req.ExpectedTotal.Equal(total) {
		return nil, nil, &ValidationError{
			Field:  "expected_total",
			Reason: fmt.Sprintf("total changed: expected %s, now %s", req.ExpectedTotal.StringFixed(2), total.StringFixed(2)),
		}
	}

	now := s.now().UTC()
	return &Order{
		ID:             uuid.New().String(),
		TenantID:       req.TenantID,
		TableID:        req.TableID,
		Status:         StatusPending,
		Lines:          lines,
		TotalAmount:    total,
		IdempotencyKey: req.IdempotencyKey,
		Revision:       1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, reservations, nil
}

// UpdateStatus moves an order to req.Target if the state machine and the
// actor's role allow it.
func (s *Service) UpdateStatus(ctx context.Context, req UpdateStatusRequest) (_ *Order, rerr error) {
	ctx, span := s.tracer.Start(ctx, "order.UpdateStatus",
		trace.WithAttributes(
			attribute.String("tenant.id", req.TenantID),
			attribute.String("order.id", req.OrderID),
			attribute.String("order.target", string(req.Target)),
		),
	)
	defer func() {
		if rerr != nil {
			span.RecordError(rerr)
			span.SetStatus(codes.Error, rerr.Error())
		}
		span.End()
	}()

	if !req.Target.Valid() {
		return nil, &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", req.Target)}
	}
	if req.OrderID == "" {
		return nil, &ValidationError{Field: "order_id", Reason: "order required"}
	}

	o, replayed, err := s.store.Transition(ctx, TransitionRequest{
		TenantID:       req.TenantID,
		OrderID:        req.OrderID,
		Target:         req.Target,
		IdempotencyKey: req.IdempotencyKey,
	}, func(from Status) error {
		return Transition(from, req.Target, req.Actor.Role)
	})
	if err != nil {
		var itErr *IllegalTransitionError
		if errors.As(err, &itErr) {
			zctx.From(ctx).Warn("Illegal status transition",
				zap.String("order_id", req.OrderID),
				zap.String("from", string(itErr.From)),
				zap.String("to", string(itErr.To)),
				zap.String("role", string(req.Actor.Role)),
			)
			return nil, err
		}
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, errors.Wrap(err, "transition")
	}
	if replayed {
		return o, nil
	}

	s.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tenant.id", req.TenantID),
		attribute.String("order.status", string(o.Status)),
	))
	zctx.From(ctx).Info("Order status changed",
		zap.String("order_id", o.ID),
		zap.String("status", string(o.Status)),
		zap.Int64("revision", o.Revision),
		zap.String("actor", req.Actor.ID),
	)
	s.publish(ctx, NewEvent(EventUpdated, o))
	return o, nil
}

// GetOrder returns one order of the tenant.
func (s *Service) GetOrder(ctx context.Context, tenantID, orderID string) (*Order, error) {
	o, err := s.store.Get(ctx, tenantID, orderID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, errors.Wrap(err, "get order")
	}
	return o, nil
}

// ListOrders returns the tenant's orders matching f, oldest first.
func (s *Service) ListOrders(ctx context.Context, f ListFilter) ([]Order, error) {
	for _, st := range f.Statuses {
		if !st.Valid() {
			return nil, &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", st)}
		}
	}
	orders, err := s.store.List(ctx, f)
	if err != nil {
		return nil, errors.Wrap(err, "list orders")
	}
	return orders, nil
}

// publish hands a committed event to the dispatcher. The commit already
// happened, so failures are logged and views recover by reconciling.
func (s *Service) publish(ctx context.Context, e Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, e); err != nil {
		zctx.From(ctx).Warn("Publish order event",
			zap.String("order_id", e.OrderID),
			zap.String("type", string(e.Type)),
			zap.Error(err),
		)
	}
}
