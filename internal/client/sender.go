package client

import (
	"context"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/xenking/tableside/internal/api"
	"github.com/xenking/tableside/internal/domain/order"
	"github.com/xenking/tableside/internal/domain/outbox"
)

var _ outbox.Sender = (*Sender)(nil)

// Sender delivers outbox entries through a Client, using the entry id as the
// idempotency key. Business rejections are wrapped with outbox.Reject so they
// leave the queue; everything else is a transient failure and the entry is
// retried under the same key.
type Sender struct {
	client *Client
	lg     *zap.Logger
	// OnSubmitted is called after a submission was acknowledged.
	OnSubmitted func(e outbox.Entry, resp *api.SubmitOrderResponse)
}

// NewSender creates a Sender.
func NewSender(c *Client, lg *zap.Logger) *Sender {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Sender{client: c, lg: lg}
}

// Send implements outbox.Sender.
func (s *Sender) Send(ctx context.Context, e outbox.Entry) error {
	switch e.Kind {
	case outbox.KindSubmitOrder:
		var req api.SubmitOrderRequest
		if err := e.Decode(&req); err != nil {
			return outbox.Reject(err)
		}
		resp, err := s.client.SubmitOrder(ctx, e.ID, req)
		if err != nil {
			return classify(err)
		}
		s.lg.Info("Order acknowledged",
			zap.String("entry_id", e.ID),
			zap.String("order_id", resp.OrderID),
			zap.Bool("replayed", resp.Replayed),
		)
		if s.OnSubmitted != nil {
			s.OnSubmitted(e, resp)
		}
		return nil

	case outbox.KindUpdateStatus:
		var cmd api.UpdateStatusCommand
		if err := e.Decode(&cmd); err != nil {
			return outbox.Reject(err)
		}
		o, err := s.client.UpdateStatus(ctx, e.ID, cmd.OrderID, order.Status(cmd.Status))
		if err != nil {
			return classify(err)
		}
		s.lg.Info("Status change acknowledged",
			zap.String("entry_id", e.ID),
			zap.String("order_id", o.ID),
			zap.String("status", o.Status),
		)
		return nil

	default:
		return outbox.Reject(errors.Errorf("unknown entry kind %q", e.Kind))
	}
}

func classify(err error) error {
	if IsBusiness(err) {
		return outbox.Reject(err)
	}
	return err
}
