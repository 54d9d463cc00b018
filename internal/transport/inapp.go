package transport

import (
	"context"
	"time"

	"github.com/google/uuid"

	"herald/internal/engine"
	"herald/internal/store"
	logx "herald/pkg/logx"
)

// InApp "sends" by appending the rendered payload to the durable inbox the
// notification-center UI reads. With no store configured it accepts every
// send without persisting, so observers see in-app deliveries on the bus
// topics only.
type InApp struct {
	st  store.Store
	log logx.Logger
}

func NewInApp(st store.Store, log logx.Logger) (*InApp, error) {
	if st == nil {
		log.Warn("inbox store disabled; in-app deliveries reach the bus only")
	}
	return &InApp{st: st, log: log}, nil
}

func (t *InApp) Send(ctx context.Context, req engine.SendRequest) error {
	if t.st == nil {
		return nil
	}
	return t.st.AppendInbox(ctx, store.Entry{
		ID:          uuid.NewString(),
		RecipientID: req.RecipientID,
		Subject:     req.Payload.Subject,
		Body:        req.Payload.Body,
		CreatedAt:   time.Now(),
	})
}

func (t *InApp) Probe(ctx context.Context) error {
	if t.st == nil {
		return nil
	}
	return t.st.Ping(ctx)
}
