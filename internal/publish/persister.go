package publish

import (
	"context"
	"log"
	"time"

	"github.com/claytonnetvision/wodpulse/internal/session"
)

// Publisher announces stored sessions.
type Publisher interface {
	PublishFinalized(ctx context.Context, rec session.SessionRecord) error
}

const defaultPublishTimeout = 5 * time.Second

// PersistAndPublish saves through the wrapped persister and then publishes.
// A publish failure is logged and never fails the save.
type PersistAndPublish struct {
	persister session.Persister
	publisher Publisher
	logger    *log.Logger
	timeout   time.Duration
}

// Verify PersistAndPublish implements session.Persister
var _ session.Persister = (*PersistAndPublish)(nil)

func NewPersistAndPublish(persister session.Persister, publisher Publisher, logger *log.Logger) *PersistAndPublish {
	if persister == nil {
		panic("PersistAndPublish: persister cannot be nil")
	}
	if publisher == nil {
		panic("PersistAndPublish: publisher cannot be nil")
	}
	if logger == nil {
		panic("PersistAndPublish: logger cannot be nil")
	}
	return &PersistAndPublish{persister: persister, publisher: publisher, logger: logger, timeout: defaultPublishTimeout}
}

func (p *PersistAndPublish) SaveSession(ctx context.Context, rec session.SessionRecord) (string, error) {
	id, err := p.persister.SaveSession(ctx, rec)
	if err != nil {
		return "", err
	}
	rec.StoredID = id

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()
	if err := p.publisher.PublishFinalized(pubCtx, rec); err != nil {
		p.logger.Printf("PersistAndPublish: session %s stored but not published: %v", id, err)
	}
	return id, nil
}
