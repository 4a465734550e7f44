package coordinator

import (
	"context"

	"github.com/stableinfra/go-sdk/pkg/resilience"
)

// statePersistence keeps a primitive's snapshot under a coordinator state
// key so that multiple processes share circuit/limiter/cache state.
type statePersistence struct {
	coord Coordinator
	key   string
}

// NewPersistence adapts a coordinator state key to the resilience
// Persistence interface.
func NewPersistence(coord Coordinator, key string) resilience.Persistence {
	return &statePersistence{coord: coord, key: key}
}

// Load returns the stored snapshot, or nil when none exists.
func (p *statePersistence) Load() ([]byte, error) {
	value, ok, err := p.coord.GetState(context.Background(), p.key)
	if err != nil || !ok {
		return nil, err
	}
	raw, ok := value.([]byte)
	if !ok {
		return nil, nil
	}
	return raw, nil
}

// Store persists a snapshot.
func (p *statePersistence) Store(snapshot []byte) error {
	return p.coord.SetState(context.Background(), p.key, snapshot)
}
