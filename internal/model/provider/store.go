package provider

// Store exposes provider lookup for the chat service and HTTP handlers.
type Store interface {
	List() []Provider
	FindByID(id string) (Provider, bool)
}

// MemoryStore implements Store with an in-memory slice.
type MemoryStore struct {
	items []Provider
}

// NewMemoryStore returns a MemoryStore preloaded with the supplied providers.
func NewMemoryStore(items []Provider) *MemoryStore {
	return &MemoryStore{items: append([]Provider(nil), items...)}
}

// List returns the configured providers in seed order.
func (s *MemoryStore) List() []Provider {
	return append([]Provider(nil), s.items...)
}

// FindByID looks up a provider by identifier.
func (s *MemoryStore) FindByID(id string) (Provider, bool) {
	for _, item := range s.items {
		if item.ID == id {
			return item, true
		}
	}
	return Provider{}, false
}
