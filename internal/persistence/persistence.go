package persistence

// Persistence bundles the store interfaces so the engine can depend on a
// single abstraction.
type Persistence struct {
	Configurations ConfigurationStore
	Definitions    DefinitionStore
	Trackers       TrackerStore
	Instances      InstanceStore
	Clicks         ClickStore
	Leases         Leaser
	Events         EventStore
}

// FromStore builds a Persistence whose stores are all backed by s.
// Events default to NoopEventStore.
func FromStore(s Store) Persistence {
	return Persistence{
		Configurations: s,
		Definitions:    s,
		Trackers:       s,
		Instances:      s,
		Clicks:         s,
		Leases:         s,
		Events:         NoopEventStore{},
	}
}

// NewInMemory returns a Persistence backed by a fresh InMemoryStore.
func NewInMemory() Persistence {
	return FromStore(NewInMemoryStore())
}
