package session

import (
	"errors"
	"fmt"
	"sync"
)

var ErrOwnerConflict = errors.New("document already has an owner")

// Registry records which documents currently have a Coordinator. Each host
// process creates one and hands it to every Open call.
type Registry struct {
	mu     sync.Mutex
	owners map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{owners: make(map[string]struct{})}
}

// Claim takes ownership of documentID. The returned release func gives it
// back and is safe to call more than once.
func (r *Registry) Claim(documentID string) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.owners[documentID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrOwnerConflict, documentID)
	}
	r.owners[documentID] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.owners, documentID)
			r.mu.Unlock()
		})
	}, nil
}

func (r *Registry) Owned(documentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.owners[documentID]
	return ok
}
