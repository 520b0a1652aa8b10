package host

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrServiceNotFound is returned when calling a service nobody registered
var ErrServiceNotFound = errors.New("service not found")

// ServiceCall is one invocation of a service
type ServiceCall struct {
	Domain  string
	Service string
	Data    map[string]interface{}
}

// String returns the data value of key if it is a string
func (c ServiceCall) String(key string) (string, bool) {
	v, ok := c.Data[key].(string)
	return v, ok
}

// ServiceHandler handles a service call
type ServiceHandler func(ctx context.Context, call ServiceCall) error

// Services is the service registry of the host
type Services struct {
	bus      *Bus
	mu       sync.RWMutex
	handlers map[string]map[string]ServiceHandler
}

// NewServices creates an empty service registry
func NewServices(bus *Bus) *Services {
	return &Services{bus: bus, handlers: make(map[string]map[string]ServiceHandler)}
}

// Register registers handler for domain.service, replacing an existing one
func (s *Services) Register(domain, service string, handler ServiceHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handlers[domain] == nil {
		s.handlers[domain] = make(map[string]ServiceHandler)
	}
	s.handlers[domain][service] = handler
}

// Remove removes domain.service
func (s *Services) Remove(domain, service string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers[domain], service)
	if len(s.handlers[domain]) == 0 {
		delete(s.handlers, domain)
	}
}

// Has returns true if domain.service is registered
func (s *Services) Has(domain, service string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.handlers[domain][service]
	return ok
}

// List returns the registered services per domain, sorted
func (s *Services) List() map[string][]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make(map[string][]string, len(s.handlers))
	for domain, services := range s.handlers {
		for service := range services {
			result[domain] = append(result[domain], service)
		}
		sort.Strings(result[domain])
	}
	return result
}

// Call calls domain.service with data and waits for the handler to return.
// The handler runs on the calling goroutine.
func (s *Services) Call(ctx context.Context, domain, service string, data map[string]interface{}) error {
	s.mu.RLock()
	handler, ok := s.handlers[domain][service]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%s.%s: %w", domain, service, ErrServiceNotFound)
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	s.bus.Fire(EventCallService, map[string]interface{}{
		"domain":       domain,
		"service":      service,
		"service_data": data,
	})
	return handler(ctx, ServiceCall{Domain: domain, Service: service, Data: data})
}
