package lookup

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// StaticService serves lookups from in-memory fixtures. It backs local
// development and tests when no database is configured.
type StaticService struct {
	mu        sync.RWMutex
	customers map[string]Customer // keyed by phone number
	orders    map[string]Order
	products  []Product
}

func NewStaticService() *StaticService {
	return &StaticService{
		customers: make(map[string]Customer),
		orders:    make(map[string]Order),
	}
}

// AddCustomer registers a fixture customer keyed by phone number.
func (s *StaticService) AddCustomer(c Customer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.customers[c.PhoneNumber] = c
}

func (s *StaticService) AddOrder(o Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = o
}

func (s *StaticService) AddProduct(p Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products = append(s.products, p)
}

func (s *StaticService) CustomerContext(_ context.Context, phoneNumber string) (Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.customers[phoneNumber]
	if !ok {
		return Customer{}, ErrNotFound
	}
	return c, nil
}

func (s *StaticService) OrderStatus(_ context.Context, orderID string) (Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[orderID]
	if !ok {
		return Order{}, ErrNotFound
	}
	return o, nil
}

func (s *StaticService) SearchProducts(_ context.Context, query string, limit int) ([]Product, error) {
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	needle := strings.ToLower(strings.TrimSpace(query))

	s.mu.RLock()
	defer s.mu.RUnlock()
	matches := make([]Product, 0, limit)
	for _, p := range s.products {
		if needle == "" || strings.Contains(strings.ToLower(p.Name), needle) {
			matches = append(matches, p)
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Name < matches[j].Name })
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}
