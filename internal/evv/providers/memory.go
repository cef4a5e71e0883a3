// Package providers contains in-memory implementations of the out-of-scope
// subsystem interfaces (scheduling, client registry, caregiver registry).
// They back tests and single-node deployments; production deployments
// implement the same ports against the real systems.
package providers

import (
	"context"
	"sync"

	"careverify/internal/evv/ports"
	id "careverify/pkg/domain"
	dErrors "careverify/pkg/domain-errors"
)

// MemoryVisitProvider resolves visits from a registered set.
type MemoryVisitProvider struct {
	mu     sync.RWMutex
	visits map[id.VisitID]ports.VisitDetails
}

func NewMemoryVisitProvider(visits ...ports.VisitDetails) *MemoryVisitProvider {
	p := &MemoryVisitProvider{visits: make(map[id.VisitID]ports.VisitDetails)}
	for _, v := range visits {
		p.visits[v.VisitID] = v
	}
	return p
}

func (p *MemoryVisitProvider) Put(visit ports.VisitDetails) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.visits[visit.VisitID] = visit
}

func (p *MemoryVisitProvider) GetVisitForEVV(_ context.Context, visitID id.VisitID) (ports.VisitDetails, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	visit, ok := p.visits[visitID]
	if !ok {
		return ports.VisitDetails{}, dErrors.Newf(dErrors.CodeNotFound, "visit %s not found", visitID)
	}
	return visit, nil
}

// MemoryClientProvider resolves care recipients from a registered set.
type MemoryClientProvider struct {
	mu      sync.RWMutex
	clients map[id.ClientID]ports.ClientDetails
}

func NewMemoryClientProvider(clients ...ports.ClientDetails) *MemoryClientProvider {
	p := &MemoryClientProvider{clients: make(map[id.ClientID]ports.ClientDetails)}
	for _, c := range clients {
		p.clients[c.ClientID] = c
	}
	return p
}

func (p *MemoryClientProvider) GetClientForEVV(_ context.Context, clientID id.ClientID) (ports.ClientDetails, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	client, ok := p.clients[clientID]
	if !ok {
		return ports.ClientDetails{}, dErrors.Newf(dErrors.CodeNotFound, "client %s not found", clientID)
	}
	return client, nil
}

// MemoryCaregiverProvider resolves caregivers and their authorizations.
// Authorization is denied unless explicitly granted with Authorize.
type MemoryCaregiverProvider struct {
	mu         sync.RWMutex
	caregivers map[id.CaregiverID]ports.CaregiverDetails
	grants     map[grantKey]bool
}

type grantKey struct {
	caregiverID id.CaregiverID
	serviceType id.ServiceTypeCode
	clientID    id.ClientID
}

func NewMemoryCaregiverProvider(caregivers ...ports.CaregiverDetails) *MemoryCaregiverProvider {
	p := &MemoryCaregiverProvider{
		caregivers: make(map[id.CaregiverID]ports.CaregiverDetails),
		grants:     make(map[grantKey]bool),
	}
	for _, c := range caregivers {
		p.caregivers[c.CaregiverID] = c
	}
	return p
}

func (p *MemoryCaregiverProvider) Put(caregiver ports.CaregiverDetails) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.caregivers[caregiver.CaregiverID] = caregiver
}

// Authorize grants a caregiver the right to provide a service to a client.
func (p *MemoryCaregiverProvider) Authorize(caregiverID id.CaregiverID, serviceType id.ServiceTypeCode, clientID id.ClientID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.grants[grantKey{caregiverID, serviceType, clientID}] = true
}

func (p *MemoryCaregiverProvider) GetCaregiverForEVV(_ context.Context, caregiverID id.CaregiverID) (ports.CaregiverDetails, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	caregiver, ok := p.caregivers[caregiverID]
	if !ok {
		return ports.CaregiverDetails{}, dErrors.Newf(dErrors.CodeNotFound, "caregiver %s not found", caregiverID)
	}
	return caregiver, nil
}

func (p *MemoryCaregiverProvider) CanProvideService(_ context.Context, caregiverID id.CaregiverID, serviceType id.ServiceTypeCode, clientID id.ClientID) (ports.ServiceAuthorization, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if _, ok := p.caregivers[caregiverID]; !ok {
		return ports.ServiceAuthorization{}, dErrors.Newf(dErrors.CodeNotFound, "caregiver %s not found", caregiverID)
	}
	if !p.grants[grantKey{caregiverID, serviceType, clientID}] {
		return ports.ServiceAuthorization{Authorized: false, Reason: "no service authorization on file"}, nil
	}
	return ports.ServiceAuthorization{Authorized: true}, nil
}
