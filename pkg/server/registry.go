// Copyright © 2023 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package server

import (
	"sync"
	"time"
)

type registry struct {
	lock           sync.RWMutex // Protects the entire registry
	clients        map[string]*Client
	createdTime    time.Time
	maxClients     int
	maxClientsTime time.Time
	totalClients   uint64
}

// Stats contains summary information about a registry.
type Stats struct {
	Uptime         time.Duration `json:"uptime"`
	NumClients     int           `json:"num_clients"`
	MaxClients     int           `json:"max_clients"`
	MaxClientsTime time.Time     `json:"max_clients_at"`
	TotalClients   uint64        `json:"total_clients"`
}

// Stats gets stats for this registry.
func (reg *registry) Stats() Stats {
	reg.lock.RLock()
	defer reg.lock.RUnlock()

	return Stats{
		Uptime:         time.Since(reg.createdTime),
		NumClients:     len(reg.clients),
		MaxClients:     reg.maxClients,
		MaxClientsTime: reg.maxClientsTime,
		TotalClients:   reg.totalClients,
	}
}

func (reg *registry) add(c *Client) {
	reg.lock.Lock()
	defer reg.lock.Unlock()

	reg.clients[c.ID()] = c
	reg.totalClients++
	if len(reg.clients) > reg.maxClients {
		reg.maxClients = len(reg.clients)
		reg.maxClientsTime = time.Now()
	}
}

func (reg *registry) remove(id string) {
	reg.lock.Lock()
	defer reg.lock.Unlock()
	delete(reg.clients, id)
}

func (reg *registry) count() int {
	reg.lock.RLock()
	defer reg.lock.RUnlock()
	return len(reg.clients)
}

// snapshot returns the clients attached right now.
// Callers may write to them without holding the registry lock.
func (reg *registry) snapshot() []*Client {
	reg.lock.RLock()
	defer reg.lock.RUnlock()

	clients := make([]*Client, 0, len(reg.clients))
	for _, c := range reg.clients {
		clients = append(clients, c)
	}
	return clients
}
