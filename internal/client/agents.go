package client

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/zulandar/switchboard/internal/api"
)

// AgentCache is the console's copy of the agent directory. Call counts
// and statuses belong to the server; the cache only mirrors the last
// listing and implements orchestrator.Directory so it is refreshed after
// every transfer stage.
type AgentCache struct {
	Client *Client

	mu        sync.RWMutex
	agents    map[string]api.Agent
	refreshed time.Time
}

// Refresh reloads every agent from the server.
func (a *AgentCache) Refresh(ctx context.Context) error {
	list, err := a.Client.ListAgents(ctx)
	if err != nil {
		return err
	}
	m := make(map[string]api.Agent, len(list))
	for _, ag := range list {
		m[ag.ID] = ag
	}
	a.mu.Lock()
	a.agents = m
	a.refreshed = time.Now()
	a.mu.Unlock()
	return nil
}

// Get returns the cached agent with the given id.
func (a *AgentCache) Get(id string) (api.Agent, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ag, ok := a.agents[id]
	return ag, ok
}

// Available returns cached agents that can take a transfer, excluding
// exclude, ordered by current load then id.
func (a *AgentCache) Available(exclude string) []api.Agent {
	a.mu.RLock()
	out := make([]api.Agent, 0, len(a.agents))
	for _, ag := range a.agents {
		if ag.Available && ag.ID != exclude {
			out = append(out, ag)
		}
	}
	a.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CurrentCalls != out[j].CurrentCalls {
			return out[i].CurrentCalls < out[j].CurrentCalls
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// RefreshedAt returns when the cache was last loaded.
func (a *AgentCache) RefreshedAt() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.refreshed
}
