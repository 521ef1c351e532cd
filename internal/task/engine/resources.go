package engine

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
)

// ResourceRequirements is what a ResourceBound task holds while it runs.
type ResourceRequirements struct {
	CPUCores  int64 `json:"cpu_cores"`
	MemoryMB  int64 `json:"memory_mb"`
	NetworkMB int64 `json:"network_mb"`
}

func (r ResourceRequirements) zero() bool {
	return r.CPUCores <= 0 && r.MemoryMB <= 0 && r.NetworkMB <= 0
}

// ResourceConfig sizes the pool. A zero capacity leaves that dimension unlimited.
type ResourceConfig struct {
	CPUCores  int64
	MemoryMB  int64
	NetworkMB int64
}

func (c ResourceConfig) validate() error {
	if c.CPUCores < 0 || c.MemoryMB < 0 || c.NetworkMB < 0 {
		return &ConfigError{Field: "resources", Reason: "capacities must be >= 0"}
	}
	return nil
}

func (c ResourceConfig) enabled() bool {
	return c.CPUCores > 0 || c.MemoryMB > 0 || c.NetworkMB > 0
}

// ResourcePool hands out weighted permits for cpu, memory and network.
type ResourcePool struct {
	cfg ResourceConfig
	cpu *semaphore.Weighted
	mem *semaphore.Weighted
	net *semaphore.Weighted
}

func NewResourcePool(cfg ResourceConfig) *ResourcePool {
	p := &ResourcePool{cfg: cfg}
	if cfg.CPUCores > 0 {
		p.cpu = semaphore.NewWeighted(cfg.CPUCores)
	}
	if cfg.MemoryMB > 0 {
		p.mem = semaphore.NewWeighted(cfg.MemoryMB)
	}
	if cfg.NetworkMB > 0 {
		p.net = semaphore.NewWeighted(cfg.NetworkMB)
	}
	return p
}

// Capacity returns the configured limits.
func (p *ResourcePool) Capacity() ResourceConfig { return p.cfg }

// Acquire blocks until req fits. Requests larger than capacity fail
// immediately with ErrInsufficientResources instead of waiting forever.
func (p *ResourcePool) Acquire(ctx context.Context, req ResourceRequirements) (release func(), err error) {
	if p == nil || req.zero() {
		return func() {}, nil
	}
	type claim struct {
		sem  *semaphore.Weighted
		n    int64
		cap  int64
		name string
	}
	claims := []claim{
		{p.cpu, req.CPUCores, p.cfg.CPUCores, "cpu"},
		{p.mem, req.MemoryMB, p.cfg.MemoryMB, "memory"},
		{p.net, req.NetworkMB, p.cfg.NetworkMB, "network"},
	}
	for _, c := range claims {
		if c.sem != nil && c.n > c.cap {
			return nil, fmt.Errorf("%w: %s wants %d, capacity %d", ErrInsufficientResources, c.name, c.n, c.cap)
		}
	}

	// Fixed acquisition order keeps concurrent callers from deadlocking.
	held := make([]claim, 0, len(claims))
	releaseHeld := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].sem.Release(held[i].n)
		}
	}
	for _, c := range claims {
		if c.sem == nil || c.n <= 0 {
			continue
		}
		if err := c.sem.Acquire(ctx, c.n); err != nil {
			releaseHeld()
			return nil, err
		}
		held = append(held, c)
	}
	return releaseHeld, nil
}
