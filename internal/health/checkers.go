// SPDX-License-Identifier: MIT

package health

import (
	"context"
	"fmt"
	"os"

	"github.com/aquifercache/aquifer/qcache"
)

// pinger is implemented by cache backends that talk to an external server.
// Embedded backends have nothing to ping and are healthy as long as the
// process holds them.
type pinger interface {
	Ping(ctx context.Context) error
}

// CacheChecker probes the query cache backend.
type CacheChecker struct {
	store qcache.Store
}

func NewCacheChecker(store qcache.Store) *CacheChecker {
	return &CacheChecker{store: store}
}

func (c *CacheChecker) Name() string { return "cache" }

func (c *CacheChecker) Check(ctx context.Context) CheckResult {
	if c.store == nil {
		return CheckResult{Status: StatusUnhealthy, Error: "no cache store configured"}
	}
	if p, ok := c.store.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
		}
		return CheckResult{Status: StatusHealthy, Message: "backend reachable"}
	}
	stats := c.store.Stats()
	return CheckResult{
		Status:  StatusHealthy,
		Message: fmt.Sprintf("%d entries", stats.Size),
	}
}

// PingChecker wraps any dependency that exposes a ping, such as the manifest
// store's database handle.
type PingChecker struct {
	name string
	ping func(ctx context.Context) error
}

func NewPingChecker(name string, ping func(ctx context.Context) error) *PingChecker {
	return &PingChecker{name: name, ping: ping}
}

func (c *PingChecker) Name() string { return c.name }

func (c *PingChecker) Check(ctx context.Context) CheckResult {
	if c.ping == nil {
		return CheckResult{Status: StatusHealthy, Message: "not configured (optional)"}
	}
	if err := c.ping(ctx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	return CheckResult{Status: StatusHealthy, Message: "reachable"}
}

// RouterChecker reports unready until at least one procedure is registered.
// It takes a func because config reloads swap the router.
type RouterChecker struct {
	procedures func() int
}

func NewRouterChecker(procedures func() int) *RouterChecker {
	return &RouterChecker{procedures: procedures}
}

func (c *RouterChecker) Name() string { return "router" }

func (c *RouterChecker) Check(_ context.Context) CheckResult {
	if c.procedures == nil {
		return CheckResult{Status: StatusUnhealthy, Error: "no router wired"}
	}
	n := c.procedures()
	if n == 0 {
		return CheckResult{Status: StatusUnhealthy, Error: "no procedures registered"}
	}
	return CheckResult{
		Status:  StatusHealthy,
		Message: fmt.Sprintf("%d procedures", n),
	}
}

// DirChecker verifies a directory the daemon writes into, currently the
// snapshot directory. A missing directory degrades the service but does not
// make it unready; RPC traffic is unaffected.
type DirChecker struct {
	name string
	path string
}

func NewDirChecker(name, path string) *DirChecker {
	return &DirChecker{name: name, path: path}
}

func (c *DirChecker) Name() string { return c.name }

func (c *DirChecker) Check(_ context.Context) CheckResult {
	if c.path == "" {
		return CheckResult{Status: StatusHealthy, Message: "not configured (optional)"}
	}
	info, err := os.Stat(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return CheckResult{Status: StatusDegraded, Error: "directory does not exist", Message: c.path}
		}
		return CheckResult{Status: StatusDegraded, Error: err.Error()}
	}
	if !info.IsDir() {
		return CheckResult{Status: StatusDegraded, Error: "not a directory", Message: c.path}
	}
	return CheckResult{Status: StatusHealthy, Message: "present"}
}
