package matching

import (
	"log/slog"
	"sync"
)

// Registry owns every matching context and the single coarse lock that
// protects all of their mutable state. Exactly one Registry exists per
// emulated process; Init and Term bracket its lifetime, and calling them
// concurrently with each other is undefined.
type Registry struct {
	mu          sync.Mutex
	initialized bool
	poolSize    int
	contexts    map[int]*matchingContext
	nextID      int

	clock      Clock
	sockets    SocketProvider
	local      LocalAddressProvider
	dispatcher Dispatcher
	metrics    *Metrics
	admin      *AdminServer
	cfg        config
}

// New assembles a registry with the given options. The registry is not
// usable until Init.
func New(opts ...Option) *Registry {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}

	r := &Registry{
		contexts:   make(map[int]*matchingContext),
		nextID:     1,
		clock:      cfg.clock,
		sockets:    cfg.sockets,
		local:      cfg.local,
		dispatcher: cfg.dispatcher,
		metrics:    newMetrics(),
		cfg:        cfg,
	}
	r.metrics.contextCountFn = r.contextCount
	return r
}

func (r *Registry) contextCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.contexts)
}

// Metrics returns the registry's operational counters.
func (r *Registry) Metrics() *Metrics { return r.metrics }

func (r *Registry) findContext(id int) *matchingContext {
	return r.contexts[id]
}

// allocateID rotates through 1..15, skipping IDs in use.
func (r *Registry) allocateID() (int, error) {
	for i := 0; i < maxContexts; i++ {
		cand := (r.nextID-1+i)%maxContexts + 1
		if _, used := r.contexts[cand]; !used {
			r.nextID = cand%maxContexts + 1
			return cand, nil
		}
	}
	return 0, ErrIDNotAvail
}

// Init brings the registry up. The pool is the guest memory region the
// vendor API hands in; this runtime only records its size.
func (r *Registry) Init(poolSize int, pool []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.initialized {
		return ErrAlreadyInitialized
	}
	if pool == nil || poolSize <= 0 {
		return ErrInvalidArg
	}
	r.poolSize = poolSize
	r.initialized = true

	if r.cfg.adminAddr != "" {
		as, err := NewAdminServer(r, r.cfg.adminAddr)
		if err != nil {
			slog.Error("admin server failed to start", "error", err)
		} else {
			r.admin = as
			as.Start()
		}
	}
	slog.Info("matching registry initialized", "pool_size", poolSize)
	return nil
}

// Term stops every context, then tears the registry down. It fails with
// Busy if a context is still Running or Stopping afterwards (a concurrent
// Stop in flight).
func (r *Registry) Term() error {
	r.mu.Lock()
	if !r.initialized {
		r.mu.Unlock()
		return ErrNotInitialized
	}
	var stopping []*matchingContext
	for id := 1; id <= maxContexts; id++ {
		c := r.contexts[id]
		if c != nil && c.status == ContextRunning {
			c.status = ContextStopping
			stopping = append(stopping, c)
		}
	}
	r.mu.Unlock()

	for _, c := range stopping {
		c.shutdown()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.contexts {
		if c.status != ContextNotRunning {
			return ErrBusy
		}
	}
	for id, c := range r.contexts {
		c.finalize()
		delete(r.contexts, id)
	}
	r.initialized = false

	if r.admin != nil {
		r.admin.Stop()
		r.admin = nil
	}
	slog.Info("matching registry terminated")
	return nil
}
