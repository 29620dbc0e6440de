package matching

// Option configures a Registry at construction time.
type Option func(*config)

type config struct {
	clock      Clock
	sockets    SocketProvider
	local      LocalAddressProvider
	dispatcher Dispatcher

	// pipeDepth sizes each context's event pipe. The slot discipline
	// bounds live messages to three per target plus the hello tick and
	// the abort, so the default never overflows.
	pipeDepth int

	// Admin server address (e.g. "127.0.0.1:9090"). Empty = disabled.
	adminAddr string
}

func defaultConfig() config {
	return config{
		clock:      newSystemClock(),
		sockets:    udpProvider{},
		local:      ifaceAddrProvider{},
		dispatcher: syncDispatcher{},
		pipeDepth:  3*MaxMembers + 16,
	}
}

// WithClock substitutes the monotonic clock (tests).
func WithClock(c Clock) Option {
	return func(cfg *config) {
		cfg.clock = c
	}
}

// WithSocketProvider substitutes the UDP socket factory (tests, emulator
// network shims).
func WithSocketProvider(p SocketProvider) Option {
	return func(cfg *config) {
		cfg.sockets = p
	}
}

// WithLocalAddressProvider substitutes how the own ad-hoc address is
// resolved.
func WithLocalAddressProvider(p LocalAddressProvider) Option {
	return func(cfg *config) {
		cfg.local = p
	}
}

// WithDispatcher substitutes how game handler callbacks are invoked. The
// default calls the handler synchronously under the registry lock.
func WithDispatcher(d Dispatcher) Option {
	return func(cfg *config) {
		cfg.dispatcher = d
	}
}

// WithPipeDepth overrides the event pipe capacity.
func WithPipeDepth(n int) Option {
	return func(cfg *config) {
		if n > 0 {
			cfg.pipeDepth = n
		}
	}
}

// WithAdminAddr enables the admin HTTP server on addr.
func WithAdminAddr(addr string) Option {
	return func(cfg *config) {
		cfg.adminAddr = addr
	}
}
