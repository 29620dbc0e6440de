package matching

import "time"

// Public guest-facing operations. Validation order mirrors the vendor
// runtime so games observe the same error for the same misuse.

// Create allocates a context on port. Intervals follow the vendor
// contract: helloInterval and rexmtInterval must be non-zero for hello
// sources (Parent/P2P), rexmtInterval for everyone. A Child's maxnum is
// forced to 2 — itself and its parent.
func (r *Registry) Create(mode Mode, maxnum int, port uint16, rxbuflen int,
	helloInterval, keepAliveInterval time.Duration, retryCount int,
	rexmtInterval time.Duration, handler Handler) (int, error) {

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.initialized {
		return 0, ErrNotInitialized
	}
	if mode < ModeParent || mode > ModeP2P {
		return 0, ErrInvalidMode
	}
	if maxnum < 2 || maxnum > MaxMembers {
		return 0, ErrInvalidMaxnum
	}
	if port == 0 {
		return 0, ErrInvalidPort
	}
	if rxbuflen < 4*maxnum+4 {
		return 0, ErrRxbufTooShort
	}
	if mode != ModeChild && (helloInterval <= 0 || rexmtInterval <= 0) {
		return 0, ErrInvalidArg
	}
	if rexmtInterval <= 0 || retryCount < 0 || keepAliveInterval < 0 {
		return 0, ErrInvalidArg
	}
	for _, c := range r.contexts {
		if c.port == port {
			return 0, ErrPortInUse
		}
	}
	id, err := r.allocateID()
	if err != nil {
		return 0, err
	}

	if mode == ModeChild {
		maxnum = 2
	}
	c := &matchingContext{
		reg:               r,
		id:                id,
		mode:              mode,
		maxnum:            maxnum,
		port:              port,
		rxbufLen:          rxbuflen,
		helloInterval:     helloInterval.Microseconds(),
		keepAliveInterval: keepAliveInterval.Microseconds(),
		retryCount:        retryCount,
		rexmtInterval:     rexmtInterval.Microseconds(),
		handler:           handler,
		rxbuf:             make([]byte, rxbuflen),
	}
	r.contexts[id] = c
	r.metrics.ContextsCreated.Add(1)
	return id, nil
}

// Delete frees a stopped context.
func (r *Registry) Delete(id int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.initialized {
		return ErrNotInitialized
	}
	c := r.findContext(id)
	if c == nil {
		return ErrInvalidID
	}
	if c.status != ContextNotRunning {
		return ErrIsRunning
	}
	c.finalize()
	delete(r.contexts, id)
	return nil
}

// Start brings a context to Running. prio, stack and affinity are the
// guest thread parameters; they are recorded for the emulator glue and do
// not affect the goroutines.
func (r *Registry) Start(id, prio, stack, affinity int, helloOpt []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.initialized {
		return ErrNotInitialized
	}
	c := r.findContext(id)
	if c == nil {
		return ErrInvalidID
	}
	return c.start(helloOpt, prio, stack, affinity)
}

// Stop halts a context and joins its three worker goroutines before
// returning. Stopping a context that is not running is a no-op.
func (r *Registry) Stop(id int) error {
	r.mu.Lock()
	if !r.initialized {
		r.mu.Unlock()
		return ErrNotInitialized
	}
	c := r.findContext(id)
	if c == nil {
		r.mu.Unlock()
		return ErrInvalidID
	}
	if c.status != ContextRunning {
		r.mu.Unlock()
		return nil
	}
	c.status = ContextStopping
	r.mu.Unlock()

	// The worker loops need the registry lock to drain, so the join runs
	// without it.
	c.shutdown()
	return nil
}

// SelectTarget requests (or accepts) a pairing with addr.
func (r *Registry) SelectTarget(id int, addr Addr, opt []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, t, err := r.lookupTarget(id, addr)
	if err != nil {
		return err
	}
	if len(opt) > MaxOptLen {
		return ErrInvalidOptlen
	}
	return c.selectTarget(t, opt)
}

// CancelTargetWithOpt withdraws a pairing, sending opt with the CANCEL.
func (r *Registry) CancelTargetWithOpt(id int, addr Addr, opt []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, t, err := r.lookupTarget(id, addr)
	if err != nil {
		return err
	}
	if len(opt) > MaxOptLen {
		return ErrInvalidOptlen
	}
	c.cancelTarget(t, opt)
	return nil
}

// CancelTarget is CancelTargetWithOpt without opt data.
func (r *Registry) CancelTarget(id int, addr Addr) error {
	return r.CancelTargetWithOpt(id, addr, nil)
}

// SendData queues one acknowledged payload of 1..MaxDataLen bytes for an
// established peer.
func (r *Registry) SendData(id int, addr Addr, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.initialized {
		return ErrNotInitialized
	}
	c := r.findContext(id)
	if c == nil {
		return ErrInvalidID
	}
	t := c.findTarget(addr)
	if t == nil {
		return ErrUnknownTarget
	}
	if len(data) == 0 || len(data) > MaxDataLen {
		return ErrInvalidDatalen
	}
	return c.sendDataTo(t, data)
}

// AbortSendData drops an in-flight payload and returns the target to
// Ready.
func (r *Registry) AbortSendData(id int, addr Addr) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, t, err := r.lookupTarget(id, addr)
	if err != nil {
		return err
	}
	c.abortSendDataTo(t)
	return nil
}

// SetHelloOpt replaces the opt data carried by the hello beacon. Parents
// and P2P nodes only.
func (r *Registry) SetHelloOpt(id int, opt []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.initialized {
		return ErrNotInitialized
	}
	c := r.findContext(id)
	if c == nil {
		return ErrInvalidID
	}
	if c.mode == ModeChild {
		return ErrInvalidMode
	}
	if c.status != ContextRunning {
		return ErrNotRunning
	}
	if len(opt) > MaxHelloOptLen {
		return ErrInvalidOptlen
	}
	c.buildHelloMessage(opt)
	return nil
}

// GetHelloOpt copies the hello opt into buf and returns the number of
// bytes copied; with a nil buf it returns the full opt length.
func (r *Registry) GetHelloOpt(id int, buf []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.initialized {
		return 0, ErrNotInitialized
	}
	c := r.findContext(id)
	if c == nil {
		return 0, ErrInvalidID
	}
	if c.mode == ModeChild {
		return 0, ErrInvalidMode
	}
	if c.status != ContextRunning {
		return 0, ErrNotRunning
	}
	opt := c.helloOpt()
	if buf == nil {
		return len(opt), nil
	}
	return copy(buf, opt), nil
}

// GetMembers copies the current roster into out and returns the number
// copied; with a nil out it returns the roster size. A roster this node
// built lists itself first, then its established peers in insertion
// order; a roster adopted from a peer's MEMBER_LIST lists that peer first
// and leaves this node out.
func (r *Registry) GetMembers(id int, out []Member) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.initialized {
		return 0, ErrNotInitialized
	}
	c := r.findContext(id)
	if c == nil {
		return 0, ErrInvalidID
	}
	if c.status != ContextRunning {
		return 0, ErrNotRunning
	}
	members := c.members()
	if out == nil {
		return len(members), nil
	}
	return copy(out, members), nil
}

// lookupTarget resolves the context and target for the operations that
// need both, with the shared validation order.
func (r *Registry) lookupTarget(id int, addr Addr) (*matchingContext, *target, error) {
	if !r.initialized {
		return nil, nil, ErrNotInitialized
	}
	c := r.findContext(id)
	if c == nil {
		return nil, nil, ErrInvalidID
	}
	if c.status != ContextRunning {
		return nil, nil, ErrNotRunning
	}
	t := c.findTarget(addr)
	if t == nil {
		return nil, nil, ErrUnknownTarget
	}
	return c, t, nil
}
