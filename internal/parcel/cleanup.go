package parcel

// Cleanup is an ordered list of deferred actions run when a parcel's
// backing buffer is released: freeing HIDL descriptor allocations, closing
// fds the parcel took ownership of, releasing references taken on encoded
// local/remote objects. Mirrors gbinder_cleanup.c's plain linked list of
// (fn, pointer) pairs; Go has closures, so each entry is just a func().
type Cleanup struct {
	actions []func()
}

// Add appends an action to run on Release, in the order added.
func (c *Cleanup) Add(fn func()) {
	if fn != nil {
		c.actions = append(c.actions, fn)
	}
}

// Release runs every pending action in order and clears the list. Safe to
// call more than once; the second call is a no-op.
func (c *Cleanup) Release() {
	actions := c.actions
	c.actions = nil
	for _, fn := range actions {
		fn()
	}
}

// Reset drops pending actions without running them, used when a parcel's
// contents are being replaced wholesale (gbinder_cleanup_reset).
func (c *Cleanup) Reset() {
	c.actions = nil
}
