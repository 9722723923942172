package sigchan

// Chan is a coalescing, non-blocking signal. Emits while a signal is pending are dropped.
type Chan struct {
	c chan struct{}
}

func New(bufferSize int) *Chan {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	return &Chan{c: make(chan struct{}, bufferSize)}
}

// Emit raises the signal without blocking.
func (c *Chan) Emit() {
	select {
	case c.c <- struct{}{}:
	default:
	}
}

// C is the receive side, for select.
func (c *Chan) C() <-chan struct{} {
	return c.c
}

// Drain discards pending signals.
func (c *Chan) Drain() {
	for {
		select {
		case <-c.c:
		default:
			return
		}
	}
}
