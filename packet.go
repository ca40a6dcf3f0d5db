package esp8266

import "sync"

// packet is a chunk of data received from one socket.
type packet struct {
	next *packet
	id   int
	data []byte
}

type sockState uint8

const (
	sockClosed sockState = iota // never opened or closed locally
	sockOpen
	sockEOF // closed by the remote side or the ESP8266
)

// queue holds packets received from all sockets in arrival order. Packets are
// appended at the tail and taken from the head, skipping packets of other
// sockets.
type queue struct {
	mu    sync.Mutex
	head  *packet
	tail  **packet
	n     int
	state [MaxSockets]sockState
	wait  chan struct{} // closed (and replaced) on every change
	err   error         // the input stream failed
}

func (q *queue) init() {
	q.tail = &q.head
	q.wait = make(chan struct{})
}

// changed must be called with q.mu locked.
func (q *queue) changed() {
	close(q.wait)
	q.wait = make(chan struct{})
}

func (q *queue) push(id int, data []byte) {
	p := &packet{id: id, data: data}
	q.mu.Lock()
	*q.tail = p
	q.tail = &p.next
	q.n++
	q.changed()
	q.mu.Unlock()
}

// take copies the data of the first packet from socket id into buf. A packet
// that does not fit in buf is left in place with the copied prefix removed.
// It must be called with q.mu locked.
func (q *queue) take(id int, buf []byte) (n int, ok bool) {
	for pp := &q.head; *pp != nil; pp = &(*pp).next {
		p := *pp
		if p.id != id {
			continue
		}
		n = copy(buf, p.data)
		if n < len(p.data) {
			p.data = p.data[n:]
			return n, true
		}
		*pp = p.next
		if q.tail == &p.next {
			q.tail = pp
		}
		q.n--
		return n, true
	}
	return 0, false
}

// drop removes all packets from socket id. It must be called with q.mu
// locked.
func (q *queue) drop(id int) {
	pp := &q.head
	for *pp != nil {
		p := *pp
		if p.id != id {
			pp = &p.next
			continue
		}
		*pp = p.next
		if q.tail == &p.next {
			q.tail = pp
		}
		q.n--
	}
}

func (q *queue) setState(id int, s sockState) {
	q.mu.Lock()
	q.state[id] = s
	q.changed()
	q.mu.Unlock()
}

// report applies a socket state reported by the ESP8266. A close report for a
// socket that is already closed locally is ignored.
func (q *queue) report(id int, s sockState) {
	q.mu.Lock()
	if s == sockOpen || q.state[id] != sockClosed {
		q.state[id] = s
		q.changed()
	}
	q.mu.Unlock()
}

func (q *queue) getState(id int) sockState {
	q.mu.Lock()
	s := q.state[id]
	q.mu.Unlock()
	return s
}

// reset drops all packets from socket id and sets its state to s.
func (q *queue) reset(id int, s sockState) {
	q.mu.Lock()
	q.drop(id)
	q.state[id] = s
	q.changed()
	q.mu.Unlock()
}

func (q *queue) readable() bool {
	q.mu.Lock()
	n := q.n
	q.mu.Unlock()
	return n != 0
}

// fail informs all waiting readers that no more data will be received.
func (q *queue) fail(err error) {
	q.mu.Lock()
	if q.err == nil {
		q.err = err
		q.changed()
	}
	q.mu.Unlock()
}
