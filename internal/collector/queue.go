package collector

// eventQueue is the ordered buffer of events awaiting transmission. It is not
// safe for concurrent use on its own; the collector mutex guards it.
type eventQueue struct {
	events []Event
}

func (q *eventQueue) append(e Event) {
	q.events = append(q.events, e)
}

// swap removes and returns the entire queue content, leaving the live queue
// empty. Events tracked during an in-flight transmission accumulate in the
// fresh queue and are unaffected by that flush's outcome.
func (q *eventQueue) swap() []Event {
	events := q.events
	q.events = nil
	return events
}

// prepend puts a failed batch's events back onto the head of the queue so the
// next flush preserves FIFO order relative to anything tracked since.
func (q *eventQueue) prepend(events []Event) {
	if len(events) == 0 {
		return
	}
	q.events = append(events, q.events...)
}

func (q *eventQueue) len() int {
	return len(q.events)
}
