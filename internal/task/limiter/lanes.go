package limiter

// lanes holds one FIFO queue per priority plus the per-lane service counters
// the weighted fair selector works from.
type lanes struct {
	queues  [len(lanesInOrder)][]*task
	weights [len(lanesInOrder)]float64
	served  [len(lanesInOrder)]uint64

	totalWeight float64
}

func newLanes(weights map[Priority]float64) *lanes {
	l := &lanes{}
	for _, p := range lanesInOrder {
		w := weights[p]
		l.weights[p.index()] = w
		l.totalWeight += w
	}
	return l
}

func (l *lanes) enqueue(t *task) {
	i := t.priority.index()
	l.queues[i] = append(l.queues[i], t)
}

// pop removes the head of lane p. It returns nil when the lane is empty.
func (l *lanes) pop(p Priority) *task {
	i := p.index()
	q := l.queues[i]
	if len(q) == 0 {
		return nil
	}
	t := q[0]
	q[0] = nil
	l.queues[i] = q[1:]
	if len(l.queues[i]) == 0 {
		// Drop the backing array so a large burst doesn't pin memory.
		l.queues[i] = nil
	}
	return t
}

func (l *lanes) len(p Priority) int { return len(l.queues[p.index()]) }

func (l *lanes) total() int {
	n := 0
	for i := range l.queues {
		n += len(l.queues[i])
	}
	return n
}

// selectNext picks the lane to serve next and charges it one dispatch.
func (l *lanes) selectNext() (Priority, bool) {
	p, ok := l.choose()
	if ok {
		l.served[p.index()]++
	}
	return p, ok
}

// peek returns the task selectNext would dispatch, without charging its lane.
func (l *lanes) peek() *task {
	p, ok := l.choose()
	if !ok {
		return nil
	}
	return l.queues[p.index()][0]
}

// choose applies the weighted fair rule. Lanes are scanned HIGH, MEDIUM, LOW.
// The first non-empty lane whose share of dispatches is below its share of
// total weight wins. If every non-empty lane is at or above its share, the
// first non-empty lane wins.
func (l *lanes) choose() (Priority, bool) {
	var servedTotal uint64
	for _, c := range l.served {
		servedTotal += c
	}

	fallback := Priority(0)
	for _, p := range lanesInOrder {
		i := p.index()
		if len(l.queues[i]) == 0 {
			continue
		}
		if fallback == 0 {
			fallback = p
		}
		expected := l.weights[i] / l.totalWeight
		actual := 0.0
		if servedTotal > 0 {
			actual = float64(l.served[i]) / float64(servedTotal)
		}
		if actual < expected {
			return p, true
		}
	}
	return fallback, fallback != 0
}

// reset empties every lane, zeroes the service counters and returns the
// dropped tasks in lane order.
func (l *lanes) reset() []*task {
	var dropped []*task
	for i := range l.queues {
		dropped = append(dropped, l.queues[i]...)
		l.queues[i] = nil
		l.served[i] = 0
	}
	return dropped
}

func (l *lanes) queuedCounts() LaneCounts {
	return LaneCounts{
		Total:  l.total(),
		High:   l.len(High),
		Medium: l.len(Medium),
		Low:    l.len(Low),
	}
}

func (l *lanes) servedCounts() LaneCounts {
	h, m, lo := l.served[High.index()], l.served[Medium.index()], l.served[Low.index()]
	return LaneCounts{
		Total:  int(h + m + lo),
		High:   int(h),
		Medium: int(m),
		Low:    int(lo),
	}
}
