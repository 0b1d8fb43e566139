package dispatch

// Stats holds the dispatcher statistics.
type Stats struct {
	Name          string `json:"name"`
	Running       bool   `json:"running"`
	Workers       int    `json:"workers"`
	DiscardPolicy string `json:"discardPolicy"`

	Submitted   uint64 `json:"submitted"`
	Processed   uint64 `json:"processed"`
	Failed      uint64 `json:"failed"`
	Aborted     uint64 `json:"aborted"`
	Dropped     uint64 `json:"dropped"`
	RateLimited uint64 `json:"rateLimited"`

	// DroppedSinceLastOverflow holds the drops of the current overflow.
	DroppedSinceLastOverflow uint64 `json:"droppedSinceLastOverflow"`

	QueueLength        int     `json:"queueLength"`
	QueueCapacity      int     `json:"queueCapacity"`
	AverageQueueLength float64 `json:"averageQueueLength"`

	Overflow  bool `json:"overflow"`
	QueueFull bool `json:"queueFull"`
}

// Stats returns the current statistics.
func (d *Dispatcher) Stats() Stats {
	d.lock.Lock()
	defer d.lock.Unlock()

	return Stats{
		Name:          d.name,
		Running:       d.running,
		Workers:       d.cfg.Workers,
		DiscardPolicy: d.cfg.DiscardPolicy,

		Submitted:   d.stats.submitted.Load(),
		Processed:   d.stats.processed.Load(),
		Failed:      d.stats.failed.Load(),
		Aborted:     d.stats.aborted.Load(),
		Dropped:     d.stats.dropped.Load(),
		RateLimited: d.stats.rateLimited.Load(),

		DroppedSinceLastOverflow: d.overflow.droppedSinceLastOverflow,

		QueueLength:        d.queue.len(),
		QueueCapacity:      d.queue.capacity,
		AverageQueueLength: d.overflow.averageSize(),

		Overflow:  d.overflow.thresholdExceeded,
		QueueFull: d.overflow.queueFull,
	}
}

// QueueLength returns the number of queued units.
func (d *Dispatcher) QueueLength() int {
	d.lock.Lock()
	defer d.lock.Unlock()

	return d.queue.len()
}
