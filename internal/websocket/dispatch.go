package websocket

import "sync"

// roomDispatcher runs jobs one at a time per room, off the manager's run
// loop. A room's goroutine exits once its queue drains.
type roomDispatcher struct {
	mu      sync.Mutex
	queues  map[string]*roomQueue
	backlog int
	wg      sync.WaitGroup
}

type roomQueue struct {
	jobs []func()
}

func newRoomDispatcher(backlog int) *roomDispatcher {
	return &roomDispatcher{queues: make(map[string]*roomQueue), backlog: backlog}
}

// dispatch queues job behind the room's earlier jobs. Droppable jobs are
// refused once the room's backlog is full.
func (d *roomDispatcher) dispatch(room string, job func(), droppable bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	q, running := d.queues[room]
	if running && droppable && d.backlog > 0 && len(q.jobs) >= d.backlog {
		return false
	}
	if !running {
		q = &roomQueue{}
		d.queues[room] = q
		d.wg.Add(1)
		go d.drain(room, q)
	}
	q.jobs = append(q.jobs, job)
	return true
}

func (d *roomDispatcher) drain(room string, q *roomQueue) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		if len(q.jobs) == 0 {
			delete(d.queues, room)
			d.mu.Unlock()
			return
		}
		job := q.jobs[0]
		q.jobs[0] = nil
		q.jobs = q.jobs[1:]
		d.mu.Unlock()

		job()
	}
}

func (d *roomDispatcher) wait() {
	d.wg.Wait()
}
