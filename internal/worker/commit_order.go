package worker

import "sync"

type partitionKey struct {
	topic     string
	partition int32
}

type pendingCommit struct {
	key     partitionKey
	record  *Record
	done    bool
	dropped bool
}

// commitOrder releases offsets of one partition in the order their records
// were scheduled. A record is committed only once every earlier record of
// its partition reached a committable outcome, so a later offset never
// covers an earlier record that still has to be redelivered.
type commitOrder struct {
	mu     sync.Mutex
	queues map[partitionKey][]*pendingCommit
}

func newCommitOrder() *commitOrder {
	return &commitOrder{queues: make(map[partitionKey][]*pendingCommit)}
}

// track registers record behind every record of its partition scheduled so
// far. Callers track records in delivery order.
func (o *commitOrder) track(record *Record) *pendingCommit {
	p := &pendingCommit{
		key:    partitionKey{topic: record.Topic, partition: record.Partition},
		record: record,
	}

	o.mu.Lock()
	o.queues[p.key] = append(o.queues[p.key], p)
	o.mu.Unlock()
	return p
}

// settle marks p terminal and returns the records that may now be
// committed, oldest first. When commit is false p and every record queued
// after it are dropped: none of them is committed, and records tracked
// later start a fresh sequence.
func (o *commitOrder) settle(p *pendingCommit, commit bool) []*Record {
	o.mu.Lock()
	defer o.mu.Unlock()

	if p.dropped {
		return nil
	}

	queue := o.queues[p.key]
	if !commit {
		for i, entry := range queue {
			if entry != p {
				continue
			}
			for _, later := range queue[i:] {
				later.dropped = true
			}
			queue = queue[:i]
			break
		}
		o.store(p.key, queue)
		return nil
	}

	p.done = true
	var ready []*Record
	for len(queue) > 0 && queue[0].done {
		ready = append(ready, queue[0].record)
		queue[0] = nil
		queue = queue[1:]
	}
	o.store(p.key, queue)
	return ready
}

func (o *commitOrder) store(key partitionKey, queue []*pendingCommit) {
	if len(queue) == 0 {
		delete(o.queues, key)
		return
	}
	o.queues[key] = queue
}
