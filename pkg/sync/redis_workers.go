package sync

import (
	"strconv"
	"time"
)

func (s *RedisService) barrierWorker() {
	defer s.wg.Done()

	pending := map[string][]*barrier{}
	keys := []string{}
	log := s.log.With("process", "barriers")

	// remove drops the barrier, and its key if no other barrier waits on it.
	remove := func(b *barrier) {
		key := b.key
		log.Debugw("stopping to monitor barrier", "key", key)

		for i, p := range pending[key] {
			if p == b {
				copy(pending[key][i:], pending[key][i+1:])
				pending[key][len(pending[key])-1] = nil
				pending[key] = pending[key][:len(pending[key])-1]
				break
			}
		}

		if len(pending[key]) != 0 {
			return
		}

		delete(pending, key)

		for i, k := range keys {
			if k == key {
				copy(keys[i:], keys[i+1:])
				keys[len(keys)-1] = ""
				keys = keys[:len(keys)-1]
				break
			}
		}
	}

	tick := time.NewTicker(s.cfg.PollInterval)
	defer tick.Stop()

	for {
		select {
		case b := <-s.barrierCh:
			if _, ok := pending[b.key]; !ok {
				log.Debugw("started monitoring barrier", "new", b.key, "all", keys)
				keys = append(keys, b.key)
			}
			pending[b.key] = append(pending[b.key], b)

		case <-tick.C:
			if len(pending) == 0 {
				continue
			}
			log.Debugw("checking barriers", "keys", keys)

		case <-s.ctx.Done():
			log.Debugw("yielding", "pending_barriers", len(pending))
			for _, barriers := range pending {
				for _, b := range barriers {
					b.doneCh <- ErrServiceClosed
				}
			}
			return
		}

		// Forget the barriers whose contexts have fired; their waiters have
		// already returned.
		var del []*barrier
		for _, barriers := range pending {
			for _, b := range barriers {
				if b.ctx.Err() != nil {
					del = append(del, b)
				}
			}
		}
		for _, b := range del {
			remove(b)
		}

		if len(keys) == 0 {
			continue
		}

		// Get the values of all pending states at once.
		vals, err := s.rclient.MGet(keys...).Result()
		if err != nil {
			log.Warnw("failed while getting barriers; iteration skipped", "error", err)
			continue
		}

		del = del[:0]
		for i, v := range vals {
			if v == nil {
				continue // nobody has INCR the state yet; skip.
			}

			key := keys[i]
			curr, err := strconv.ParseInt(v.(string), 10, 64)
			if err != nil {
				log.Warnw("failed to parse barrier value", "error", err, "value", v, "key", key)
				continue
			}

			for _, b := range pending[key] {
				if curr < b.target {
					log.Debugw("barrier still unsatisfied", "key", key, "target", b.target, "curr", curr)
					continue
				}
				log.Debugw("barrier was hit; informing waiters", "key", key, "target", b.target, "curr", curr)
				b.doneCh <- nil
				// queue this deletion; otherwise indices won't line up.
				del = append(del, b)
			}
		}

		for _, b := range del {
			remove(b)
		}
	}
}
