package dbus

import (
	"context"
	"errors"
	"sync"
)

// signalWatchSet stores signal watches keyed by object path, interface
// and member, so matching stays cheap on the reader path.
type signalWatchSet map[ObjectPath]map[string]map[string][]*SignalWatch

func (set signalWatchSet) Add(watch *SignalWatch) {
	byInterface, ok := set[watch.rule.Path]
	if !ok {
		byInterface = make(map[string]map[string][]*SignalWatch)
		set[watch.rule.Path] = byInterface
	}
	byMember, ok := byInterface[watch.rule.Interface]
	if !ok {
		byMember = make(map[string][]*SignalWatch)
		byInterface[watch.rule.Interface] = byMember
	}
	byMember[watch.rule.Member] = append(byMember[watch.rule.Member], watch)
}

func (set signalWatchSet) Remove(watch *SignalWatch) bool {
	byInterface, ok := set[watch.rule.Path]
	if !ok {
		return false
	}
	byMember, ok := byInterface[watch.rule.Interface]
	if !ok {
		return false
	}
	watches, ok := byMember[watch.rule.Member]
	if !ok {
		return false
	}
	for i, other := range watches {
		if other == watch {
			// Swap the tail into place and truncate.
			watches[i] = watches[len(watches)-1]
			byMember[watch.rule.Member] = watches[:len(watches)-1]
			return true
		}
	}
	return false
}

func (set signalWatchSet) FindMatches(msg *Message) (matches []*SignalWatch) {
	pathKeys := []ObjectPath{""}
	if msg.Path != ObjectPath("") {
		pathKeys = append(pathKeys, msg.Path)
	}
	ifaceKeys := []string{""}
	if msg.Iface != "" {
		ifaceKeys = append(ifaceKeys, msg.Iface)
	}
	memberKeys := []string{""}
	if msg.Member != "" {
		memberKeys = append(memberKeys, msg.Member)
	}
	for _, path := range pathKeys {
		byInterface, ok := set[path]
		if !ok {
			continue
		}
		for _, iface := range ifaceKeys {
			byMember, ok := byInterface[iface]
			if !ok {
				continue
			}
			for _, member := range memberKeys {
				for _, watch := range byMember[member] {
					if watch.rule.Match(msg) {
						matches = append(matches, watch)
					}
				}
			}
		}
	}
	return
}

// SignalWatch delivers matching signals through a bounded queue. The
// reader never blocks on a watch: when the queue is full the oldest
// signal is dropped and the drop count surfaces on the next read.
type SignalWatch struct {
	bus  *Connection
	rule *MatchRule

	mu      sync.Mutex
	queue   []*Message
	limit   int
	dropped uint64
	ready   chan struct{}
	done    bool

	cancelLock sync.Mutex
	cancelled  bool
}

// WatchSignal subscribes to signals matching rule. On bus connections
// the match is also registered with the daemon.
func (p *Connection) WatchSignal(rule *MatchRule) (*SignalWatch, error) {
	if rule.Type != TypeSignal {
		return nil, errors.New("dbus: match rule is not for signals")
	}
	watch := &SignalWatch{
		bus:   p,
		rule:  rule,
		limit: p.conf.inboundQueue,
		ready: make(chan struct{}, 1),
	}

	p.handlerMutex.Lock()
	p.signalMatchRules.Add(watch)
	p.handlerMutex.Unlock()

	if p.UniqueName != "" {
		if err := p.busProxy.AddMatch(rule.String()); err != nil {
			p.handlerMutex.Lock()
			p.signalMatchRules.Remove(watch)
			p.handlerMutex.Unlock()
			return nil, err
		}
	}
	return watch, nil
}

func (watch *SignalWatch) deliver(msg *Message) {
	watch.mu.Lock()
	if watch.done {
		watch.mu.Unlock()
		return
	}
	if len(watch.queue) >= watch.limit {
		watch.queue = watch.queue[1:]
		watch.dropped++
	}
	watch.queue = append(watch.queue, msg)
	watch.mu.Unlock()
	select {
	case watch.ready <- struct{}{}:
	default:
	}
}

// Next returns the oldest queued signal and how many were dropped since
// the previous read.
func (watch *SignalWatch) Next(ctx context.Context) (*Message, uint64, error) {
	for {
		watch.mu.Lock()
		if len(watch.queue) > 0 {
			msg := watch.queue[0]
			watch.queue = watch.queue[1:]
			dropped := watch.dropped
			watch.dropped = 0
			watch.mu.Unlock()
			return msg, dropped, nil
		}
		done := watch.done
		watch.mu.Unlock()
		if done {
			return nil, 0, ErrClosed
		}
		select {
		case <-watch.ready:
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		case <-watch.bus.closed:
			return nil, 0, watch.bus.closeError()
		}
	}
}

// Cancel removes the watch and, on bus connections, the daemon-side
// match.
func (watch *SignalWatch) Cancel() error {
	watch.cancelLock.Lock()
	defer watch.cancelLock.Unlock()
	if watch.cancelled {
		return nil
	}
	watch.cancelled = true

	bus := watch.bus
	bus.handlerMutex.Lock()
	found := bus.signalMatchRules.Remove(watch)
	bus.handlerMutex.Unlock()

	watch.mu.Lock()
	watch.done = true
	watch.mu.Unlock()
	select {
	case watch.ready <- struct{}{}:
	default:
	}

	if found && bus.UniqueName != "" {
		if closed, _ := bus.Closed(); !closed {
			return bus.busProxy.RemoveMatch(watch.rule.String())
		}
	}
	return nil
}
