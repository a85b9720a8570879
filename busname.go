package dbus

import (
	"context"
	"errors"
	"sync"
)

// BusName is a handle for a well known bus name requested by this
// connection. Ownership changes are reported on C: nil means the name
// was acquired, a non-nil error that it was lost or could not be taken.
type BusName struct {
	bus   *Connection
	Name  string
	Flags NameFlags
	C     chan error

	lock         sync.Mutex
	cancelled    bool
	needsRelease bool

	acquiredWatch *SignalWatch
	lostWatch     *SignalWatch
	watcherDone   chan struct{}
}

type NameFlags uint32

const (
	NameFlagAllowReplacement NameFlags = 1 << iota
	NameFlagReplaceExisting
	NameFlagDoNotQueue
)

var (
	ErrNameLost         = errors.New("dbus: name ownership lost")
	ErrNameInQueue      = errors.New("dbus: in queue for name ownership")
	ErrNameExists       = errors.New("dbus: name exists")
	ErrNameAlreadyOwned = errors.New("dbus: name already owned")
)

// RequestName requests ownership of a well known bus name.
func (p *Connection) RequestName(busName string, flags NameFlags) (*BusName, error) {
	if err := ValidateBusName(busName); err != nil {
		return nil, err
	}
	name := &BusName{
		bus:         p,
		Name:        busName,
		Flags:       flags,
		C:           make(chan error, 1),
		watcherDone: make(chan struct{}),
	}
	go name.request()
	return name, nil
}

func (name *BusName) request() {
	lost, err := name.bus.WatchSignal(&MatchRule{
		Type:      TypeSignal,
		Sender:    BUS_DAEMON_NAME,
		Path:      BUS_DAEMON_PATH,
		Interface: BUS_DAEMON_IFACE,
		Member:    "NameLost",
		Arg0:      name.Name,
	})
	if err != nil {
		name.report(err)
		return
	}
	acquired, err := name.bus.WatchSignal(&MatchRule{
		Type:      TypeSignal,
		Sender:    BUS_DAEMON_NAME,
		Path:      BUS_DAEMON_PATH,
		Interface: BUS_DAEMON_IFACE,
		Member:    "NameAcquired",
		Arg0:      name.Name,
	})
	if err != nil {
		lost.Cancel()
		name.report(err)
		return
	}

	name.lock.Lock()
	if name.cancelled {
		name.lock.Unlock()
		lost.Cancel()
		acquired.Cancel()
		return
	}
	name.lostWatch = lost
	name.acquiredWatch = acquired
	name.lock.Unlock()

	go name.watchLost()
	go name.watchAcquired()

	result, err := name.bus.busProxy.RequestName(name.Name, uint32(name.Flags))
	if err != nil {
		name.report(err)
		return
	}
	switch result {
	case 1: // primary owner; NameAcquired reports it on C
		name.setNeedsRelease(true)
	case 2: // in queue
		name.setNeedsRelease(true)
		name.report(ErrNameInQueue)
	case 3: // exists
		name.report(ErrNameExists)
		name.Release()
	case 4: // already owner
		name.report(ErrNameAlreadyOwned)
		name.Release()
	default:
		name.report(errors.New("dbus: unexpected RequestName reply"))
		name.Release()
	}
}

func (name *BusName) watchAcquired() {
	for {
		if _, _, err := name.acquiredWatch.Next(context.Background()); err != nil {
			return
		}
		name.report(nil)
	}
}

func (name *BusName) watchLost() {
	defer close(name.watcherDone)
	if _, _, err := name.lostWatch.Next(context.Background()); err != nil {
		return
	}
	name.report(ErrNameLost)
	name.setNeedsRelease(false)
}

func (name *BusName) report(err error) {
	select {
	case name.C <- err:
	default:
	}
}

func (name *BusName) setNeedsRelease(v bool) {
	name.lock.Lock()
	name.needsRelease = v
	name.lock.Unlock()
}

// Release gives up the name and cancels its watches.
func (name *BusName) Release() error {
	name.lock.Lock()
	if name.cancelled {
		name.lock.Unlock()
		return nil
	}
	name.cancelled = true
	acquired, lost := name.acquiredWatch, name.lostWatch
	needsRelease := name.needsRelease
	name.needsRelease = false
	name.lock.Unlock()

	if acquired != nil {
		acquired.Cancel()
	}
	if lost != nil {
		lost.Cancel()
	}

	if needsRelease {
		result, err := name.bus.busProxy.ReleaseName(name.Name)
		if err != nil {
			return err
		}
		if result != 1 { // DBUS_RELEASE_NAME_REPLY_RELEASED
			logger.WithField("name", name.Name).WithField("result", result).
				Warn("dbus: unexpected result when releasing name")
		}
	}
	return nil
}
