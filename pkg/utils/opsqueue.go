package utils

import (
	"sync"

	"github.com/gammazero/deque"

	"github.com/livekit/protocol/logger"
)

// OpsQueue runs enqueued operations one at a time, in order, on a single goroutine.
// It is unbounded so that transport callbacks never block or get dropped.
type OpsQueue struct {
	logger logger.Logger
	name   string

	lock      sync.Mutex
	ops       *deque.Deque[func()]
	wake      chan struct{}
	isStarted bool
	isStopped bool
}

func NewOpsQueue(logger logger.Logger, name string) *OpsQueue {
	return &OpsQueue{
		logger: logger,
		name:   name,
		ops:    deque.New[func()](),
		wake:   make(chan struct{}, 1),
	}
}

func (oq *OpsQueue) SetLogger(logger logger.Logger) {
	oq.lock.Lock()
	oq.logger = logger
	oq.lock.Unlock()
}

func (oq *OpsQueue) Start() {
	oq.lock.Lock()
	if oq.isStarted || oq.isStopped {
		oq.lock.Unlock()
		return
	}
	oq.isStarted = true
	oq.lock.Unlock()

	go oq.process()
}

// Stop discards pending operations. An operation already running is allowed to finish.
func (oq *OpsQueue) Stop() {
	oq.lock.Lock()
	if oq.isStopped {
		oq.lock.Unlock()
		return
	}

	oq.isStopped = true
	pending := oq.ops.Len()
	oq.ops.Clear()
	oq.lock.Unlock()

	if pending != 0 {
		oq.logger.Debugw("ops queue stopped with pending ops", "name", oq.name, "pending", pending)
	}
	oq.signal()
}

func (oq *OpsQueue) IsStopped() bool {
	oq.lock.Lock()
	defer oq.lock.Unlock()

	return oq.isStopped
}

func (oq *OpsQueue) Enqueue(op func()) {
	oq.lock.Lock()
	if oq.isStopped {
		oq.lock.Unlock()
		return
	}

	oq.ops.PushBack(op)
	oq.lock.Unlock()

	oq.signal()
}

func (oq *OpsQueue) signal() {
	select {
	case oq.wake <- struct{}{}:
	default:
	}
}

func (oq *OpsQueue) process() {
	for {
		oq.lock.Lock()
		for oq.ops.Len() == 0 && !oq.isStopped {
			oq.lock.Unlock()
			<-oq.wake
			oq.lock.Lock()
		}
		if oq.isStopped {
			oq.lock.Unlock()
			return
		}
		op := oq.ops.PopFront()
		oq.lock.Unlock()

		op()
	}
}
