package worker

import "sync/atomic"

// liveProgress is the cross-goroutine handle the progress ticker reads
// from: the pipeline goroutine writes the latest known percentage and
// message, the ticker goroutine republishes them on its own schedule
// without touching the task record directly.
type liveProgress struct {
	pct atomic.Int32
	msg atomic.Value
}

func newLiveProgress() *liveProgress {
	lp := &liveProgress{}
	lp.msg.Store("")
	return lp
}

func (lp *liveProgress) set(pct int, message string) {
	lp.pct.Store(int32(pct))
	if message != "" {
		lp.msg.Store(message)
	}
}

func (lp *liveProgress) snapshot() (int, string) {
	msg, _ := lp.msg.Load().(string)
	return int(lp.pct.Load()), msg
}
