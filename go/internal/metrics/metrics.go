// Package metrics records room node activity.
package metrics

// Recorder defines the interface for collecting room node metrics
type Recorder interface {
	RecordTransition(from, to, trigger string)
	RecordTriggerIgnored(state, trigger string)
	RecordConnectAttempt(success bool)
	RecordConfigRequest()
	RecordHeartbeat()
	RecordBrowse()
	RecordFallback()
	RecordBadEvent(reason string)
	RecordCountdown(event string)
	RecordPublish(kind string, success bool)
}

// NoOp is a no-op implementation for when metrics aren't needed
type NoOp struct{}

func (NoOp) RecordTransition(from, to, trigger string)  {}
func (NoOp) RecordTriggerIgnored(state, trigger string) {}
func (NoOp) RecordConnectAttempt(success bool)          {}
func (NoOp) RecordConfigRequest()                       {}
func (NoOp) RecordHeartbeat()                           {}
func (NoOp) RecordBrowse()                              {}
func (NoOp) RecordFallback()                            {}
func (NoOp) RecordBadEvent(reason string)               {}
func (NoOp) RecordCountdown(event string)               {}
func (NoOp) RecordPublish(kind string, success bool)    {}
