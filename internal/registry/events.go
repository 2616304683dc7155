package registry

import (
	"go.uber.org/zap"
)

// Event names emitted by the Registry. For a single connection the emission
// order is exactly the order of successful operations; a full node lifecycle
// produces add_node, identify, add_job, add_process, remove_process,
// remove_job, remove_node.
const (
	EventAddNode       = "add_node"
	EventRemoveNode    = "remove_node"
	EventIdentify      = "identify"
	EventUpdate        = "update"
	EventAddJob        = "add_job"
	EventRemoveJob     = "remove_job"
	EventAddProcess    = "add_process"
	EventRemoveProcess = "remove_process"
)

// JobEvent is the payload of add_job and remove_job.
type JobEvent struct {
	JobName string `json:"job_name"`
	Node    Node   `json:"node"`
}

// ProcessEvent is the payload of add_process and remove_process.
type ProcessEvent struct {
	JobName string `json:"job_name"`
	Pid     int    `json:"pid"`
}

// Callback receives a registry change event. The payload is a Node snapshot
// for node events, a JobEvent for job events and a ProcessEvent for process
// events. Callbacks run synchronously on the goroutine that performed the
// mutation and must not block or call back into the Registry.
type Callback func(event string, payload any)

type subscriber struct {
	id int
	cb Callback
}

// Bind subscribes cb to one event name and returns a token for Unbind.
func (r *Registry) Bind(event string, cb Callback) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastSub++
	r.subs[event] = append(r.subs[event], subscriber{id: r.lastSub, cb: cb})
	return r.lastSub
}

// BindAll subscribes cb to every event and returns a token for UnbindAll.
func (r *Registry) BindAll(cb Callback) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastSub++
	r.allSubs = append(r.allSubs, subscriber{id: r.lastSub, cb: cb})
	return r.lastSub
}

// Unbind removes the subscription identified by token from event.
func (r *Registry) Unbind(event string, token int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[event] = dropSubscriber(r.subs[event], token)
	if len(r.subs[event]) == 0 {
		delete(r.subs, event)
	}
}

// UnbindAll removes a subscription made with BindAll.
func (r *Registry) UnbindAll(token int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.allSubs = dropSubscriber(r.allSubs, token)
}

func dropSubscriber(subs []subscriber, token int) []subscriber {
	for i, s := range subs {
		if s.id == token {
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}

// emit delivers an event to every matching subscriber. Called with r.mu held
// so events are delivered in mutation order. A panicking subscriber is logged
// and skipped; it cannot corrupt registry state or starve other subscribers.
func (r *Registry) emit(event string, payload any) {
	for _, s := range r.subs[event] {
		r.dispatch(s, event, payload)
	}
	for _, s := range r.allSubs {
		r.dispatch(s, event, payload)
	}
}

func (r *Registry) dispatch(s subscriber, event string, payload any) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("event subscriber panicked",
				zap.String("event", event),
				zap.Any("panic", rec),
			)
		}
	}()
	s.cb(event, payload)
}
