package main

import (
	"log"
	"time"
)

type EventKind string

const (
	EventBackendConnected    EventKind = "backend_connected"
	EventBackendDisconnected EventKind = "backend_disconnected"
	EventBackendFailed       EventKind = "backend_failed"
	EventBackendUnhealthy    EventKind = "backend_unhealthy"
	EventToolsChanged        EventKind = "tools_changed"
)

// Event describes a state change inside the gateway. Sinks are injected
// wherever events are produced so nothing reaches for a process-wide bus.
type Event struct {
	Kind    EventKind
	Backend string
	Detail  string
	Err     error
	Time    time.Time
}

type EventSink interface {
	Publish(Event)
}

type logEventSink struct{}

func (logEventSink) Publish(e Event) {
	if e.Err != nil {
		log.Printf("<%s> event %s: %s: %v", e.Backend, e.Kind, e.Detail, e.Err)
		return
	}
	log.Printf("<%s> event %s: %s", e.Backend, e.Kind, e.Detail)
}

// nopEventSink is used when a component is constructed without a sink.
type nopEventSink struct{}

func (nopEventSink) Publish(Event) {}

func publish(sink EventSink, e Event) {
	if sink == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	sink.Publish(e)
}
