// Copyright (c) 2026 RealmHQ
//
// MIT License
// See LICENSE file in the project root for details.

package events

import "time"

// RealmStatus represents the lifecycle stage for event payloads.
type RealmStatus string

const (
	RealmStatusStarting   RealmStatus = "starting"
	RealmStatusRunning    RealmStatus = "running"
	RealmStatusStopped    RealmStatus = "stopped"
	RealmStatusCrashed    RealmStatus = "crashed"
	RealmStatusRolledBack RealmStatus = "rolled_back"
)

// RealmEvent describes a significant change in a realm launch lifecycle.
type RealmEvent struct {
	Type      string      `json:"type"`
	Name      string      `json:"name"`
	Status    RealmStatus `json:"status"`
	SessionID string      `json:"session_id,omitempty"`
	PID       *int64      `json:"pid,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Message   string      `json:"message,omitempty"`
}

const (
	TypeRealmStarting   = "REALM_STARTING"
	TypeRealmRunning    = "REALM_RUNNING"
	TypeRealmStopped    = "REALM_STOPPED"
	TypeRealmCrashed    = "REALM_CRASHED"
	TypeRealmRolledBack = "REALM_ROLLED_BACK"
)

// TopicRealmEvents is the event bus topic for realm launch lifecycle.
const TopicRealmEvents = "orchestrator.realm.events"
