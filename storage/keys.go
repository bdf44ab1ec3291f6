package storage

import (
	"encoding/json"
	"fmt"
)

// Redis key naming. Tenant-owned rows live under wf:t:<tenant>:; the due-timer
// and in-flight indexes are global so pollers can scan across tenants.

const keyPrefix = "wf:"

func definitionKey(name string, version int) string {
	return fmt.Sprintf("%sdef:%s@%d", keyPrefix, name, version)
}

func tenantPrefix(tenantID string) string { return keyPrefix + "t:" + tenantID + ":" }

// executionKey is a hash {data, seq}.
func executionKey(tenantID string, id uint64) string {
	return fmt.Sprintf("%sexec:%d", tenantPrefix(tenantID), id)
}

// eventsKey is a list holding the event log, index i = sequence i+1.
func eventsKey(tenantID string, executionID uint64) string {
	return fmt.Sprintf("%sevents:%d", tenantPrefix(tenantID), executionID)
}

// snapshotsKey is a hash version -> snapshot.
func snapshotsKey(tenantID string, executionID uint64) string {
	return fmt.Sprintf("%ssnap:%d", tenantPrefix(tenantID), executionID)
}

// snapshotIndexKey is a sorted set of versions scored by version.
func snapshotIndexKey(tenantID string, executionID uint64) string {
	return fmt.Sprintf("%ssnap_idx:%d", tenantPrefix(tenantID), executionID)
}

// actionKeyFor is a hash {data, status}.
func actionKeyFor(tenantID, idempotencyKey string) string {
	return tenantPrefix(tenantID) + "action:" + idempotencyKey
}

// executionActionsKey is the set of idempotency keys of an execution.
func executionActionsKey(tenantID string, executionID uint64) string {
	return fmt.Sprintf("%sexec_actions:%d", tenantPrefix(tenantID), executionID)
}

// dependenciesKey holds the JSON edge list of one event.
func dependenciesKey(tenantID string, eventID uint64) string {
	return fmt.Sprintf("%sdeps:%d", tenantPrefix(tenantID), eventID)
}

// syncPointKey is a hash {data, total, completed, status, satisfied_at}.
func syncPointKey(tenantID string, id uint64) string {
	return fmt.Sprintf("%ssync:%d", tenantPrefix(tenantID), id)
}

func executionSyncPointsKey(tenantID string, executionID uint64) string {
	return fmt.Sprintf("%sexec_sync:%d", tenantPrefix(tenantID), executionID)
}

// timerKey is a hash {data, status}.
func timerKey(tenantID string, id uint64) string {
	return fmt.Sprintf("%stimer:%d", tenantPrefix(tenantID), id)
}

func executionTimersKey(tenantID string, executionID uint64) string {
	return fmt.Sprintf("%sexec_timers:%d", tenantPrefix(tenantID), executionID)
}

// dueTimersKey scores pending timers by fire time in unix milliseconds.
const dueTimersKey = keyPrefix + "timers:due"

// inflightActionsKey scores in-progress actions by deadline in unix milliseconds.
const inflightActionsKey = keyPrefix + "actions:inflight"

// indexMember encodes a (tenant, id) pair as a global index member.
func indexMember(tenantID, id string) string {
	b, _ := json.Marshal([2]string{tenantID, id})
	return string(b)
}

func parseIndexMember(member string) (tenantID, id string, err error) {
	var pair [2]string
	if err := json.Unmarshal([]byte(member), &pair); err != nil {
		return "", "", fmt.Errorf("failed to parse index member %q: %w", member, err)
	}
	return pair[0], pair[1], nil
}
