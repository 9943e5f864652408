package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRegistryInsertGetRemove(t *testing.T) {
	r := NewRegistry()
	info := &ConnectionInfo{ConnID: "c1", UserID: "u1", LastHeartbeat: time.Now()}
	r.Insert(info)

	got, ok := r.Get("c1")
	assert.True(t, ok)
	assert.Equal(t, "u1", got.UserID)

	byUser := r.ByUser("u1")
	assert.Len(t, byUser, 1)

	r.Remove("c1")
	_, ok = r.Get("c1")
	assert.False(t, ok)
	assert.Empty(t, r.ByUser("u1"))
}

func TestRegistryMultipleConnectionsPerUser(t *testing.T) {
	r := NewRegistry()
	r.Insert(&ConnectionInfo{ConnID: "c1", UserID: "u1", LastHeartbeat: time.Now()})
	r.Insert(&ConnectionInfo{ConnID: "c2", UserID: "u1", LastHeartbeat: time.Now()})
	assert.Len(t, r.ByUser("u1"), 2)

	r.Remove("c1")
	assert.Len(t, r.ByUser("u1"), 1)
	assert.Len(t, r.All(), 1)
}

func TestRegistryEvictStale(t *testing.T) {
	r := NewRegistry()
	r.Insert(&ConnectionInfo{ConnID: "old", UserID: "u1", LastHeartbeat: time.Now().Add(-2 * time.Hour)})
	r.Insert(&ConnectionInfo{ConnID: "fresh", UserID: "u2", LastHeartbeat: time.Now()})

	evicted := r.EvictStale(90 * time.Second)
	assert.Len(t, evicted, 1)
	assert.Equal(t, "old", evicted[0].ConnID)

	_, ok := r.Get("old")
	assert.False(t, ok)
	_, ok = r.Get("fresh")
	assert.True(t, ok)
}

func TestRegistryTouch(t *testing.T) {
	r := NewRegistry()
	old := time.Now().Add(-time.Hour)
	r.Insert(&ConnectionInfo{ConnID: "c1", UserID: "u1", LastHeartbeat: old})
	r.Touch("c1")
	info, _ := r.Get("c1")
	assert.True(t, info.LastHeartbeat.After(old))
}
