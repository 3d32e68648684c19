package cluster

import (
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestRaftLogger(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := NewRaftLogger(zap.New(core))
	assert.Equal(t, hclog.Debug, l.GetLevel())

	named := l.Named("raft").With("term", 3)
	named.Info("entering leader state", "leader", "n1")
	l.Debug("bolt: tx closed")
	l.Log(hclog.Warn, "heartbeat slow", "odd")

	entries := logs.AllUntimed()
	require.Len(t, entries, 2)
	assert.Equal(t, "raft", entries[0].LoggerName)
	assert.Equal(t, map[string]interface{}{"term": int64(3), "leader": "n1"}, entries[0].ContextMap())
	assert.Equal(t, "raft", named.Name())
	assert.Equal(t, []interface{}{"term", 3}, named.ImpliedArgs())
	assert.Equal(t, "(missing)", entries[1].ContextMap()["odd"])

	l.SetLevel(hclog.Error)
	l.Warn("dropped")
	assert.Equal(t, 2, logs.Len())
	assert.False(t, named.IsWarn())
	assert.NotNil(t, l.StandardLogger(nil))
	assert.NotNil(t, l.StandardWriter(nil))
}
