package core_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/miladsoleymani/eventbus/core"
	"github.com/miladsoleymani/eventbus/internal/mock"
)

func TestUniqueKeyIsStable(t *testing.T) {
	msg := mock.NewEvent("created")
	assert.Equal(t, msg.UniqueKey(), msg.UniqueKey())
	assert.Equal(t, msg.ID, msg.UniqueKey())
	assert.NotEqual(t, msg.UniqueKey(), mock.NewEvent("created").UniqueKey())
}

func TestTypeOf(t *testing.T) {
	assert.Equal(t, "Event", core.TypeOf(mock.NewEvent("x")))
	assert.Equal(t, "Event", core.TypeOf(mock.Event{}))
	assert.Equal(t, "Other", core.TypeOf(&otherEvent{}))
}

func TestDestination(t *testing.T) {
	q := core.QueueNamed("orders")
	assert.Equal(t, "queue:orders", q.String())
	assert.Equal(t, "topic:111/orders", core.TopicNamed("orders").ForAccount("111").String())
	assert.Equal(t, "", q.Account, "ForAccount returns a copy")

	var d core.Destination
	require.NoError(t, yaml.Unmarshal([]byte("{name: orders, kind: topic}"), &d))
	assert.Equal(t, core.TopicNamed("orders"), d)
	assert.Error(t, yaml.Unmarshal([]byte("{name: orders, kind: exchange}"), &d))
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, core.IsRetryable(nil))
	assert.True(t, core.IsRetryable(mock.ErrTransient))
	assert.False(t, core.IsRetryable(core.NonRetryable(mock.ErrTransient)))
	assert.False(t, core.IsRetryable(core.ErrBrokerClosed))
	assert.Nil(t, core.NonRetryable(nil))
}

func TestBatchStatus(t *testing.T) {
	ok := core.BatchEntrySuccess{UniqueKey: "a"}
	bad := core.BatchEntryFailure{UniqueKey: "b"}

	assert.Equal(t, core.BatchSucceeded, core.MessageBatchResponse{}.Status())
	assert.Equal(t, core.BatchSucceeded, core.MessageBatchResponse{Succeeded: []core.BatchEntrySuccess{ok}}.Status())
	assert.Equal(t, core.BatchPartiallySucceeded, core.MessageBatchResponse{
		Succeeded: []core.BatchEntrySuccess{ok}, Failed: []core.BatchEntryFailure{bad},
	}.Status())
	assert.Equal(t, core.BatchFailed, core.MessageBatchResponse{Failed: []core.BatchEntryFailure{bad}}.Status())
}
