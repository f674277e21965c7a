// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrap(t *testing.T) {
	ev := MessageNacked{
		Protocol:       "mem",
		MessageID:      "m1",
		MessageTopic:   "mem://bob@svc/inbox",
		SubscriptionID: "sub-1",
		Requeued:       true,
		Reason:         "busy",
	}

	env := ev.Wrap("node-1")
	assert.Equal(t, TypeMessageNacked, env.EventType)
	assert.Equal(t, "node-1", env.NodeID)
	assert.NotEmpty(t, env.EventID)
	assert.NotEqual(t, env.EventID, ev.Wrap("node-1").EventID)

	raw, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "message.nacked", decoded["event_type"])

	data := decoded["data"].(map[string]any)
	assert.Equal(t, "mem://bob@svc/inbox", data["topic"])
	assert.Equal(t, true, data["requeued"])
}

func TestTopics(t *testing.T) {
	tests := []struct {
		event Event
		typ   string
		topic string
	}{
		{MessageSent{MessageTopic: "mem://a"}, TypeMessageSent, "mem://a"},
		{MessageAcked{MessageTopic: "mem://b"}, TypeMessageAcked, "mem://b"},
		{MessageNacked{MessageTopic: "mem://c"}, TypeMessageNacked, "mem://c"},
		{SubscriptionCreated{TopicKey: "mem://d"}, TypeSubscriptionCreated, "mem://d"},
		{SubscriptionRemoved{TopicKey: "mem://e"}, TypeSubscriptionRemoved, "mem://e"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.typ, tt.event.Type())
		assert.Equal(t, tt.topic, tt.event.Topic())
	}
}
