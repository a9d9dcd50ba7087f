// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package bedrock

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func userMsg(text string) Message {
	return Message{Role: "user", Content: []ContentBlock{{Text: text}}}
}

func TestApplyCacheSystemAndTools(t *testing.T) {
	req := &ConverseRequest{
		System: []SystemContentBlock{{Text: "sys1"}, {Text: "sys2"}},
		ToolConfig: &ToolConfig{Tools: []Tool{
			{ToolSpec: &ToolSpec{Name: "a"}},
			{ToolSpec: &ToolSpec{Name: "b"}},
		}},
	}
	ApplyCache(req, CacheConfig{CacheSystem: true, CacheTools: true})

	require.Nil(t, req.System[0].CachePoint)
	require.NotNil(t, req.System[1].CachePoint)
	require.Nil(t, req.ToolConfig.Tools[0].CachePoint)
	require.NotNil(t, req.ToolConfig.Tools[1].CachePoint)
}

func TestApplyCacheMessagesTargetsSecondToLastUserTurn(t *testing.T) {
	req := &ConverseRequest{
		Messages: []Message{
			userMsg("turn1"),
			{Role: "assistant", Content: []ContentBlock{{Text: "reply1"}}},
			userMsg("turn2"),
			{Role: "assistant", Content: []ContentBlock{{Text: "reply2"}}},
			userMsg("turn3"),
		},
	}
	ApplyCache(req, CacheConfig{CacheMessages: true})

	require.Nil(t, req.Messages[0].Content[0].CachePoint)
	require.NotNil(t, req.Messages[2].Content[0].CachePoint, "second-to-last user turn should carry the cache point")
	require.Nil(t, req.Messages[4].Content[0].CachePoint)
}

func TestApplyCacheNoSecondToLastUserMessageIsNoOp(t *testing.T) {
	req := &ConverseRequest{Messages: []Message{userMsg("only turn")}}
	ApplyCache(req, CacheConfig{CacheMessages: true})
	require.Nil(t, req.Messages[0].Content[0].CachePoint)
}

func TestApplyCacheSystemToolsAndMessagesFitBudget(t *testing.T) {
	// System, tools and messages together need 3 cache points, which fits
	// the 4-point budget, so every clause places its marker; the messages
	// marker lands on the second-to-last user turn (index 0).
	req := &ConverseRequest{
		System: []SystemContentBlock{{Text: "sys"}},
		ToolConfig: &ToolConfig{Tools: []Tool{
			{ToolSpec: &ToolSpec{Name: "a"}},
		}},
		Messages: []Message{userMsg("t1"), {Role: "assistant"}, userMsg("t2")},
	}
	ApplyCache(req, CacheConfig{CacheSystem: true, CacheTools: true, CacheMessages: true})
	require.NotNil(t, req.System[0].CachePoint)
	require.NotNil(t, req.ToolConfig.Tools[0].CachePoint)
	require.NotNil(t, req.Messages[0].Content[0].CachePoint)
}
