// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package headers

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJoin(t *testing.T) {
	require.Equal(t, "a; b", Join("Cookie", []string{"a", "b"}))
	require.Equal(t, "a; b", Join("cookie", []string{"a", "b"}))
	require.Equal(t, "a, b", Join("X-Custom", []string{"a", "b"}))
}

func TestFlatten(t *testing.T) {
	h := http.Header{}
	h.Add("Set-Cookie", "a")
	h.Add("Set-Cookie", "b")
	h.Add("X-Foo", "1")
	out := Flatten(h)
	require.Equal(t, "a, b", out["set-cookie"])
	require.Equal(t, "1", out["x-foo"])
}

func TestApplyAppendActions(t *testing.T) {
	tests := []struct {
		name    string
		initial []string
		action  AppendAction
		want    []string
		applied bool
	}{
		{"append-if-exists-or-add on absent", nil, AppendIfExistsOrAdd, []string{"v"}, true},
		{"append-if-exists-or-add on present", []string{"old"}, AppendIfExistsOrAdd, []string{"old", "v"}, true},
		{"add-if-absent on absent", nil, AddIfAbsent, []string{"v"}, true},
		{"add-if-absent on present is no-op", []string{"old"}, AddIfAbsent, []string{"old"}, false},
		{"overwrite-if-exists-or-add on absent", nil, OverwriteIfExistsOrAdd, []string{"v"}, true},
		{"overwrite-if-exists-or-add on present", []string{"old"}, OverwriteIfExistsOrAdd, []string{"v"}, true},
		{"overwrite-if-exists on absent is no-op", nil, OverwriteIfExists, nil, false},
		{"overwrite-if-exists on present", []string{"old"}, OverwriteIfExists, []string{"v"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			for _, v := range tt.initial {
				h.Add("X-Test", v)
			}
			applied, pseudo := Apply(h, Mutation{Key: "X-Test", Value: "v", Action: tt.action, ActionSet: true}, false)
			require.False(t, pseudo)
			require.Equal(t, tt.applied, applied)
			require.Equal(t, tt.want, h.Values("X-Test"))
		})
	}
}

func TestApplyRemove(t *testing.T) {
	h := http.Header{}
	h.Set("X-Test", "v")
	applied, _ := Apply(h, Mutation{Key: "X-Test", Remove: true}, false)
	require.True(t, applied)
	require.Empty(t, h.Values("X-Test"))
}

func TestApplyNeverMutated(t *testing.T) {
	h := http.Header{}
	h.Set("Content-Length", "10")
	applied, _ := Apply(h, Mutation{Key: "Content-Length", Value: "20", ActionSet: true, Action: OverwriteIfExistsOrAdd}, false)
	require.False(t, applied)
	require.Equal(t, "10", h.Get("Content-Length"))
}

func TestApplyPseudoHeader(t *testing.T) {
	h := http.Header{}
	applied, pseudo := Apply(h, Mutation{Key: ":path", Value: "/x"}, true)
	require.True(t, pseudo)
	require.True(t, applied)

	applied, pseudo = Apply(h, Mutation{Key: ":path", Value: "/x"}, false)
	require.True(t, pseudo)
	require.False(t, applied)
}

func TestResolveActionDeprecatedAppendField(t *testing.T) {
	trueVal, falseVal := true, false
	require.Equal(t, AppendIfExistsOrAdd, Mutation{Append: &trueVal}.resolveAction())
	require.Equal(t, OverwriteIfExistsOrAdd, Mutation{Append: &falseVal}.resolveAction())
	require.Equal(t, AppendIfExistsOrAdd, Mutation{}.resolveAction())
	require.Equal(t, OverwriteIfExists, Mutation{Action: OverwriteIfExists, ActionSet: true, Append: &trueVal}.resolveAction())
}
