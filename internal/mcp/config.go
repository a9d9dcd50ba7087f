// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package mcp implements the gateway's Model Context Protocol session layer:
// a single client-facing MCP session is multiplexed across N upstream MCP
// servers, with tool and prompt names disambiguated by a
// "<backend>__<name>" prefix whenever a route has more than one backend
// (resource methods are refused on such routes).
//
// The routing table is a plain Go value (see Config/Route/Backend) rather
// than coupled to any XDS-driven reload path, keeping the fan-out/merge/
// session-persistence logic independent of config ingestion.
package mcp

import "regexp"

// BackendName identifies one upstream MCP server within a Route.
type BackendName = string

// RouteName identifies a client-facing MCP route (selected upstream of this
// package, typically from a request header set by the edge proxy).
type RouteName = string

// Config is the full MCP session-layer configuration: one Route per
// client-facing MCP endpoint.
type Config struct {
	// BackendListenerAddr is the local address this process's own MCP
	// backend listener is reachable at; Backend.Path is resolved against it.
	BackendListenerAddr string
	Routes              []Route
}

// Route binds a set of upstream Backends behind one client-facing MCP
// session; Authorization, if set, gates every tool call made through it.
// Stateless routes accept requests without a session header: each request
// gets a synthetic initialize/initialized exchange against every backend,
// the resulting session is never registered, and the client is expected to
// DELETE the session id echoed on the response once done with it.
type Route struct {
	Name          RouteName
	Backends      []Backend
	Authorization *RouteAuthorization
	Stateless     bool
}

// Backend is one upstream MCP server reachable through the local listener.
type Backend struct {
	Name         BackendName
	Path         string
	ToolSelector *ToolSelector
}

// ToolSelector filters which of a backend's tools are exposed to clients,
// by exact name or regular expression; a nil selector allows every tool.
type ToolSelector struct {
	Include      []string
	IncludeRegex []string
}

// compiled lazily allows filters set up at config-load time.
type compiledToolSelector struct {
	include        map[string]struct{}
	includeRegexps []*regexp.Regexp
}

func compileToolSelector(s *ToolSelector) *compiledToolSelector {
	if s == nil {
		return nil
	}
	c := &compiledToolSelector{include: make(map[string]struct{}, len(s.Include))}
	for _, t := range s.Include {
		c.include[t] = struct{}{}
	}
	for _, expr := range s.IncludeRegex {
		if re, err := regexp.Compile(expr); err == nil {
			c.includeRegexps = append(c.includeRegexps, re)
		}
	}
	return c
}

func (c *compiledToolSelector) allows(tool string) bool {
	if c == nil {
		return true
	}
	if len(c.include) > 0 {
		_, ok := c.include[tool]
		return ok
	}
	if len(c.includeRegexps) > 0 {
		for _, re := range c.includeRegexps {
			if re.MatchString(tool) {
				return true
			}
		}
		return false
	}
	return true
}

// RouteAuthorization gates tool calls on this route by OAuth2 scope,
// evaluated via internal/jwtauth.
type RouteAuthorization struct {
	Rules []AuthorizationRule
}

// AuthorizationRule grants RequiredScopes for the tool calls matching
// Target; if Target is empty, the rule applies to every tool call on the
// route.
type AuthorizationRule struct {
	Target         []ToolTarget
	RequiredScopes []string
}

// ToolTarget names one (backend, tool) pair an AuthorizationRule applies
// to, optionally constrained by argument-value regexes.
type ToolTarget struct {
	BackendName BackendName
	ToolName    string
	Arguments   map[string]string
}

type routeConfig struct {
	backends      map[BackendName]Backend
	toolSelectors map[BackendName]*compiledToolSelector
	authorization *RouteAuthorization
	stateless     bool
}

func buildRouteConfig(r Route) *routeConfig {
	rc := &routeConfig{
		backends:      make(map[BackendName]Backend, len(r.Backends)),
		toolSelectors: make(map[BackendName]*compiledToolSelector, len(r.Backends)),
		authorization: r.Authorization,
		stateless:     r.Stateless,
	}
	for _, b := range r.Backends {
		rc.backends[b.Name] = b
		if b.ToolSelector != nil {
			rc.toolSelectors[b.Name] = compileToolSelector(b.ToolSelector)
		}
	}
	return rc
}
