// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Command agentgatewayd runs the gateway's three server surfaces: the
// ext_proc gRPC server carrying the LLM translation pipeline, the
// ext_authz gRPC server for policy checks, and the MCP session-layer HTTP
// endpoint, plus a Prometheus metrics listener.
//
// Policy configuration ingestion is an out-of-scope collaborator; the
// daemon starts with an empty policy store and a config file that only
// describes the MCP routes and LLM backends. Everything else is wired in
// code.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	authv3 "github.com/envoyproxy/go-control-plane/envoy/service/auth/v3"
	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/agentgateway/agentgateway-go/internal/backendauth"
	"github.com/agentgateway/agentgateway-go/internal/extauthz"
	"github.com/agentgateway/agentgateway-go/internal/extprocbridge"
	llmgateway "github.com/agentgateway/agentgateway-go/internal/llm/gateway"
	"github.com/agentgateway/agentgateway-go/internal/llm/provider"
	"github.com/agentgateway/agentgateway-go/internal/llm/tokens"
	"github.com/agentgateway/agentgateway-go/internal/mcp"
	"github.com/agentgateway/agentgateway-go/internal/metrics"
	"github.com/agentgateway/agentgateway-go/internal/pipeline"
	"github.com/agentgateway/agentgateway-go/internal/policy"
	"github.com/agentgateway/agentgateway-go/internal/promptguard"
	"github.com/agentgateway/agentgateway-go/internal/ratelimit"
	"github.com/agentgateway/agentgateway-go/internal/routing"
	"github.com/agentgateway/agentgateway-go/internal/snapshot"
	"github.com/agentgateway/agentgateway-go/internal/tracing"
	"github.com/agentgateway/agentgateway-go/internal/transform"
)

// Request headers the edge routing layer stamps before handing a request
// to this gateway; they select the policy chain and MCP route.
const (
	routeRuleHeader = "x-agentgateway-route-rule"
	routeHeader     = "x-agentgateway-route"
	listenerHeader  = "x-agentgateway-listener"
)

type flags struct {
	extProcAddr  string
	extAuthzAddr string
	mcpAddr      string
	promAddr     string
	configPath   string
	gatewayName  string
	sessionSeed  string
	logLevel     zapcore.Level
}

func parseFlags(args []string) (flags, error) {
	var (
		f  flags
		fs = flag.NewFlagSet("agentgatewayd", flag.ContinueOnError)
	)
	fs.StringVar(&f.extProcAddr, "extProcAddr", ":1063", "gRPC address for the ext_proc server, e.g. :1063 or unix:///tmp/ext_proc.sock")
	fs.StringVar(&f.extAuthzAddr, "extAuthzAddr", ":1064", "gRPC address for the ext_authz server")
	fs.StringVar(&f.mcpAddr, "mcpAddr", ":1065", "HTTP address for the MCP session endpoint")
	fs.StringVar(&f.promAddr, "promAddr", ":9190", "address for Prometheus metrics")
	fs.StringVar(&f.configPath, "configPath", "", "path to the MCP/LLM backend config file (JSON); empty starts with no routes")
	fs.StringVar(&f.gatewayName, "gatewayName", "agentgateway", "gateway name policies target at the outermost scope")
	fs.StringVar(&f.sessionSeed, "sessionSeed", "", "seed for the MCP session token encryption; stable across restarts so sessions survive a redeploy")
	logLevel := fs.String("logLevel", "info", "log level: debug, info, warn, or error")
	if err := fs.Parse(args); err != nil {
		return flags{}, err
	}
	if err := f.logLevel.UnmarshalText([]byte(*logLevel)); err != nil {
		return flags{}, fmt.Errorf("invalid log level %q: %w", *logLevel, err)
	}
	if f.sessionSeed == "" {
		f.sessionSeed = os.Getenv("AGENTGATEWAY_SESSION_SEED")
	}
	return f, nil
}

// fileConfig is the daemon's small bootstrap config: the MCP routing table
// and the LLM backend registry. Policy configuration arrives through the
// policy store's own loader, not this file.
type fileConfig struct {
	MCP *mcp.Config      `json:"mcp,omitempty"`
	LLM []llmBackendSpec `json:"llm,omitempty"`
}

type llmBackendSpec struct {
	Name      string              `json:"name"`
	Route     string              `json:"route"`
	Providers []llmProviderSpec   `json:"providers"`
	Auth      *backendauth.Config `json:"auth,omitempty"`
}

type llmProviderSpec struct {
	Name     string `json:"name"`
	Provider string `json:"provider"`
	Model    string `json:"model,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
	Weight   int    `json:"weight,omitempty"`
}

func loadFileConfig(path string) (*fileConfig, error) {
	if path == "" {
		return &fileConfig{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg fileConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

func buildRegistry(ctx context.Context, cfg *fileConfig) (llmgateway.Registry, error) {
	registry := llmgateway.Registry{}
	for _, spec := range cfg.LLM {
		route, err := provider.ParseRouteType(spec.Route)
		if err != nil {
			return nil, fmt.Errorf("backend %q: %w", spec.Name, err)
		}
		ai := &provider.AIBackend{Name: spec.Name}
		for _, p := range spec.Providers {
			parsed, err := provider.ParseProvider(p.Provider)
			if err != nil {
				return nil, fmt.Errorf("backend %q: %w", spec.Name, err)
			}
			weight := p.Weight
			if weight == 0 {
				weight = 1
			}
			ai.Providers = append(ai.Providers, provider.NamedAIProvider{
				Name:     p.Name,
				Provider: parsed,
				Model:    p.Model,
				Endpoint: p.Endpoint,
				Weight:   weight,
			})
			if p.Model != "" {
				tokens.PreloadForModel(ctx, p.Model)
			}
		}
		backend := &llmgateway.Backend{
			Name:     spec.Name,
			Route:    route,
			AI:       ai,
			Selector: provider.NewSelector(ai),
		}
		if spec.Auth != nil {
			handler, err := backendauth.NewHandler(ctx, *spec.Auth)
			if err != nil {
				return nil, fmt.Errorf("backend %q auth: %w", spec.Name, err)
			}
			backend.Auth = handler
		}
		registry[spec.Name] = backend
	}
	return registry, nil
}

func main() {
	f, err := parseFlags(os.Args[1:])
	if err != nil {
		log.Fatalf("failed to parse flags: %v", err)
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(f.logLevel)
	logger, err := zapCfg.Build()
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadFileConfig(f.configPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}
	registry, err := buildRegistry(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to build LLM backend registry", zap.Error(err))
	}

	metricsProvider, err := metrics.NewProvider()
	if err != nil {
		logger.Fatal("failed to build metrics provider", zap.Error(err))
	}
	defer func() { _ = metricsProvider.Shutdown(context.Background()) }()
	genAIMetrics := metrics.New(metricsProvider.Registry())

	traceExporter, err := stdouttrace.New()
	if err != nil {
		logger.Fatal("failed to build trace exporter", zap.Error(err))
	}
	tracer, err := tracing.NewTracer(traceExporter, tracing.Config{ServiceName: "agentgateway"})
	if err != nil {
		logger.Fatal("failed to build tracer", zap.Error(err))
	}
	defer func() { _ = tracer.Shutdown(context.Background()) }()

	store := policy.NewStore()

	chain := func(snap *snapshot.Snapshot) []policy.Target {
		var routeRule, route, listener string
		if req := snap.Request(); req != nil {
			routeRule = req.Headers[routeRuleHeader]
			route = req.Headers[routeHeader]
			listener = req.Headers[listenerHeader]
		}
		return policy.RequestChain(routeRule, route, listener, f.gatewayName)
	}

	// Stages with cross-request state are shared; per-stream state lives in
	// the stages constructed inside newPipeline below.
	localRateLimit := &ratelimit.LocalStage{Store: store, Chain: chain}
	promptGuardClient := promptguard.NewHTTPClient()

	newPipeline := func() *pipeline.Pipeline {
		return &pipeline.Pipeline{Stages: []pipeline.Stage{
			&routing.CORSStage{Store: store, Chain: chain},
			&extauthz.AuthenticationStage{Store: store, Chain: chain},
			&extauthz.AuthorizationStage{Store: store, Chain: chain},
			localRateLimit,
			&ratelimit.RemoteStage{Store: store, Chain: chain},
			&extauthz.ClientGRPCStage{Store: store, Chain: chain},
			&extauthz.ClientHTTPStage{Store: store, Chain: chain},
			&transform.Stage{Store: store, Chain: chain, Kind: transform.KindRequest},
			&extprocbridge.ClientStage{Store: store, Chain: chain, Logger: logger},
			&promptguard.RequestStage{Store: store, Chain: chain, Client: promptGuardClient},
			&routing.RequestRedirectStage{Store: store, Chain: chain},
			routing.NewURLRewriteStage(store, chain),
			routing.NewHostRewriteStage(store, chain),
			&routing.HeaderModifierStage{Store: store, Chain: chain, Kind: routing.KindRequestHeaderModifier},
			&routing.DirectResponseStage{Store: store, Chain: chain},
			&routing.RequestMirrorStage{Store: store, Chain: chain},
			llmgateway.NewStage(registry),
			&routing.HeaderModifierStage{Store: store, Chain: chain, Kind: routing.KindResponseHeaderModifier},
			&transform.Stage{Store: store, Chain: chain, Kind: transform.KindResponse},
			&promptguard.ResponseStage{Store: store, Chain: chain, Client: promptGuardClient},
			tracing.NewStage(tracer),
			&metrics.Stage{Metrics: genAIMetrics, Logger: logger},
		}}
	}

	extProcServer := &extprocbridge.Server{NewPipeline: newPipeline, Logger: logger}

	// The ext_authz surface answers one-shot policy checks; it gets the
	// stateless policy stages only, shared safely across concurrent Checks
	// (no per-stream translation or span state).
	extAuthzServer := extauthz.NewServer(&pipeline.Pipeline{Stages: []pipeline.Stage{
		&routing.CORSStage{Store: store, Chain: chain},
		&extauthz.AuthenticationStage{Store: store, Chain: chain},
		&extauthz.AuthorizationStage{Store: store, Chain: chain},
		localRateLimit,
		&ratelimit.RemoteStage{Store: store, Chain: chain},
		&extauthz.ClientGRPCStage{Store: store, Chain: chain},
		&extauthz.ClientHTTPStage{Store: store, Chain: chain},
		&routing.RequestRedirectStage{Store: store, Chain: chain},
		&routing.DirectResponseStage{Store: store, Chain: chain},
	}}, logger)

	mcpConfig := mcp.Config{}
	if cfg.MCP != nil {
		mcpConfig = *cfg.MCP
	}
	slogLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	mcpProxy := mcp.NewProxy(slogLogger, metrics.NewMCP(metricsProvider.Meter()), nil, mcpConfig, f.sessionSeed, "")

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		lis, err := net.Listen(listenAddress(f.extProcAddr))
		if err != nil {
			return fmt.Errorf("ext_proc listen: %w", err)
		}
		s := grpc.NewServer()
		extprocv3.RegisterExternalProcessorServer(s, extProcServer)
		grpc_health_v1.RegisterHealthServer(s, extProcServer)
		go func() {
			<-ctx.Done()
			s.GracefulStop()
		}()
		logger.Info("starting ext_proc server", zap.String("address", f.extProcAddr))
		return s.Serve(lis)
	})

	g.Go(func() error {
		lis, err := net.Listen(listenAddress(f.extAuthzAddr))
		if err != nil {
			return fmt.Errorf("ext_authz listen: %w", err)
		}
		s := grpc.NewServer()
		authv3.RegisterAuthorizationServer(s, extAuthzServer)
		go func() {
			<-ctx.Done()
			s.GracefulStop()
		}()
		logger.Info("starting ext_authz server", zap.String("address", f.extAuthzAddr))
		return s.Serve(lis)
	})

	mcpServer := &http.Server{
		Addr:              f.mcpAddr,
		Handler:           mcpProxy.ServeMux(routeHeader),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		logger.Info("starting MCP server", zap.String("address", f.mcpAddr))
		if err := mcpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("mcp server: %w", err)
		}
		return nil
	})

	metricsServer := &http.Server{
		Addr:              f.promAddr,
		Handler:           metricsHandler(metricsProvider),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       15 * time.Second,
	}
	g.Go(func() error {
		logger.Info("starting metrics server", zap.String("address", f.promAddr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = mcpServer.Shutdown(shutdownCtx)
		_ = metricsServer.Shutdown(shutdownCtx)
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func metricsHandler(p metrics.Provider) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(p.Registry(), promhttp.HandlerOpts{}))
	return mux
}

// listenAddress splits an address flag into the (network, address) pair
// net.Listen expects, supporting unix:// socket paths alongside TCP.
func listenAddress(addrFlag string) (string, string) {
	if strings.HasPrefix(addrFlag, "unix://") {
		return "unix", strings.TrimPrefix(addrFlag, "unix://")
	}
	return "tcp", addrFlag
}
