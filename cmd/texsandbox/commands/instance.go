package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/texsandbox/texsandbox/pkg/config"
	"github.com/texsandbox/texsandbox/pkg/diagnostics"
	"github.com/texsandbox/texsandbox/pkg/engine/wasm"
	"github.com/texsandbox/texsandbox/pkg/resolver"
	"github.com/texsandbox/texsandbox/pkg/telemetry"
	"github.com/texsandbox/texsandbox/pkg/vfs"
	"github.com/texsandbox/texsandbox/pkg/worker"
)

// loadConfig reads --config, or the defaults, and applies flag overrides.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if wasmPath != "" {
		cfg.Engine.WasmPath = wasmPath
	}
	if endpoint != "" {
		cfg.Origin.Endpoint = endpoint
	}
	if verifyRestore {
		cfg.Engine.VerifyRestore = true
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	// stdout carries the protocol or the artifact.
	cfg.Telemetry.Logging.Output = "stderr"
	cfg.Telemetry.ServiceVersion = buildVersion

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// stack is the resolver half of a worker: everything but the engine.
type stack struct {
	cfg      *config.Config
	tel      *telemetry.Telemetry
	sink     *diagnostics.Sink
	ns       *vfs.Namespace
	resolver *resolver.Resolver
}

func newStack(cfg *config.Config) (*stack, error) {
	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}

	sink := diagnostics.NewSink(nil, tel.Logger.NewComponentLogger("engine").Zerolog())

	ns := vfs.New(
		vfs.Root{Host: cfg.FS.CacheDir, Guest: cfg.FS.CacheMount},
		vfs.Root{Host: cfg.FS.WorkDir, Guest: cfg.FS.WorkMount},
		sink,
	)
	if err := ns.Init(); err != nil {
		return nil, fmt.Errorf("failed to create namespace roots: %w", err)
	}

	origin := resolver.NewHTTPOrigin(resolver.HTTPOriginConfig{
		Timeout:           cfg.Origin.TimeoutDuration(),
		RequestsPerSecond: cfg.Origin.RequestsPerSecond,
		Burst:             cfg.Origin.Burst,
		UserAgent:         cfg.Origin.UserAgent,
	})

	res := resolver.New(resolver.Options{
		Endpoint:    cfg.Origin.Endpoint,
		EngineClass: cfg.Engine.Class,
		Origin:      origin,
		Cache:       ns,
		Emitter:     sink,
		Logger:      tel.Logger.NewComponentLogger("resolver"),
		Metrics:     tel.Metrics,
		Tracer:      tel.Tracer,
	})

	return &stack{cfg: cfg, tel: tel, sink: sink, ns: ns, resolver: res}, nil
}

func (s *stack) close(ctx context.Context) {
	if err := s.tel.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Telemetry shutdown failed")
	}
}

// instance is a complete worker over a loaded engine.
type instance struct {
	*stack
	engine *wasm.Engine
	worker *worker.Worker
}

// newInstance loads the engine and wires the worker. The worker is not started.
func newInstance(ctx context.Context, cfg *config.Config) (*instance, error) {
	st, err := newStack(cfg)
	if err != nil {
		return nil, err
	}

	eng, err := wasm.Load(ctx, cfg.Engine.WasmPath, wasm.Config{
		CacheRoot:         st.ns.Cache(),
		WorkRoot:          st.ns.Work(),
		MemoryLimitPages:  cfg.Engine.MemoryLimitPages,
		CheckpointGlobals: cfg.Engine.CheckpointGlobals,
		Stdout:            st.sink.Stdout(),
		Stderr:            st.sink.Stderr(),
		Hooks:             st.resolver,
		Logger:            st.tel.Logger.NewComponentLogger("wasm"),
	})
	if err != nil {
		st.close(ctx)
		return nil, err
	}

	w, err := worker.New(worker.Options{
		Config: worker.Config{
			EntryFile:       cfg.Engine.EntryFile,
			FormatFile:      cfg.Engine.FormatFile,
			RunBibliography: cfg.Engine.RunBibliography,
			VerifyRestore:   cfg.Engine.VerifyRestore,
			MaxMessageSize:  cfg.Engine.MaxMessageSize,
			EngineClass:     cfg.Engine.Class,
			Version:         buildVersion,
		},
		Engine:    eng,
		Namespace: st.ns,
		Resolver:  st.resolver,
		Sink:      st.sink,
		Logger:    st.tel.Logger,
		Metrics:   st.tel.Metrics,
		Tracer:    st.tel.Tracer,
	})
	if err != nil {
		eng.Close(ctx)
		st.close(ctx)
		return nil, err
	}

	return &instance{stack: st, engine: eng, worker: w}, nil
}

func (r *instance) close(ctx context.Context) {
	if err := r.engine.Close(ctx); err != nil {
		log.Warn().Err(err).Msg("Engine shutdown failed")
	}
	r.stack.close(ctx)
}
