// Command agent-sentinel wires the coordination substrate's components
// together and drives either a single cycle or a continuous loop of them.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/r3e-network/agent-sentinel/internal/agentrt"
	"github.com/r3e-network/agent-sentinel/internal/bus"
	"github.com/r3e-network/agent-sentinel/internal/event"
	"github.com/r3e-network/agent-sentinel/internal/external"
	"github.com/r3e-network/agent-sentinel/internal/lockmgr"
	"github.com/r3e-network/agent-sentinel/internal/orchestrator"
	"github.com/r3e-network/agent-sentinel/internal/sentinel"
	"github.com/r3e-network/agent-sentinel/internal/snapshot"
	"github.com/r3e-network/agent-sentinel/pkg/config"
	"github.com/r3e-network/agent-sentinel/pkg/logging"
	"github.com/r3e-network/agent-sentinel/pkg/metrics"
	"github.com/r3e-network/agent-sentinel/pkg/svcerrors"
)

// demoChain is a minimal three-stage agent topology (planner -> executor ->
// auditor) used to exercise the substrate end to end. Real agent behavior
// is an external collaborator; these workers only
// pass a completion event to the next stage.
var demoChain = []string{"planner", "executor", "auditor"}

func main() {
	mode := flag.String("mode", "mock", "bus mode: mock or live")
	cycleMode := flag.String("cycle", "single", "cycle mode: single or continuous")
	adminAddr := flag.String("admin-addr", "", "if set, serve the admin API on this address")
	probeAddr := flag.String("probe-addr", "", "if set, serve the agent runtime health probe on this address")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fatal(svcerrors.Configuration("load config", err))
	}
	if *mode == "live" {
		cfg.Bus.Mode = "broker"
	}
	if err := cfg.Validate(); err != nil {
		fatal(svcerrors.Configuration("validate config", err))
	}

	logging.InitDefault("orchestrator", cfg.Logging.Level, cfg.Logging.Format)
	log := logging.Default()
	metrics.Init("agent-sentinel")

	b := buildBus(cfg)
	defer b.Close()

	locks := lockmgr.New(nil)
	poller := lockmgr.NewPoller(locks)
	if err := poller.Start(); err != nil {
		fatal(svcerrors.Configuration("start deadlock poller", err))
	}
	defer poller.Stop()

	runtime := agentrt.New(agentrt.Config{
		CancellationGraceMS: cfg.Runtime.CancellationGraceMS,
		MaxRestarts:         cfg.Runtime.MaxRestarts,
	}, b, nil, locks)
	locks.SetAborter(runtime)

	audit, err := sentinel.NewAuditSink(cfg.Audit.Sink, b)
	if err != nil {
		fatal(svcerrors.Configuration("build audit sink", err))
	}
	defer audit.Close()

	sent := sentinel.New(sentinel.Config{
		GlobalHardCap:      cfg.Sentinel.GlobalHardCap,
		CheckpointInterval: cfg.Sentinel.CheckpointInterval,
		DefaultWallTimeMS:  cfg.Sentinel.DefaultWallTimeMS,
		WarnThreshold:      cfg.Sentinel.WarnThreshold,
		ThrottleThreshold:  cfg.Sentinel.ThrottleThreshold,
	}, audit, runtime, nil)
	runtime.SetSentinel(sent)

	store := buildSnapshotStore(cfg)
	defer store.Close()

	vcs := external.NewCommandVCS(".")
	treasury := external.NewStaticTreasury(1_000_000, 1_000)

	sessionID := fmt.Sprintf("session-%d", os.Getpid())
	collector := snapshot.New(sessionID, "dev", sent, locks, runtime, vcs, nil)

	spawnDemoChain(context.Background(), runtime)

	wiring := make([]orchestrator.WiringRule, 0, len(demoChain)-1)
	for i := 0; i < len(demoChain)-1; i++ {
		wiring = append(wiring, orchestrator.WiringRule{
			From: demoChain[i] + "-out",
			To:   demoChain[i+1] + "-in",
		})
	}

	orch := orchestrator.New(orchestrator.Config{
		SessionID:     sessionID,
		BuildID:       "dev",
		FirstAgent:    demoChain[0],
		RootTool:      "run",
		Wiring:        wiring,
		TerminalAgent: demoChain[len(demoChain)-1],
		CycleDeadline: 2 * time.Minute,
	}, b, sent, runtime, collector, treasury)

	var api *orchestrator.API
	if strings.TrimSpace(*adminAddr) != "" {
		mockBus, _ := b.(*bus.MockBus)
		var recent func(int) []*event.Envelope
		if mockBus != nil {
			recent = mockBus.Recent
		}
		api = orchestrator.NewAPI(orch, *adminAddr, recent)
		api.Start()
	}

	var probe *agentrt.Probe
	if strings.TrimSpace(*probeAddr) != "" {
		probe = agentrt.NewProbe(runtime, *probeAddr)
		probe.Start()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	exitCode := runCycles(ctx, orch, store, *cycleMode, log)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if api != nil {
		_ = api.Stop(shutdownCtx)
	}
	if probe != nil {
		_ = probe.Stop(shutdownCtx)
	}
	runtime.Shutdown()

	os.Exit(exitCode)
}

func runCycles(ctx context.Context, orch *orchestrator.Orchestrator, store snapshot.Store, cycleMode string, log *logging.Logger) int {
	for {
		result, err := orch.RunCycle(ctx)
		if err != nil {
			log.WithError(err).Error("orchestrator: cycle failed")
			return 1
		}
		if saveErr := store.Save(ctx, result.Summary); saveErr != nil {
			log.WithError(saveErr).Warn("orchestrator: failed to persist session snapshot")
		}

		if result.Halted {
			log.WithFields(map[string]interface{}{"reason": result.Reason}).Warn("orchestrator: cycle halted")
			if result.HaltReason == orchestrator.HaltReasonGlobalAbort {
				return 2
			}
			return 1
		}
		log.WithFields(map[string]interface{}{"reason": result.Reason}).Info("orchestrator: cycle completed")

		if cycleMode != "continuous" {
			return 0
		}
		select {
		case <-ctx.Done():
			return 0
		default:
		}
	}
}

func buildBus(cfg *config.Config) bus.Bus {
	if cfg.Bus.Mode == "broker" {
		return bus.NewRedisBus(cfg.Bus.BrokerBootstrap)
	}
	return bus.NewMockBus(256)
}

func buildSnapshotStore(cfg *config.Config) snapshot.Store {
	dsn := strings.TrimSpace(cfg.Database.SnapshotDSN)
	if dsn == "" {
		return snapshot.NewMemoryStore()
	}
	store, err := snapshot.OpenPostgresStore(context.Background(), dsn)
	if err != nil {
		fatal(svcerrors.Configuration("open snapshot store", err))
	}
	return store
}

// spawnDemoChain wires up the built-in demonstration agents: every stage
// forwards a completion event tagged with the inbound envelope's intent id,
// so the tag threads unchanged from the root task through every hop. The
// orchestrator's Config.TerminalAgent is set to the chain's last stage so it
// only treats that stage's matching completion as the root task finishing,
// rather than the first intermediate hop's.
func spawnDemoChain(ctx context.Context, runtime *agentrt.Runtime) {
	clock := event.NewClock()
	for _, name := range demoChain {
		stage := name
		work := func(ctx context.Context, in *event.Envelope) (*event.Envelope, int, int, error) {
			intentID := in.Meta.IntentID
			if intentID == "" {
				intentID = in.ID
			}
			out, err := event.New(clock, event.TypeCompletion, stage,
				event.CompletionPayload{Result: map[string]interface{}{"stage": stage}},
				event.Meta{SessionID: in.Meta.SessionID, IntentID: intentID}, nil)
			if err != nil {
				return nil, 0, 0, err
			}
			return out, 1, 1, nil
		}
		if err := runtime.Spawn(ctx, agentrt.Spec{
			Name: name,
			Work: work,
			Limits: sentinel.AgentLimits{
				SoftCap: 10_000,
				HardCap: 50_000,
			},
		}); err != nil {
			log.Printf("spawn demo agent %s: %v", name, err)
		}
	}
}

func fatal(err *svcerrors.CoordinationError) {
	log.Print(err)
	os.Exit(err.Code.ExitCode())
}
