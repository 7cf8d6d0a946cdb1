package main

import (
	"context"
	"fmt"

	"github.com/Maxime-Gagne/secondmind/internal/code"
	"github.com/Maxime-Gagne/secondmind/internal/config"
	"github.com/Maxime-Gagne/secondmind/internal/consolidator"
	ctxagent "github.com/Maxime-Gagne/secondmind/internal/context"
	"github.com/Maxime-Gagne/secondmind/internal/index"
	"github.com/Maxime-Gagne/secondmind/internal/judge"
	"github.com/Maxime-Gagne/secondmind/internal/llm"
	"github.com/Maxime-Gagne/secondmind/internal/locator"
	"github.com/Maxime-Gagne/secondmind/internal/logging"
	"github.com/Maxime-Gagne/secondmind/internal/memory"
	"github.com/Maxime-Gagne/secondmind/internal/orchestrator"
	"github.com/Maxime-Gagne/secondmind/internal/prompt"
	"github.com/Maxime-Gagne/secondmind/internal/reflexor"
	"github.com/Maxime-Gagne/secondmind/internal/retrieval"
	"github.com/Maxime-Gagne/secondmind/internal/types"
	"github.com/Maxime-Gagne/secondmind/internal/vector"
)

// runtime holds the wired component graph for one process.
type runtime struct {
	cfg          *config.Config
	layout       *memory.Layout
	manager      *memory.Manager
	inverted     *index.Index
	retrieval    *retrieval.Agent
	judge        *judge.Judge
	consolidator *consolidator.Consolidator
	code         *code.Subsystem
	orchestrator *orchestrator.Orchestrator
	large        *llm.Client
	mini         *llm.MiniClient
}

// buildRuntime loads configuration and wires every agent. The orchestrator
// owns the graph; agents receive their collaborators by injection and never
// reach back.
func buildRuntime(withCode bool) (*runtime, error) {
	cfg, err := config.Load(configDir)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if memoryRoot != "" {
		cfg.MemoryRoot = memoryRoot
	}
	if debug {
		cfg.Debug = true
	}
	if err := logging.Initialize(cfg.MemoryRoot, cfg.Debug); err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}

	layout, err := memory.NewLayout(cfg.MemoryRoot)
	if err != nil {
		return nil, fmt.Errorf("memory layout: %w", err)
	}

	var embedder vector.Embedder
	if offline {
		embedder = vector.NewHashEmbedder(cfg.Vector.Dimensions)
	} else {
		embedder = vector.NewOllamaEmbedder(cfg.Vector.EmbedServerURL, cfg.Vector.EmbedModel, cfg.Vector.Dimensions)
	}

	narrative, err := vector.NewStore(embedder, layout.NarrativeIndex(), layout.NarrativeMeta())
	if err != nil {
		return nil, fmt.Errorf("narrative store: %w", err)
	}
	legislative, err := vector.NewStore(embedder, layout.LegislativeIndex(), layout.LegislativeMeta())
	if err != nil {
		return nil, fmt.Errorf("legislative store: %w", err)
	}
	inverted, err := index.Open(layout.InvertedIndexDB())
	if err != nil {
		return nil, fmt.Errorf("inverted index: %w", err)
	}

	auditor := types.NewAuditor(cfg.MemoryRoot)
	manager := memory.NewManager(layout, narrative, legislative, inverted, auditor)
	loc := locator.New(cfg.Locator.BinaryPath)
	ret := retrieval.NewAgent(cfg.Retrieval, cfg.ProjectRoot, manager, loc, auditor)

	largeProfile, ok := cfg.LLM.Models[cfg.LLM.ActiveProfile]
	if !ok {
		return nil, fmt.Errorf("unknown llm profile %q", cfg.LLM.ActiveProfile)
	}
	smallProfile, ok := cfg.LLM.Models["small"]
	if !ok {
		smallProfile = largeProfile
	}
	large := llm.NewClient(largeProfile)
	mini := llm.NewMiniClient(llm.NewClient(smallProfile))

	j := judge.New(cfg.Judge, mini)
	refl := reflexor.New(cfg.Reflexor, manager, mini)
	cons := consolidator.New(cfg.Consolidator, manager, large)
	ctxA := ctxagent.NewAgent(cfg.Context, cfg.Orchestrator, ret, j, auditor)

	builder, err := prompt.NewBuilder(layout.Agent())
	if err != nil {
		return nil, fmt.Errorf("prompt builder: %w", err)
	}

	var codeSub *code.Subsystem
	if withCode {
		codeSub, err = code.NewSubsystem(layout.Code(), cfg.Code.IncludeRoots, embedder, cfg.Code.DocServiceURL)
		if err != nil {
			logging.Get(logging.CategoryBoot).Warnw("code subsystem unavailable", "err", err)
			codeSub = nil
		}
	}

	orch := orchestrator.New(orchestrator.Deps{
		Config:       cfg,
		Memory:       manager,
		Retrieval:    ret,
		Context:      ctxA,
		Judge:        j,
		Reflexor:     refl,
		Consolidator: cons,
		Code:         codeSub,
		Builder:      builder,
		Large:        large,
		Mini:         mini,
		Researcher:   orchestrator.NewResearcher(cfg.Orchestrator, mini),
	})

	return &runtime{
		cfg:          cfg,
		layout:       layout,
		manager:      manager,
		inverted:     inverted,
		retrieval:    ret,
		judge:        j,
		consolidator: cons,
		code:         codeSub,
		orchestrator: orch,
		large:        large,
		mini:         mini,
	}, nil
}

// probeHealth checks both inference servers. The large model is mandatory;
// a missing small model degrades classification and judging but does not
// block the session.
func (r *runtime) probeHealth(ctx context.Context) error {
	log := logging.Get(logging.CategoryBoot)
	if !r.large.Healthy(ctx) {
		return fmt.Errorf("large model server unreachable")
	}
	if !r.mini.Healthy(ctx) {
		log.Warnw("small model server unreachable, classification and judging degraded")
	}
	return nil
}

// close releases process-held resources.
func (r *runtime) close() {
	r.orchestrator.Wait()
	if err := r.inverted.Close(); err != nil {
		logging.Get(logging.CategoryBoot).Warnw("index close failed", "err", err)
	}
	logging.Sync()
}
