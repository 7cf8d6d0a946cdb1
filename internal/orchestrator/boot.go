package orchestrator

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Maxime-Gagne/secondmind/internal/logging"
	"github.com/Maxime-Gagne/secondmind/internal/prompt"
)

const (
	// staleConsolidation triggers a catch-up run when the deferred
	// consolidator has not completed for this long.
	staleConsolidation = 45 * time.Hour

	statsWarmup   = time.Minute
	statsInterval = 5 * time.Minute
)

// Boot runs the background startup tasks: stale-consolidation catch-up,
// system summary generation and the periodic stats reporter. Session
// continuity is already restored by the context agent's constructor.
func (o *Orchestrator) Boot(ctx context.Context) {
	log := logging.Get(logging.CategoryBoot)

	if last := o.deps.Consolidator.LastRun(); last.IsZero() || time.Since(last) > staleConsolidation {
		log.Infow("scheduling consolidation catch-up", "last_run", last)
		o.bg.Add(1)
		go func() {
			defer o.bg.Done()
			if n, err := o.deps.Consolidator.Run(ctx); err != nil {
				log.Warnw("catch-up consolidation failed", "err", err)
			} else if n > 0 {
				log.Infow("catch-up consolidation done", "sessions", n)
			}
		}()
	}

	o.ensureSystemSummary()

	o.bg.Add(1)
	go func() {
		defer o.bg.Done()
		o.periodicStats(ctx)
	}()
}

// systemSummaryTemplate composes the generated summary from the agent's own
// notes.
const systemSummaryTemplate = `# Résumé système

## Historique récent
%s

## Travaux en cours
%s
`

// ensureSystemSummary writes a first system summary when none exists, built
// from the agent's history and todo notes.
func (o *Orchestrator) ensureSystemSummary() {
	path := filepath.Join(o.agentDir, prompt.SystemSummaryFile)
	if _, err := os.Stat(path); err == nil {
		return
	}

	o.bg.Add(1)
	go func() {
		defer o.bg.Done()
		history := firstNonEmptyLines(filepath.Join(o.agentDir, "historique.md"), 5)
		todo := firstNonEmptyLines(filepath.Join(o.agentDir, "todo.md"), 5)
		if history == "" {
			history = "(aucun historique)"
		}
		if todo == "" {
			todo = "(rien en cours)"
		}
		content := fmt.Sprintf(systemSummaryTemplate, history, todo)
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			logging.Get(logging.CategoryBoot).Warnw("system summary generation failed", "err", err)
			return
		}
		o.deps.Builder.ReloadSystemSummary(o.agentDir)
	}()
}

func firstNonEmptyLines(path string, n int) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() && len(lines) < n {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

// periodicStats logs the interceptor counters and the judge EMA after a
// warmup delay, then on a fixed interval until the context ends.
func (o *Orchestrator) periodicStats(ctx context.Context) {
	log := logging.Get(logging.CategoryOrchestrator)

	warmup := time.NewTimer(statsWarmup)
	defer warmup.Stop()
	select {
	case <-ctx.Done():
		return
	case <-warmup.C:
	}

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		ema, count := o.deps.Judge.CoherenceEMA()
		log.Infow("periodic stats", "agents", o.stats.Snapshot(), "judge_ema", ema, "verdicts", count)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
