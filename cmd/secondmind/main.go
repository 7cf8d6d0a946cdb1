package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Maxime-Gagne/secondmind/internal/code"
	"github.com/Maxime-Gagne/secondmind/internal/logging"
)

var (
	// Global flags
	configDir  string
	memoryRoot string
	debug      bool
	offline    bool

	// Per-command flags
	webSearch   bool
	sinceDays   int
	parallelism int
	withGraph   bool
)

// rootCmd represents the base command.
var rootCmd = &cobra.Command{
	Use:   "secondmind",
	Short: "SecondMind - assistant conversationnel local à mémoire persistante",
	Long: `SecondMind est un assistant conversationnel entièrement local.

Chaque tour de conversation est classifié, enrichi par la mémoire
(vectorielle, inversée et narrative), gouverné par des règles et
persisté en couches. Les modèles tournent sur des serveurs llama.cpp
locaux; aucun appel réseau ne quitte la machine hors recherche web
explicite.

Lancé sans argument, démarre la session interactive.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat(cmd.Context())
	},
}

// chatCmd starts the interactive session.
var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Démarre la session interactive",
	Long: `Session interactive au long cours. Commandes en session:

  /web <question>   recherche web approfondie pour cette question
  +1 / -1 [mot-clé] feedback sur la dernière réponse
  !!! <constat>     signale une erreur, déclenche l'analyse de gouvernance
  /quit             termine la session`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat(cmd.Context())
	},
}

// askCmd answers a single prompt and exits.
var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Pose une seule question et termine",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAsk,
}

// indexCmd rebuilds the inverted index, and the project graph on demand.
var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Reconstruit l'index inversé depuis la mémoire sur disque",
	RunE:  runIndex,
}

// consolidateCmd runs the deferred consolidator once.
var consolidateCmd = &cobra.Command{
	Use:   "consolidate",
	Short: "Consolide immédiatement les sessions inactives",
	RunE:  runConsolidate,
}

// statsCmd prints classification statistics from the turn history.
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Affiche les statistiques de classification de la mémoire",
	RunE:  runStats,
}

func runChat(ctx context.Context) error {
	rt, err := buildRuntime(true)
	if err != nil {
		return err
	}
	defer rt.close()

	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = rt.probeHealth(probeCtx)
	cancel()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt.orchestrator.Boot(ctx)
	if rt.code != nil {
		if watcher, werr := code.NewWatcher(rt.code); werr != nil {
			logging.Get(logging.CategoryBoot).Warnw("file watcher unavailable", "err", werr)
		} else {
			go watcher.Run(ctx)
			defer watcher.Close()
		}
	}

	fmt.Printf("SecondMind — session %s\n", rt.orchestrator.SessionID())
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Print("\nvous> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			break
		}

		mode := ""
		if rest, ok := strings.CutPrefix(line, "/web "); ok {
			mode = "web"
			line = strings.TrimSpace(rest)
		}

		if _, err := rt.orchestrator.Think(ctx, line, mode, os.Stdout); err != nil {
			if ctx.Err() != nil {
				break
			}
			fmt.Fprintf(os.Stderr, "\nerreur: %v\n", err)
			continue
		}
		fmt.Println()
	}
	fmt.Println("\nAu revoir.")
	return scanner.Err()
}

func runAsk(cmd *cobra.Command, args []string) error {
	rt, err := buildRuntime(true)
	if err != nil {
		return err
	}
	defer rt.close()

	probeCtx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	err = rt.probeHealth(probeCtx)
	cancel()
	if err != nil {
		return err
	}

	mode := ""
	if webSearch {
		mode = "web"
	}
	if _, err := rt.orchestrator.Think(cmd.Context(), strings.Join(args, " "), mode, os.Stdout); err != nil {
		return err
	}
	fmt.Println()
	return nil
}

func runIndex(cmd *cobra.Command, args []string) error {
	rt, err := buildRuntime(withGraph)
	if err != nil {
		return err
	}
	defer rt.close()

	n, err := rt.retrieval.RebuildIndex(parallelism)
	if err != nil {
		return fmt.Errorf("rebuild index: %w", err)
	}
	fmt.Printf("Index inversé reconstruit: %d documents.\n", n)

	if withGraph && rt.code != nil {
		if err := rt.code.Rebuild(cmd.Context()); err != nil {
			return fmt.Errorf("rebuild project graph: %w", err)
		}
		fmt.Println("Cartographie du projet reconstruite.")
	}
	return nil
}

func runConsolidate(cmd *cobra.Command, args []string) error {
	rt, err := buildRuntime(false)
	if err != nil {
		return err
	}
	defer rt.close()

	n, err := rt.consolidator.Run(cmd.Context())
	if err != nil {
		return fmt.Errorf("consolidation: %w", err)
	}
	fmt.Printf("Sessions consolidées: %d.\n", n)
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	rt, err := buildRuntime(false)
	if err != nil {
		return err
	}
	defer rt.close()

	var since time.Time
	if sinceDays > 0 {
		since = time.Now().AddDate(0, 0, -sinceDays)
	}
	stats, err := rt.retrieval.Stats(since)
	if err != nil {
		return fmt.Errorf("classification stats: %w", err)
	}
	docs, err := rt.inverted.Count()
	if err != nil {
		return fmt.Errorf("index count: %w", err)
	}

	fmt.Printf("Interactions: %d\n", stats.Total)
	printBreakdown("Sujets", stats.Subjects)
	printBreakdown("Actions", stats.Actions)
	printBreakdown("Catégories", stats.Categories)
	fmt.Printf("Documents indexés: %d\n", docs)
	fmt.Printf("Fragments narratifs: %d\n", rt.manager.Narrative().Size())
	fmt.Printf("Règles vectorisées: %d\n", rt.manager.Legislative().Size())

	ema, verdicts := rt.judge.CoherenceEMA()
	fmt.Printf("EMA juge: %.2f sur %d verdicts\n", ema, verdicts)
	for agent, entry := range rt.orchestrator.Stats().Snapshot() {
		fmt.Printf("  %-12s appels=%d erreurs=%d latence=%.0fms\n",
			agent, entry.Calls, entry.Errors, entry.LatencyMS)
	}
	return nil
}

func printBreakdown(label string, counts map[string]int) {
	fmt.Printf("%s:\n", label)
	for k, v := range counts {
		fmt.Printf("  %-12s %d\n", k, v)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config", "configuration", "répertoire des fichiers YAML de configuration")
	rootCmd.PersistentFlags().StringVar(&memoryRoot, "memoire", "", "racine mémoire (remplace la configuration)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "journalisation de débogage")
	rootCmd.PersistentFlags().BoolVar(&offline, "offline", false, "embeddings par hachage, sans serveur d'embedding")

	askCmd.Flags().BoolVar(&webSearch, "web", false, "force la recherche web approfondie")
	indexCmd.Flags().IntVar(&parallelism, "parallelism", 4, "lectures concurrentes pendant la reconstruction")
	indexCmd.Flags().BoolVar(&withGraph, "graph", false, "reconstruit aussi la cartographie du projet")
	statsCmd.Flags().IntVar(&sinceDays, "since", 0, "ne compte que les N derniers jours (0 = tout)")

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(consolidateCmd)
	rootCmd.AddCommand(statsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "erreur: %v\n", err)
		os.Exit(1)
	}
}
