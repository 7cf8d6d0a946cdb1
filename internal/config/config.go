// Package config loads SecondMind configuration. Each component owns one YAML
// file with a single `configuration:` root; Load merges the directory into one
// Config. Missing files fall back to defaults so a bare checkout still boots.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config aggregates all component configurations.
type Config struct {
	MemoryRoot  string `yaml:"memory_root"`
	ProjectRoot string `yaml:"project_root"`
	Debug       bool   `yaml:"debug"`

	LLM          LLMConfig          `yaml:"llm"`
	Vector       VectorConfig       `yaml:"vector"`
	Retrieval    RetrievalConfig    `yaml:"retrieval"`
	Judge        JudgeConfig        `yaml:"judge"`
	Context      ContextConfig      `yaml:"context"`
	Reflexor     ReflexorConfig     `yaml:"reflexor"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Consolidator ConsolidatorConfig `yaml:"consolidator"`
	Code         CodeConfig         `yaml:"code"`
	Locator      LocatorConfig      `yaml:"locator"`
}

// LLMConfig describes the two local completion servers.
type LLMConfig struct {
	ActiveProfile string                 `yaml:"active_profile"`
	Models        map[string]ModelConfig `yaml:"models"`
}

// ModelConfig is one inference server profile.
type ModelConfig struct {
	ServerURL  string           `yaml:"server_url"`
	Generation GenerationConfig `yaml:"generation"`
	TimeoutSec int              `yaml:"timeout_sec"`
}

// GenerationConfig carries sampling parameters sent on every completion.
type GenerationConfig struct {
	MaxTokens   int      `yaml:"max_tokens"`
	Temperature float64  `yaml:"temperature"`
	TopP        float64  `yaml:"top_p"`
	StopTokens  []string `yaml:"stop_tokens"`
	CachePrompt bool     `yaml:"cache_prompt"`
	DoSample    bool     `yaml:"do_sample"`
}

// VectorConfig configures the embedding engine shared by both stores.
type VectorConfig struct {
	EmbedServerURL string `yaml:"embed_server_url"`
	EmbedModel     string `yaml:"embed_model"`
	Dimensions     int    `yaml:"dimensions"`
}

// RetrievalConfig configures the unified read path.
type RetrievalConfig struct {
	Memoire           MemoireConfig    `yaml:"memoire"`
	Limites           RetrievalLimits  `yaml:"limites"`
	Scoring           RetrievalScoring `yaml:"scoring"`
	EverythingExePath string           `yaml:"everything_exe_path"`
}

// MemoireConfig selects the memory backend behaviour.
type MemoireConfig struct {
	TypeMemoire string `yaml:"type_memoire"`
}

// RetrievalLimits bounds search fan-out.
type RetrievalLimits struct {
	RechercheEverythingMax int `yaml:"recherche_everything_max"`
	ResultatsFinaux        int `yaml:"resultats_finaux"`
	HistoriqueRecent       int `yaml:"historique_recent"`
}

// RetrievalScoring tunes the intent boost.
type RetrievalScoring struct {
	BoostIntention float64 `yaml:"boost_intention"`
}

// JudgeConfig configures a-priori and a-posteriori judging.
type JudgeConfig struct {
	Pertinence JudgePertinence `yaml:"pertinence"`
	Decision   JudgeDecision   `yaml:"decision"`
	Limites    JudgeLimits     `yaml:"limites"`
}

// JudgePertinence holds the lexical scoring knobs.
type JudgePertinence struct {
	StopWords  []string `yaml:"stop_words"`
	BoostTitre float64  `yaml:"boost_titre"`
	BonusSujet float64  `yaml:"bonus_sujet"`
}

// JudgeDecision holds the validity threshold.
type JudgeDecision struct {
	SeuilValidation float64 `yaml:"seuil_validation"`
}

// JudgeLimits bounds the coherence-judge context size.
type JudgeLimits struct {
	MinCharsContexte int `yaml:"min_chars_contexte"`
	MaxCharsContexte int `yaml:"max_chars_contexte"`
	MargePromptTotal int `yaml:"marge_prompt_total"`
}

// ContextConfig drives the rule-activation pipeline of the context agent.
type ContextConfig struct {
	// SymbolicRules maps a prompt regex to the rule IDs it activates.
	SymbolicRules map[string][]string `yaml:"regles_symboliques"`
	// TriggersCategories maps a rule tag to the prompt regex that activates it.
	TriggersCategories map[string]string `yaml:"triggers_categories"`
	SemanticRulesTop   int               `yaml:"regles_semantiques_top"`
}

// ReflexorConfig configures the governance analysis and feedback path.
type ReflexorConfig struct {
	SimilarIncidents  int     `yaml:"incidents_similaires"`
	HistoryLines      int     `yaml:"lignes_historique"`
	FeedbackTrigger   string  `yaml:"mot_cle_feedback"`
	FeedbackThreshold float64 `yaml:"seuil_feedback_positif"`
}

// OrchestratorConfig configures the session and turn loop.
type OrchestratorConfig struct {
	MaxHistorySession  int      `yaml:"max_history_session"`
	RelevanceThreshold float64  `yaml:"relevance_threshold"`
	MaxItemsContext    int      `yaml:"max_items_context"`
	TagsPriority       []string `yaml:"tags_priority"`
	MaxAutonomySteps   int      `yaml:"max_autonomy_steps"`
	JudgeEnabled       bool     `yaml:"judge_enabled"`
	WebSufficiency     int      `yaml:"web_sufficiency"`
	WebMaxRounds       int      `yaml:"web_max_rounds"`
	WebMaxContentLen   int      `yaml:"web_max_content_len"`
}

// ConsolidatorConfig configures deferred session consolidation.
type ConsolidatorConfig struct {
	ProcesseurPersistante PersistanteConfig `yaml:"processeur_persistante"`
}

// PersistanteConfig holds the session inactivity timeout.
type PersistanteConfig struct {
	TimeoutSessionHeures float64 `yaml:"timeout_session_heures"`
}

// CodeConfig configures the static code subsystem.
type CodeConfig struct {
	IncludeRoots  []string          `yaml:"include_roots"`
	DocServiceURL string            `yaml:"doc_service_url"`
	ExtensionMap  map[string]string `yaml:"extension_map"`
}

// LocatorConfig configures the OS file finder subprocess.
type LocatorConfig struct {
	BinaryPath string `yaml:"binary_path"`
}

// Default returns the configuration used when no YAML overrides exist.
func Default() *Config {
	return &Config{
		MemoryRoot:  "memoire",
		ProjectRoot: ".",
		LLM: LLMConfig{
			ActiveProfile: "large",
			Models: map[string]ModelConfig{
				"large": {
					ServerURL:  "http://127.0.0.1:8080",
					TimeoutSec: 300,
					Generation: GenerationConfig{
						MaxTokens:   2048,
						Temperature: 0.7,
						TopP:        0.9,
						StopTokens:  []string{"<|im_end|>"},
						CachePrompt: true,
						DoSample:    true,
					},
				},
				"small": {
					ServerURL:  "http://127.0.0.1:8081",
					TimeoutSec: 60,
					Generation: GenerationConfig{
						MaxTokens:   512,
						Temperature: 0.1,
						TopP:        0.9,
						StopTokens:  []string{"<|im_end|>"},
					},
				},
			},
		},
		Vector: VectorConfig{
			EmbedServerURL: "http://127.0.0.1:11434",
			EmbedModel:     "nomic-embed-text",
			Dimensions:     768,
		},
		Retrieval: RetrievalConfig{
			Memoire: MemoireConfig{TypeMemoire: "vectorielle"},
			Limites: RetrievalLimits{
				RechercheEverythingMax: 50,
				ResultatsFinaux:        5,
				HistoriqueRecent:       6,
			},
			Scoring: RetrievalScoring{BoostIntention: 0.15},
		},
		Judge: JudgeConfig{
			Pertinence: JudgePertinence{
				StopWords: []string{
					"le", "la", "les", "un", "une", "des", "de", "du", "et",
					"ou", "en", "sur", "pour", "avec", "dans", "est", "que",
					"qui", "the", "a", "an", "of", "to", "and", "or", "in",
					"on", "for", "with", "is", "it",
				},
				BoostTitre: 2.0,
				BonusSujet: 0.15,
			},
			Decision: JudgeDecision{SeuilValidation: 0.5},
			Limites: JudgeLimits{
				MinCharsContexte: 50,
				MaxCharsContexte: 12000,
				MargePromptTotal: 2000,
			},
		},
		Context: ContextConfig{
			SymbolicRules: map[string][]string{
				`(?i)\bsupprim|\befface|\bdelete`:     {"R_prudence_destruction"},
				`(?i)\bsecret|\bmot de passe|\btoken`: {"R_confidentialite"},
			},
			TriggersCategories: map[string]string{
				"code":    `(?i)\bcode\b|\bfonction\b|\bscript\b`,
				"memoire": `(?i)\bmemoire\b|\bsouviens\b|\bhistorique\b`,
			},
			SemanticRulesTop: 3,
		},
		Reflexor: ReflexorConfig{
			SimilarIncidents:  3,
			HistoryLines:      6,
			FeedbackTrigger:   "memoire",
			FeedbackThreshold: 0,
		},
		Orchestrator: OrchestratorConfig{
			MaxHistorySession:  10,
			RelevanceThreshold: 0.15,
			MaxItemsContext:    4,
			TagsPriority:       []string{"truth"},
			MaxAutonomySteps:   5,
			JudgeEnabled:       true,
			WebSufficiency:     8,
			WebMaxRounds:       3,
			WebMaxContentLen:   8000,
		},
		Consolidator: ConsolidatorConfig{
			ProcesseurPersistante: PersistanteConfig{TimeoutSessionHeures: 8},
		},
		Code: CodeConfig{
			IncludeRoots: []string{"."},
			ExtensionMap: map[string]string{
				"go": "go", "python": "py", "json": "json",
				"yaml": "yaml", "markdown": "md", "bash": "sh",
			},
		},
		Locator: LocatorConfig{BinaryPath: "es"},
	}
}

// fileWrapper matches the on-disk layout: every YAML has a configuration: root.
type fileWrapper struct {
	Configuration yaml.Node `yaml:"configuration"`
}

// Load reads every *.yaml under dir and merges it over Default().
// A missing directory is not an error; defaults apply.
func Load(dir string) (*Config, error) {
	cfg := Default()
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config dir: %w", err)
	}

	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", e.Name(), err)
		}
		var w fileWrapper
		if err := yaml.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("parse %s: %w", e.Name(), err)
		}
		if w.Configuration.Kind == 0 {
			continue
		}
		if err := w.Configuration.Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", e.Name(), err)
		}
	}
	return cfg, nil
}
