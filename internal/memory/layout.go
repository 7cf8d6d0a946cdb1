// Package memory is the single write path for all persistent artefacts. It
// layers a raw write-ahead journal, transactional per-turn JSON, the narrative
// vector store and the inverted index behind one manager.
package memory

import (
	"os"
	"path/filepath"
)

// Layout resolves every directory of the memory root. All components address
// the filesystem through it so the on-disk names live in exactly one place.
type Layout struct {
	Root string
}

// NewLayout builds a layout and creates the directory tree.
func NewLayout(root string) (*Layout, error) {
	l := &Layout{Root: root}
	for _, dir := range []string{
		l.Brute(), l.Historique(), l.Persistante(), l.Reflexive(),
		l.Feedback(), l.Regles(), l.ReglesVecteurs(), l.Connaissances(),
		l.DocumentationTechnique(), l.Vectorielle(), l.Code(), l.CodeExtraits(),
		l.TrainingCentre(), l.Agent(),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// Brute holds the append-only daily journals.
func (l *Layout) Brute() string { return filepath.Join(l.Root, "brute") }

// Historique holds one JSON file per conversational turn.
func (l *Layout) Historique() string { return filepath.Join(l.Root, "historique") }

// Persistante holds consolidated turn summaries.
func (l *Layout) Persistante() string { return filepath.Join(l.Root, "persistante") }

// Reflexive holds the metacognitive journal and feedback.
func (l *Layout) Reflexive() string { return filepath.Join(l.Root, "reflexive") }

// Feedback holds user feedback records.
func (l *Layout) Feedback() string { return filepath.Join(l.Reflexive(), "feedback") }

// Regles holds governance rule files.
func (l *Layout) Regles() string { return filepath.Join(l.Root, "regles") }

// ReglesVecteurs holds the legislative vector store files.
func (l *Layout) ReglesVecteurs() string { return filepath.Join(l.Regles(), "vecteurs") }

// Connaissances holds READMEs and curated knowledge.
func (l *Layout) Connaissances() string { return filepath.Join(l.Root, "connaissances") }

// DocumentationTechnique holds external documentation.
func (l *Layout) DocumentationTechnique() string {
	return filepath.Join(l.Connaissances(), "documentation_technique")
}

// Vectorielle holds the narrative vector store files.
func (l *Layout) Vectorielle() string { return filepath.Join(l.Root, "vectorielle") }

// Code holds the code subsystem artefacts.
func (l *Layout) Code() string { return filepath.Join(l.Root, "code") }

// CodeExtraits holds archived code artefacts. The original mixed
// dossier_extraits and code_extraits; code_extraits is the canonical name.
func (l *Layout) CodeExtraits() string { return filepath.Join(l.Code(), "code_extraits") }

// TrainingCentre holds the consolidator's training dataset.
func (l *Layout) TrainingCentre() string { return filepath.Join(l.Root, "centre_entrainement") }

// Agent holds agent-owned markdown (system summary, staging notes).
func (l *Layout) Agent() string { return filepath.Join(l.Root, "agent") }

// NarrativeIndex is the narrative store's vector file.
func (l *Layout) NarrativeIndex() string { return filepath.Join(l.Vectorielle(), "index.ann") }

// NarrativeMeta is the narrative store's metadata file.
func (l *Layout) NarrativeMeta() string { return filepath.Join(l.Vectorielle(), "metadata.json") }

// LegislativeIndex is the legislative store's vector file.
func (l *Layout) LegislativeIndex() string { return filepath.Join(l.ReglesVecteurs(), "index.ann") }

// LegislativeMeta is the legislative store's metadata file.
func (l *Layout) LegislativeMeta() string { return filepath.Join(l.ReglesVecteurs(), "metadata.json") }

// InvertedIndexDB is the full-text index database.
func (l *Layout) InvertedIndexDB() string { return filepath.Join(l.Root, "index_inverse.db") }

// StateFile is the deferred consolidator's processed-set file.
func (l *Layout) StateFile() string { return filepath.Join(l.Root, ".traitement_state.json") }

// ChunksJournal is the code chunks journal.
func (l *Layout) ChunksJournal() string { return filepath.Join(l.Code(), "code_chunks.jsonl") }
