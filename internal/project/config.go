// Package project defines the declarative project configuration
// (llamafarm.yaml) and the on-disk registry that stores one project per
// namespace/name directory under the data root.
package project

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/bromic007/llamafarm-sub004/internal/errors"
	"github.com/bromic007/llamafarm-sub004/internal/models"
	"github.com/bromic007/llamafarm-sub004/internal/rag"
)

// ModelEntry is one runtime model binding. Family defaults to language.
type ModelEntry struct {
	Name          string `yaml:"name" json:"name"`
	Family        string `yaml:"family,omitempty" json:"family,omitempty"`
	Model         string `yaml:"model" json:"model"`
	BaseURL       string `yaml:"base_url,omitempty" json:"base_url,omitempty"`
	APIKey        string `yaml:"api_key,omitempty" json:"api_key,omitempty"`
	ContextWindow *int   `yaml:"context_window,omitempty" json:"context_window,omitempty"`
	Normalization string `yaml:"normalization,omitempty" json:"normalization,omitempty"`
}

// EffectiveFamily returns the parsed family, defaulting to language.
func (m ModelEntry) EffectiveFamily() (models.Family, error) {
	if strings.TrimSpace(m.Family) == "" {
		return models.FamilyLanguage, nil
	}
	return models.ParseFamily(m.Family)
}

// Runtime binds the project's model list to a default selection.
type Runtime struct {
	Models       []ModelEntry `yaml:"models" json:"models"`
	DefaultModel string       `yaml:"default_model,omitempty" json:"default_model,omitempty"`

	// SummaryModel names the (usually smaller) model used for history
	// compaction. Empty falls back to DefaultModel.
	SummaryModel string `yaml:"summary_model,omitempty" json:"summary_model,omitempty"`
}

// PromptMessage is one role/content entry of a prompt set.
type PromptMessage struct {
	Role    string `yaml:"role" json:"role"`
	Content string `yaml:"content" json:"content"`
}

// PromptSet is a named, ordered list of prompt messages. Content may carry
// {{variable}} markers resolved per request.
type PromptSet struct {
	Name     string          `yaml:"name" json:"name"`
	Messages []PromptMessage `yaml:"messages" json:"messages"`
}

// RAGConfig lists the project's databases.
type RAGConfig struct {
	Databases []rag.Database `yaml:"databases,omitempty" json:"databases,omitempty"`
}

// DatasetConfig binds a data-processing strategy to a database and tracks
// which uploaded files (by content hash) belong to the dataset.
type DatasetConfig struct {
	Name     string   `yaml:"name" json:"name"`
	Database string   `yaml:"database" json:"database"`
	Strategy string   `yaml:"data_processing_strategy,omitempty" json:"data_processing_strategy,omitempty"`
	Files    []string `yaml:"files,omitempty" json:"files,omitempty"`
}

// Config is the immutable snapshot of one project. Handlers treat loaded
// configs as read-only; updates go through Registry.Update which swaps the
// whole file.
type Config struct {
	Name      string `yaml:"name" json:"name"`
	Namespace string `yaml:"namespace" json:"namespace"`
	Version   string `yaml:"version,omitempty" json:"version,omitempty"`

	Runtime    Runtime         `yaml:"runtime" json:"runtime"`
	Prompts    []PromptSet     `yaml:"prompts,omitempty" json:"prompts,omitempty"`
	Components *rag.Components `yaml:"components,omitempty" json:"components,omitempty"`
	RAG        RAGConfig       `yaml:"rag,omitempty" json:"rag,omitempty"`
	Datasets   []DatasetConfig `yaml:"datasets,omitempty" json:"datasets,omitempty"`
}

// ParseConfig decodes and validates a llamafarm.yaml document.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.InvalidArgumentf("parse project config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Marshal renders the config back to canonical YAML.
func (c *Config) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode project config: %w", err)
	}
	return data, nil
}

// Hash returns the SHA-256 of the canonical YAML form, used to stamp event
// log records with the config they ran against.
func (c *Config) Hash() string {
	data, err := c.Marshal()
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Validate enforces the referential invariants: unique model names, a
// resolvable default model, strategy references that name existing
// components, datasets that point at existing databases and strategies.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return errors.InvalidArgumentError("project name is required")
	}

	seen := make(map[string]bool, len(c.Runtime.Models))
	for i, m := range c.Runtime.Models {
		if strings.TrimSpace(m.Name) == "" {
			return errors.InvalidArgumentf("runtime model %d has no name", i)
		}
		if strings.TrimSpace(m.Model) == "" {
			return errors.InvalidArgumentf("runtime model %q has no model identifier", m.Name)
		}
		if seen[m.Name] {
			return errors.InvalidArgumentf("duplicate runtime model name %q", m.Name)
		}
		seen[m.Name] = true
		if _, err := m.EffectiveFamily(); err != nil {
			return err
		}
		if m.ContextWindow != nil && *m.ContextWindow <= 0 {
			return errors.InvalidArgumentf("runtime model %q context window must be positive", m.Name)
		}
	}
	if c.Runtime.DefaultModel != "" && !seen[c.Runtime.DefaultModel] {
		return errors.InvalidArgumentf("default_model %q names no runtime model", c.Runtime.DefaultModel)
	}
	if c.Runtime.SummaryModel != "" && !seen[c.Runtime.SummaryModel] {
		return errors.InvalidArgumentf("summary_model %q names no runtime model", c.Runtime.SummaryModel)
	}

	promptNames := make(map[string]bool, len(c.Prompts))
	for _, ps := range c.Prompts {
		if strings.TrimSpace(ps.Name) == "" {
			return errors.InvalidArgumentError("prompt set has no name")
		}
		if promptNames[ps.Name] {
			return errors.InvalidArgumentf("duplicate prompt set %q", ps.Name)
		}
		promptNames[ps.Name] = true
		for _, msg := range ps.Messages {
			switch msg.Role {
			case "system", "user", "assistant":
			default:
				return errors.InvalidArgumentf("prompt set %q has unknown role %q", ps.Name, msg.Role)
			}
		}
	}

	if err := c.validateComponents(); err != nil {
		return err
	}

	databases := make(map[string]bool, len(c.RAG.Databases))
	for _, db := range c.RAG.Databases {
		if strings.TrimSpace(db.Name) == "" {
			return errors.InvalidArgumentError("database has no name")
		}
		if databases[db.Name] {
			return errors.InvalidArgumentf("duplicate database %q", db.Name)
		}
		databases[db.Name] = true
		if err := c.validateDatabase(db); err != nil {
			return err
		}
	}

	datasetNames := make(map[string]bool, len(c.Datasets))
	for _, ds := range c.Datasets {
		if strings.TrimSpace(ds.Name) == "" {
			return errors.InvalidArgumentError("dataset has no name")
		}
		if datasetNames[ds.Name] {
			return errors.InvalidArgumentf("duplicate dataset %q", ds.Name)
		}
		datasetNames[ds.Name] = true
		if !databases[ds.Database] {
			return errors.InvalidArgumentf("dataset %q references unknown database %q", ds.Name, ds.Database)
		}
		if ds.Strategy != "" {
			if _, err := c.Components.ProcessingStrategyByName(ds.Strategy); err != nil {
				return errors.InvalidArgumentf("dataset %q references unknown data processing strategy %q", ds.Name, ds.Strategy)
			}
		}
	}
	return nil
}

// validateComponents rejects strategies the resolver would choke on later:
// parser entries of unknown type fail at load time rather than mid-ingest.
func (c *Config) validateComponents() error {
	if c.Components == nil {
		return nil
	}
	for name, s := range c.Components.DataProcessingStrategies {
		if len(s.Parsers) == 0 {
			return errors.InvalidArgumentf("data processing strategy %q has no parsers", name)
		}
		for _, pc := range s.Parsers {
			if strings.TrimSpace(pc.Type) == "" {
				continue // skipped with a warning at resolve time
			}
			if !rag.KnownParserType(pc.Type) {
				return errors.InvalidArgumentf("data processing strategy %q uses unknown parser type %q", name, pc.Type)
			}
		}
	}
	for name, s := range c.Components.EmbeddingStrategies {
		if strings.TrimSpace(s.Model) == "" {
			return errors.InvalidArgumentf("embedding strategy %q has no model", name)
		}
	}
	d := c.Components.Defaults
	if d.EmbeddingStrategy != "" {
		if _, ok := c.Components.EmbeddingStrategies[d.EmbeddingStrategy]; !ok {
			return errors.InvalidArgumentf("defaults.embedding_strategy %q names no component", d.EmbeddingStrategy)
		}
	}
	if d.RetrievalStrategy != "" {
		if _, ok := c.Components.RetrievalStrategies[d.RetrievalStrategy]; !ok {
			return errors.InvalidArgumentf("defaults.retrieval_strategy %q names no component", d.RetrievalStrategy)
		}
	}
	if d.DataProcessingStrategy != "" {
		if _, ok := c.Components.DataProcessingStrategies[d.DataProcessingStrategy]; !ok {
			return errors.InvalidArgumentf("defaults.data_processing_strategy %q names no component", d.DataProcessingStrategy)
		}
	}
	return nil
}

func (c *Config) validateDatabase(db rag.Database) error {
	// Referenced strategies must exist; the XOR rule (inline or reference,
	// never both) is enforced by the shared resolver.
	if _, _, err := rag.ResolveDatabaseStrategies(db, c.Components); err != nil {
		return err
	}
	return nil
}

// ModelByName resolves a runtime entry by its configured name.
func (c *Config) ModelByName(name string) (ModelEntry, error) {
	for _, m := range c.Runtime.Models {
		if m.Name == name {
			return m, nil
		}
	}
	return ModelEntry{}, errors.NotFoundf("runtime model %q", name)
}

// DefaultModel returns the entry named by runtime.default_model, falling
// back to the first configured model.
func (c *Config) DefaultModel() (ModelEntry, error) {
	if c.Runtime.DefaultModel != "" {
		return c.ModelByName(c.Runtime.DefaultModel)
	}
	if len(c.Runtime.Models) > 0 {
		return c.Runtime.Models[0], nil
	}
	return ModelEntry{}, errors.NotFoundError("project has no runtime models")
}

// SummaryModel returns the compaction model entry: summary_model when set,
// otherwise the default model.
func (c *Config) SummaryModel() (ModelEntry, error) {
	if c.Runtime.SummaryModel != "" {
		return c.ModelByName(c.Runtime.SummaryModel)
	}
	return c.DefaultModel()
}

// DatabaseByName resolves a database definition.
func (c *Config) DatabaseByName(name string) (rag.Database, error) {
	for _, db := range c.RAG.Databases {
		if db.Name == name {
			return db, nil
		}
	}
	return rag.Database{}, errors.NotFoundf("database %q", name)
}

// DatasetByName resolves a dataset definition.
func (c *Config) DatasetByName(name string) (DatasetConfig, error) {
	for _, ds := range c.Datasets {
		if ds.Name == name {
			return ds, nil
		}
	}
	return DatasetConfig{}, errors.NotFoundf("dataset %q", name)
}

// PromptSetByName resolves a prompt set.
func (c *Config) PromptSetByName(name string) (PromptSet, error) {
	for _, ps := range c.Prompts {
		if ps.Name == name {
			return ps, nil
		}
	}
	return PromptSet{}, errors.NotFoundf("prompt set %q", name)
}

// Spec converts a runtime entry into a model manager spec.
func (m ModelEntry) Spec() (models.Spec, error) {
	family, err := m.EffectiveFamily()
	if err != nil {
		return models.Spec{}, err
	}
	return models.Spec{
		Family:        family,
		Model:         m.Model,
		BaseURL:       m.BaseURL,
		APIKey:        m.APIKey,
		ContextWindow: m.ContextWindow,
		Normalization: m.Normalization,
	}, nil
}
