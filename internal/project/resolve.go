package project

import (
	"strings"

	"github.com/bromic007/llamafarm-sub004/internal/errors"
	"github.com/bromic007/llamafarm-sub004/internal/rag"
)

// IngestStrategies resolves the processing and embedding strategies for one
// ingest run: the named data-processing strategy (or the project default)
// plus the embedding strategy of the target database. Implements the rag
// service's StrategySource.
func (r *Registry) IngestStrategies(namespace, project, database, strategyName string) (rag.ProcessingStrategy, rag.EmbeddingStrategy, error) {
	cfg, err := r.Get(namespace, project)
	if err != nil {
		return rag.ProcessingStrategy{}, rag.EmbeddingStrategy{}, err
	}

	name := strings.TrimSpace(strategyName)
	if name == "" && cfg.Components != nil {
		name = cfg.Components.Defaults.DataProcessingStrategy
	}
	if name == "" {
		return rag.ProcessingStrategy{}, rag.EmbeddingStrategy{}, errors.InvalidArgumentError(
			"no data processing strategy named and the project configures no default")
	}
	processing, err := cfg.Components.ProcessingStrategyByName(name)
	if err != nil {
		return rag.ProcessingStrategy{}, rag.EmbeddingStrategy{}, err
	}

	db, err := cfg.DatabaseByName(database)
	if err != nil {
		return rag.ProcessingStrategy{}, rag.EmbeddingStrategy{}, err
	}
	embedding, _, err := rag.ResolveDatabaseStrategies(db, cfg.Components)
	if err != nil {
		return rag.ProcessingStrategy{}, rag.EmbeddingStrategy{}, err
	}
	return processing, embedding, nil
}

// QueryStrategies resolves the embedding and retrieval strategies for a
// query against a database. retrievalName overrides the database's own
// retrieval slot when set.
func (r *Registry) QueryStrategies(namespace, project, database, retrievalName string) (rag.EmbeddingStrategy, rag.RetrievalStrategy, error) {
	cfg, err := r.Get(namespace, project)
	if err != nil {
		return rag.EmbeddingStrategy{}, rag.RetrievalStrategy{}, err
	}
	db, err := cfg.DatabaseByName(database)
	if err != nil {
		return rag.EmbeddingStrategy{}, rag.RetrievalStrategy{}, err
	}
	embedding, retrieval, err := rag.ResolveDatabaseStrategies(db, cfg.Components)
	if err != nil {
		return rag.EmbeddingStrategy{}, rag.RetrievalStrategy{}, err
	}
	if name := strings.TrimSpace(retrievalName); name != "" {
		named, err := cfg.Components.RetrievalStrategyByName(name)
		if err != nil {
			return rag.EmbeddingStrategy{}, rag.RetrievalStrategy{}, err
		}
		retrieval = named
	}
	return embedding, retrieval, nil
}

// AddDatabase appends a database to the project config after inlining any
// referenced component definitions. Supplying both a reference and an inline
// definition for the same slot is rejected; neither falls back to the
// component defaults, and a still-unresolved embedding slot fails.
func (r *Registry) AddDatabase(namespace, project string, db rag.Database) (*Config, error) {
	if strings.TrimSpace(db.Name) == "" {
		return nil, errors.InvalidArgumentError("database name is required")
	}
	return r.Mutate(namespace, project, func(cfg *Config) error {
		if _, err := cfg.DatabaseByName(db.Name); err == nil {
			return errors.ConflictError("database " + db.Name + " already exists")
		}
		inlined, err := inlineDatabase(db, cfg.Components)
		if err != nil {
			return err
		}
		cfg.RAG.Databases = append(cfg.RAG.Databases, inlined)
		return nil
	})
}

// inlineDatabase materializes referenced strategies into the database record
// so the stored definition is self-contained.
func inlineDatabase(db rag.Database, comps *rag.Components) (rag.Database, error) {
	if db.Embedding != nil && db.EmbeddingStrategyRef != "" {
		return db, errors.InvalidArgumentf("database %q sets both embedding_strategy and inline embedding", db.Name)
	}
	if db.Retrieval != nil && db.RetrievalStrategyRef != "" {
		return db, errors.InvalidArgumentf("database %q sets both retrieval_strategy and inline retrieval", db.Name)
	}

	if db.Embedding == nil {
		ref := db.EmbeddingStrategyRef
		if ref == "" && comps != nil {
			ref = comps.Defaults.EmbeddingStrategy
		}
		if ref == "" {
			return db, errors.InvalidArgumentf("database %q has no embedding strategy and no default is configured", db.Name)
		}
		s, err := comps.EmbeddingStrategyByName(ref)
		if err != nil {
			return db, err
		}
		db.Embedding = &s
		db.EmbeddingStrategyRef = ""
	}

	if db.Retrieval == nil {
		ref := db.RetrievalStrategyRef
		if ref == "" && comps != nil {
			ref = comps.Defaults.RetrievalStrategy
		}
		if ref != "" {
			s, err := comps.RetrievalStrategyByName(ref)
			if err != nil {
				return db, err
			}
			db.Retrieval = &s
			db.RetrievalStrategyRef = ""
		} else {
			db.Retrieval = &rag.RetrievalStrategy{Type: rag.RetrievalSimilarity}
		}
	}

	if db.DistanceMetric == "" {
		db.DistanceMetric = "cosine"
	}
	return db, nil
}

// AttachDatasetFile records an uploaded file hash on a dataset, creating the
// dataset entry if the project does not have it yet.
func (r *Registry) AttachDatasetFile(namespace, project, datasetName, database, hash string) (*Config, error) {
	return r.Mutate(namespace, project, func(cfg *Config) error {
		for i := range cfg.Datasets {
			if cfg.Datasets[i].Name != datasetName {
				continue
			}
			for _, existing := range cfg.Datasets[i].Files {
				if existing == hash {
					return nil
				}
			}
			cfg.Datasets[i].Files = append(cfg.Datasets[i].Files, hash)
			return nil
		}
		if database == "" {
			if len(cfg.RAG.Databases) != 1 {
				return errors.InvalidArgumentf("dataset %q does not exist and no database was named", datasetName)
			}
			database = cfg.RAG.Databases[0].Name
		}
		if _, err := cfg.DatabaseByName(database); err != nil {
			return err
		}
		cfg.Datasets = append(cfg.Datasets, DatasetConfig{
			Name:     datasetName,
			Database: database,
			Files:    []string{hash},
		})
		return nil
	})
}

// DetachDatasetFile removes a file hash from a dataset's file list.
func (r *Registry) DetachDatasetFile(namespace, project, datasetName, hash string) (*Config, error) {
	return r.Mutate(namespace, project, func(cfg *Config) error {
		for i := range cfg.Datasets {
			if cfg.Datasets[i].Name != datasetName {
				continue
			}
			files := cfg.Datasets[i].Files[:0]
			for _, existing := range cfg.Datasets[i].Files {
				if existing != hash {
					files = append(files, existing)
				}
			}
			cfg.Datasets[i].Files = files
			return nil
		}
		return errors.NotFoundf("dataset %q", datasetName)
	})
}
