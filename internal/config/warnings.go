package config

// Warning codes.
const (
	WarningEphemeralDurable = "ephemeral_durable_store"
	WarningNoSnapshots      = "snapshots_disabled"
	WarningHashEmbedder     = "hash_embedder"
	WarningLazyMemoryStore  = "lazy_sync_in_memory"
)

// Warning is a valid but risky setting.
type Warning struct {
	Code    string
	Message string
}

// Warnings lists settings that are accepted but lose data or quality in
// production.
func (c *Config) Warnings() []Warning {
	var out []Warning
	if c.Storage.Durable.Driver == DriverMemory {
		out = append(out, Warning{
			Code:    WarningEphemeralDurable,
			Message: "durable store is in-process; all memory is lost on restart",
		})
		if c.Memory.LazySync {
			out = append(out, Warning{
				Code:    WarningLazyMemoryStore,
				Message: "lazy_sync has no effect on durability with the in-process store",
			})
		}
	}
	if c.Storage.Snapshot.Driver == DriverNone || c.Storage.Snapshot.Driver == "" {
		out = append(out, Warning{
			Code:    WarningNoSnapshots,
			Message: "snapshots disabled; every cold start replays the full durable history",
		})
	}
	if c.Embedding.Type == EmbeddingHash {
		out = append(out, Warning{
			Code:    WarningHashEmbedder,
			Message: "hash embedder matches shared words only; use http or openai for semantic retrieval",
		})
	}
	return out
}
