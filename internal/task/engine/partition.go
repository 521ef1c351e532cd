package engine

import (
	"fmt"
	"sort"
)

// PartitionConfig controls how a slice of items is cut into chunk tasks.
type PartitionConfig struct {
	// MaxTaskSize is the largest number of items per chunk.
	MaxTaskSize int
	// MinTaskSize keeps tiny tail chunks from being emitted on their own:
	// a final chunk smaller than this is merged into the previous one.
	MinTaskSize int
	// UseDataLocality groups items by key before chunking so related items
	// land in the same task.
	UseDataLocality bool
}

// DefaultPartitionConfig mirrors the sizes used for bulk file analysis.
func DefaultPartitionConfig() PartitionConfig {
	return PartitionConfig{MaxTaskSize: 1000, MinTaskSize: 10, UseDataLocality: true}
}

// Chunk is one slice of a partitioned input.
type Chunk[T any] struct {
	Index int
	Key   string
	Items []T
}

// Partition splits items into chunks of at most MaxTaskSize and builds one
// task per chunk.
func Partition[T any](cfg PartitionConfig, items []T, build func(Chunk[T]) Task) []Task {
	chunks := chunkItems(cfg, "", items, 0)
	tasks := make([]Task, 0, len(chunks))
	for _, c := range chunks {
		tasks = append(tasks, build(c))
	}
	return tasks
}

// PartitionByKey groups items by key (in key order) and chunks each group
// separately when UseDataLocality is set; otherwise it behaves like Partition.
func PartitionByKey[T any](cfg PartitionConfig, items []T, key func(T) string, build func(Chunk[T]) Task) []Task {
	if !cfg.UseDataLocality || key == nil {
		return Partition(cfg, items, build)
	}
	groups := make(map[string][]T)
	for _, it := range items {
		k := key(it)
		groups[k] = append(groups[k], it)
	}
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var tasks []Task
	idx := 0
	for _, k := range keys {
		for _, c := range chunkItems(cfg, k, groups[k], idx) {
			tasks = append(tasks, build(c))
			idx++
		}
	}
	return tasks
}

// ChunkID formats the conventional id for a chunk task.
func ChunkID(prefix, key string, index int) string {
	if key != "" {
		return fmt.Sprintf("%s-%s-%d", prefix, key, index)
	}
	return fmt.Sprintf("%s-%d", prefix, index)
}

func chunkItems[T any](cfg PartitionConfig, key string, items []T, first int) []Chunk[T] {
	size := cfg.MaxTaskSize
	if size <= 0 {
		size = len(items)
	}
	if size <= 0 {
		return nil
	}
	var out []Chunk[T]
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		part := items[start:end]
		if len(out) > 0 && len(part) < cfg.MinTaskSize {
			last := &out[len(out)-1]
			last.Items = append(last.Items[:len(last.Items):len(last.Items)], part...)
			continue
		}
		out = append(out, Chunk[T]{Index: first + len(out), Key: key, Items: part})
	}
	return out
}
