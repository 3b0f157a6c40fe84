package session

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"time"

	"github.com/forkdex/forkdex/internal/registry"
	"github.com/forkdex/forkdex/internal/vectorstore"
	"github.com/forkdex/forkdex/pkg/types"
)

// defaultK is the default cluster count, clamped to the session count.
const defaultK = 10

// kmeansMaxIterations bounds the Lloyd iteration.
const kmeansMaxIterations = 50

// ClusterService groups sessions by k-means over their session-level
// embeddings and persists the assignment snapshot.
type ClusterService struct {
	registry *registry.Registry
	store    vectorstore.VectorStore
	path     string // clusters.json
}

// NewClusterService wires the cluster service. path is the snapshot location.
func NewClusterService(reg *registry.Registry, store vectorstore.VectorStore, path string) *ClusterService {
	return &ClusterService{registry: reg, store: store, path: path}
}

// Run clusters every embeddable session into k groups (clamped to the session
// count; k <= 0 uses the default), labels clusters by dominant tag falling
// back to dominant project, computes the silhouette score, and persists the
// snapshot.
func (c *ClusterService) Run(ctx context.Context, k int) (*types.ClusterAssignment, error) {
	sessions := c.registry.List(registry.ListFilter{})

	var (
		ids  []string
		vecs [][]float64
	)
	for _, s := range sessions {
		vec, err := SessionEmbedding(ctx, c.store, s.ID)
		if err != nil {
			return nil, err
		}
		if vec == nil {
			continue
		}
		ids = append(ids, s.ID)
		vecs = append(vecs, vec)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("cluster: no embeddable sessions")
	}

	if k <= 0 {
		k = defaultK
	}
	if k > len(ids) {
		k = len(ids)
	}

	labels := kmeans(vecs, k)

	assignment := &types.ClusterAssignment{
		GeneratedAt: time.Now().UTC(),
		K:           k,
		Silhouette:  silhouette(vecs, labels, k),
		Clusters:    make(map[int]*types.Cluster),
		BySession:   make(map[string]int),
	}
	for i, id := range ids {
		cl := labels[i]
		assignment.BySession[id] = cl
		if assignment.Clusters[cl] == nil {
			assignment.Clusters[cl] = &types.Cluster{ID: cl}
		}
		assignment.Clusters[cl].Sessions = append(assignment.Clusters[cl].Sessions, id)
	}
	for _, cluster := range assignment.Clusters {
		sort.Strings(cluster.Sessions)
		cluster.Label = c.labelFor(cluster.Sessions)
	}

	if err := c.persist(assignment); err != nil {
		return nil, err
	}
	return assignment, nil
}

// Load returns the persisted assignment, or nil when none exists.
func (c *ClusterService) Load() (*types.ClusterAssignment, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("cluster: read snapshot: %w", err)
	}
	var assignment types.ClusterAssignment
	if err := json.Unmarshal(data, &assignment); err != nil {
		return nil, fmt.Errorf("cluster: parse snapshot: %w", err)
	}
	return &assignment, nil
}

func (c *ClusterService) persist(a *types.ClusterAssignment) error {
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("cluster: marshal: %w", err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("cluster: write temp: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("cluster: rename: %w", err)
	}
	return nil
}

// labelFor derives a cluster label: the dominant tag across members, falling
// back to the dominant project.
func (c *ClusterService) labelFor(sessionIDs []string) string {
	tagCounts := make(map[string]int)
	projectCounts := make(map[string]int)
	for _, id := range sessionIDs {
		s, err := c.registry.Get(id)
		if err != nil {
			continue
		}
		for _, tag := range s.Tags {
			tagCounts[tag]++
		}
		projectCounts[s.Project]++
	}

	if label := dominant(tagCounts); label != "" {
		return label
	}
	return dominant(projectCounts)
}

func dominant(counts map[string]int) string {
	best, bestCount := "", 0
	for key, count := range counts {
		if count > bestCount || (count == bestCount && key < best) {
			best, bestCount = key, count
		}
	}
	return best
}

// kmeans runs Lloyd's algorithm with deterministic farthest-point seeding.
func kmeans(vecs [][]float64, k int) []int {
	dim := len(vecs[0])
	centroids := make([][]float64, 0, k)

	// Seed: first vector, then repeatedly the vector farthest from its
	// nearest centroid. Deterministic, no randomness to replay.
	centroids = append(centroids, append([]float64(nil), vecs[0]...))
	for len(centroids) < k {
		farIdx, farDist := 0, -1.0
		for i, v := range vecs {
			d := nearestDist(v, centroids)
			if d > farDist {
				farIdx, farDist = i, d
			}
		}
		centroids = append(centroids, append([]float64(nil), vecs[farIdx]...))
	}

	labels := make([]int, len(vecs))
	for iter := 0; iter < kmeansMaxIterations; iter++ {
		changed := false
		for i, v := range vecs {
			best := nearestIdx(v, centroids)
			if best != labels[i] {
				labels[i] = best
				changed = true
			}
		}
		if !changed && iter > 0 {
			break
		}

		// Recompute centroids.
		sums := make([][]float64, k)
		counts := make([]int, k)
		for i := range sums {
			sums[i] = make([]float64, dim)
		}
		for i, v := range vecs {
			for j, x := range v {
				sums[labels[i]][j] += x
			}
			counts[labels[i]]++
		}
		for i := range centroids {
			if counts[i] == 0 {
				continue // empty cluster keeps its old centroid
			}
			for j := range centroids[i] {
				centroids[i][j] = sums[i][j] / float64(counts[i])
			}
		}
	}
	return labels
}

func nearestIdx(v []float64, centroids [][]float64) int {
	best, bestDist := 0, math.MaxFloat64
	for i, c := range centroids {
		d := sqDist(v, c)
		if d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}

func nearestDist(v []float64, centroids [][]float64) float64 {
	bestDist := math.MaxFloat64
	for _, c := range centroids {
		if d := sqDist(v, c); d < bestDist {
			bestDist = d
		}
	}
	return bestDist
}

func sqDist(a, b []float64) float64 {
	sum := 0.0
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// silhouette computes the mean silhouette coefficient: (b-a)/max(a,b) per
// point, where a is the mean intra-cluster distance and b the mean distance
// to the nearest other cluster. Single-cluster runs score 0.
func silhouette(vecs [][]float64, labels []int, k int) float64 {
	if k < 2 || len(vecs) < 2 {
		return 0
	}

	total, counted := 0.0, 0
	for i, v := range vecs {
		var intra []float64
		inter := make(map[int][]float64)
		for j, w := range vecs {
			if i == j {
				continue
			}
			d := math.Sqrt(sqDist(v, w))
			if labels[j] == labels[i] {
				intra = append(intra, d)
			} else {
				inter[labels[j]] = append(inter[labels[j]], d)
			}
		}
		if len(intra) == 0 || len(inter) == 0 {
			continue
		}

		a := mean(intra)
		b := math.MaxFloat64
		for _, ds := range inter {
			if m := mean(ds); m < b {
				b = m
			}
		}

		denom := math.Max(a, b)
		if denom > 0 {
			total += (b - a) / denom
			counted++
		}
	}
	if counted == 0 {
		return 0
	}
	return total / float64(counted)
}

func mean(xs []float64) float64 {
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
