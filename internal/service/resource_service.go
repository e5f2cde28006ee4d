package service

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/grok-ai/BeER/internal/k8s"
	"github.com/grok-ai/BeER/internal/models"
	"github.com/grok-ai/BeER/internal/pkg/logger"
	"github.com/grok-ai/BeER/internal/repository"
)

const defaultNodeRefreshConcurrency = 8

// Resources is what the cluster currently offers, keyed by worker hostname.
type Resources struct {
	Workers map[string]models.Worker `json:"workers"`
	GPUs    map[string][]models.GPU  `json:"gpus"`
	// Capacity is the allocatable nvidia.com/gpu count the node advertises.
	Capacity map[string]int64 `json:"capacity"`
}

// ResourceService cross-references live node status with the registered GPU inventory.
type ResourceService interface {
	ListResources(ctx context.Context, onlyOnline, onlyAvailable bool) (*Resources, error)
}

type resourceService struct {
	workers     repository.WorkerRepository
	orch        Orchestrator
	concurrency int
	logger      *zap.Logger
}

func NewResourceService(workers repository.WorkerRepository, orch Orchestrator, concurrency int, log *zap.Logger) ResourceService {
	if concurrency <= 0 {
		concurrency = defaultNodeRefreshConcurrency
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &resourceService{workers: workers, orch: orch, concurrency: concurrency, logger: log}
}

// ListResources always restricts the answer to online workers. The flags are accepted and
// logged but do not change the result yet.
func (s *resourceService) ListResources(ctx context.Context, onlyOnline, onlyAvailable bool) (*Resources, error) {
	log := logger.For(ctx, s.logger)
	log.Debug("listing resources", zap.Bool("only_online", onlyOnline), zap.Bool("only_available", onlyAvailable))

	nodes, err := s.orch.ListWorkerNodes(ctx)
	if err != nil {
		return nil, err
	}

	var (
		mu       sync.Mutex
		online   []string
		capacity = make(map[string]int64)
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i := range nodes {
		name := nodes[i].Name
		g.Go(func() error {
			node, err := s.orch.GetNode(gctx, name)
			if err != nil {
				if k8s.IsNotFound(err) {
					return nil
				}
				return err
			}
			if !k8s.IsOnline(node) {
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			host := k8s.NodeHostname(node)
			online = append(online, host)
			capacity[host] = k8s.GPUCapacity(node)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Strings(online)

	inventory, err := s.workers.GPUsByWorkers(ctx, online)
	if err != nil {
		return nil, err
	}

	res := &Resources{
		Workers:  make(map[string]models.Worker, len(inventory)),
		GPUs:     make(map[string][]models.GPU, len(inventory)),
		Capacity: capacity,
	}
	for _, wg := range inventory {
		res.Workers[wg.Worker.Hostname] = wg.Worker
		res.GPUs[wg.Worker.Hostname] = wg.GPUs
	}
	log.Debug("resources listed", zap.Int("nodes", len(nodes)), zap.Int("online", len(online)), zap.Int("registered", len(inventory)))
	return res, nil
}

