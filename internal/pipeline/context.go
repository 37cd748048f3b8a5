package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/neosignal/assistantproxy/internal/adapters/homeautomation"
	"github.com/neosignal/assistantproxy/internal/memory"
)

type snapshotCacheEntry struct {
	snapshot homeautomation.Snapshot
	cachedAt time.Time
}

// Resolver gathers the context a plan needs: a home-automation snapshot
// (cached per user for a short TTL) and the user's memory context. It
// never fails the pipeline; a fetch error degrades the context and sets
// the corresponding error field.
type Resolver struct {
	home   HomeAutomation
	memory MemoryService
	logger *slog.Logger

	cacheTTL time.Duration
	mu       sync.Mutex
	cache    map[string]snapshotCacheEntry

	callTimeout time.Duration
}

func NewResolver(home HomeAutomation, mem MemoryService, cacheTTL time.Duration, logger *slog.Logger) *Resolver {
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Second
	}
	return &Resolver{
		home:        home,
		memory:      mem,
		logger:      logger,
		cacheTTL:    cacheTTL,
		cache:       make(map[string]snapshotCacheEntry),
		callTimeout: 30 * time.Second,
	}
}

// Resolve fetches whatever the intent requires, concurrently when both
// halves are needed.
func (r *Resolver) Resolve(ctx context.Context, userID, command string, intent Intent) Context {
	resolved := Context{UserID: userID, Command: command, Intent: intent}

	g, gctx := errgroup.WithContext(ctx)

	if intent.NeedsHomeAutomation() {
		g.Go(func() error {
			snapshot, err := r.homeSnapshot(gctx, userID)
			if err != nil {
				resolved.HomeErr = err.Error()
				resolved.Home = &homeautomation.Snapshot{
					Config:           map[string]any{},
					EntitiesByDomain: map[string][]homeautomation.State{},
					EntitiesByArea:   map[string][]homeautomation.State{},
				}
				return nil
			}
			resolved.Home = &snapshot
			return nil
		})
	}

	if intent.NeedsMemory() {
		g.Go(func() error {
			memCtx, err := r.memory.BuildContext(gctx, userID, command)
			if err != nil {
				resolved.MemoryErr = err.Error()
				resolved.Memory = &memory.Context{}
				return nil
			}
			resolved.Memory = &memCtx
			return nil
		})
	}

	// Goroutines above only record errors, never return them.
	_ = g.Wait()

	r.logger.Info("context resolved",
		"user_id", userID,
		"home", resolved.Home != nil,
		"home_err", resolved.HomeErr,
		"memory", resolved.Memory != nil,
		"memory_err", resolved.MemoryErr,
	)
	return resolved
}

func (r *Resolver) homeSnapshot(ctx context.Context, userID string) (homeautomation.Snapshot, error) {
	r.mu.Lock()
	if entry, ok := r.cache[userID]; ok && time.Since(entry.cachedAt) < r.cacheTTL {
		r.mu.Unlock()
		return entry.snapshot, nil
	}
	r.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()

	snapshot, err := r.home.GetContext(callCtx)
	if err != nil {
		return homeautomation.Snapshot{}, err
	}

	r.mu.Lock()
	r.cache[userID] = snapshotCacheEntry{snapshot: snapshot, cachedAt: time.Now()}
	r.mu.Unlock()
	return snapshot, nil
}

// ExtractEntities filters the resolved snapshot by domain and/or area.
func (c Context) ExtractEntities(domainName, area string) []homeautomation.State {
	if c.Home == nil {
		return nil
	}
	var out []homeautomation.State
	if domainName != "" {
		out = append(out, c.Home.EntitiesByDomain[domainName]...)
	}
	if area != "" {
		out = append(out, c.Home.EntitiesByArea[area]...)
	}
	return out
}

// FormatForLLM renders the resolved context as a compact prompt block.
func (c Context) FormatForLLM() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("Намерение: %s", c.Intent.Type))

	if c.Home != nil {
		parts = append(parts, fmt.Sprintf("\nУстройств в Home Assistant: %d", c.Home.TotalEntities))
		if len(c.Home.Areas) > 0 {
			areas := c.Home.Areas
			if len(areas) > 10 {
				areas = areas[:10]
			}
			parts = append(parts, fmt.Sprintf("Комнаты: %s", strings.Join(areas, ", ")))
		}
	}

	if c.Memory != nil {
		if len(c.Memory.RelevantRules) > 0 {
			parts = append(parts, "\nПравила пользователя:")
			for i, rule := range c.Memory.RelevantRules {
				if i >= 3 {
					break
				}
				parts = append(parts, fmt.Sprintf("- %s", rule.Content))
			}
		}
		if len(c.Memory.RelevantMemories) > 0 {
			parts = append(parts, "\nИз истории:")
			for i, mem := range c.Memory.RelevantMemories {
				if i >= 2 {
					break
				}
				parts = append(parts, fmt.Sprintf("- %s", clip(mem.Content, 100)))
			}
		}
	}

	return strings.Join(parts, "\n")
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
