package spawner

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lox/cprbargain/internal/randutil"
	"github.com/lox/cprbargain/sdk/config"
)

// BotSpec describes Count copies of an external participant.
type BotSpec struct {
	Command string
	Args    []string
	Count   int
	Env     map[string]string
}

// Spawner starts participant processes pointed at one server.
type Spawner struct {
	serverURL string
	seed      int64
	logger    zerolog.Logger

	mu        sync.Mutex
	processes []*Process
	spawned   int
}

// New creates a spawner for serverURL. A non-zero seed gives every process
// its own derived CPRBARG_SEED.
func New(serverURL string, seed int64, logger zerolog.Logger) *Spawner {
	return &Spawner{serverURL: serverURL, seed: seed, logger: logger.With().Str("component", "spawner").Logger()}
}

// Spawn starts spec.Count processes.
func (s *Spawner) Spawn(ctx context.Context, spec BotSpec) error {
	if spec.Command == "" {
		return errors.New("bot command is required")
	}
	count := max(1, spec.Count)

	for range count {
		s.mu.Lock()
		s.spawned++
		n := s.spawned
		s.mu.Unlock()

		env := map[string]string{
			config.EnvServer: s.serverURL,
			config.EnvName:   fmt.Sprintf("external-%d", n),
		}
		if s.seed != 0 {
			env[config.EnvSeed] = strconv.FormatInt(randutil.Derive(s.seed, uint64(n)).Int64(), 10)
		}
		for k, v := range spec.Env {
			env[k] = v
		}

		proc := NewProcess(spec.Command, spec.Args, env, s.logger)
		if err := proc.Start(ctx); err != nil {
			return err
		}
		s.mu.Lock()
		s.processes = append(s.processes, proc)
		s.mu.Unlock()
	}
	return nil
}

// ActiveCount returns how many processes are still running.
func (s *Spawner) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.processes {
		if p.IsAlive() {
			n++
		}
	}
	return n
}

// Wait blocks until every process has exited and joins their errors.
func (s *Spawner) Wait() error {
	s.mu.Lock()
	procs := append([]*Process(nil), s.processes...)
	s.mu.Unlock()

	var errs []error
	for _, p := range procs {
		if err := p.Wait(); err != nil {
			errs = append(errs, fmt.Errorf("%s %s: %w", p.Command, p.ID, err))
		}
	}
	return errors.Join(errs...)
}

// StopAll interrupts every running process.
func (s *Spawner) StopAll() {
	s.mu.Lock()
	procs := append([]*Process(nil), s.processes...)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range procs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.Stop()
		}()
	}
	wg.Wait()
}
