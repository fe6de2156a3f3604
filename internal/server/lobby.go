package server

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	ErrLobbyFull    = errors.New("session is full")
	ErrNameRequired = errors.New("name is required")
)

// Lobby admits participants until the population is complete. Player IDs
// are assigned 1..N in join order.
type Lobby struct {
	mu         sync.Mutex
	population int
	order      []int
	names      map[string]int
}

// NewLobby creates a lobby for population participants.
func NewLobby(population int) *Lobby {
	return &Lobby{
		population: population,
		names:      make(map[string]int, population),
	}
}

// Admit registers name. An already admitted name returns its existing ID
// with rejoined set. full reports whether the population is now complete.
func (l *Lobby) Admit(name string) (id int, rejoined, full bool, err error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, false, false, ErrNameRequired
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if id, ok := l.names[name]; ok {
		return id, true, len(l.order) == l.population, nil
	}
	if len(l.order) >= l.population {
		return 0, false, true, fmt.Errorf("%w: %d participants", ErrLobbyFull, l.population)
	}
	id = len(l.order) + 1
	l.order = append(l.order, id)
	l.names[name] = id
	return id, false, len(l.order) == l.population, nil
}

// Players returns the admitted player IDs in join order.
func (l *Lobby) Players() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]int, len(l.order))
	copy(out, l.order)
	return out
}

// Joined returns the number of admitted participants.
func (l *Lobby) Joined() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.order)
}

// Population returns the number of participants the session needs.
func (l *Lobby) Population() int {
	return l.population
}
