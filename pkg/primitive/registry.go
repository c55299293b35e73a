package primitive

import (
	"fmt"
	"sort"
	"sync"
)

// ParamsValidator is implemented by primitives with constraints that span
// several builder parameters.
type ParamsValidator interface {
	ValidateParams(params Params) []string
}

// ValidationResult is the outcome of checking builder parameters.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// Err returns nil for a valid result and an ErrInvalidParams wrapping error
// otherwise.
func (v ValidationResult) Err() error {
	if v.Valid {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrInvalidParams, v.Errors)
}

// Registry maps game types to primitives.
type Registry struct {
	mu         sync.RWMutex
	primitives map[GameType]Primitive
}

// NewRegistry returns a registry holding the given primitives.
func NewRegistry(ps ...Primitive) *Registry {
	r := &Registry{primitives: make(map[GameType]Primitive, len(ps))}
	for _, p := range ps {
		r.Register(p)
	}
	return r
}

// DefaultRegistry returns a registry with the streak, grid and threshold
// primitives.
func DefaultRegistry() *Registry {
	return NewRegistry(Streak{}, Grid{}, Threshold{})
}

// Register adds or replaces the primitive for p.GameType().
func (r *Registry) Register(p Primitive) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.primitives[p.GameType()] = p
}

// GetPrimitive returns the primitive for gameType.
func (r *Registry) GetPrimitive(gameType GameType) (Primitive, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.primitives[gameType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownGameType, gameType)
	}
	return p, nil
}

// GameTypes returns the registered game types in sorted order.
func (r *Registry) GameTypes() []GameType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]GameType, 0, len(r.primitives))
	for t := range r.primitives {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// ValidateBuilderParams checks params against the primitive's declared bounds.
// It has no side effects.
func (r *Registry) ValidateBuilderParams(gameType GameType, params Params) ValidationResult {
	p, err := r.GetPrimitive(gameType)
	if err != nil {
		return ValidationResult{Errors: []string{err.Error()}}
	}
	errs := p.BuilderParamBounds().check(params)
	if v, ok := p.(ParamsValidator); ok && len(errs) == 0 {
		errs = append(errs, v.ValidateParams(params)...)
	}
	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

// ResolveConfig validates params and returns a config with defaults filled
// and the protocol house edge applied.
func (r *Registry) ResolveConfig(slug string, gameType GameType, params Params,
	houseEdgeBps int64) (Config, error) {

	p, err := r.GetPrimitive(gameType)
	if err != nil {
		return Config{}, err
	}
	if res := r.ValidateBuilderParams(gameType, params); !res.Valid {
		return Config{}, res.Err()
	}
	if houseEdgeBps < 0 || houseEdgeBps >= BpsDenominator {
		return Config{}, fmt.Errorf("%w: house edge %d bps", ErrInvalidParams, houseEdgeBps)
	}
	return Config{
		Slug:         slug,
		GameType:     gameType,
		HouseEdgeBps: houseEdgeBps,
		Params:       p.BuilderParamBounds().withDefaults(params),
	}, nil
}
