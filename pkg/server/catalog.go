package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vctt94/fairvault/pkg/primitive"
	"github.com/vctt94/fairvault/pkg/server/internal/db"
)

// GameInfo describes a catalogue entry.
type GameInfo struct {
	Slug         string             `json:"slug"`
	GameType     primitive.GameType `json:"gameType"`
	HouseEdgeBps int64              `json:"houseEdgeBps"`
	Params       primitive.Params   `json:"params"`
}

// DefaultGames is the catalogue seeded into an empty database.
var DefaultGames = []GameInfo{
	{Slug: "streak-classic", GameType: primitive.GameStreak, Params: primitive.Params{}},
	{Slug: "grid-classic", GameType: primitive.GameGrid, Params: primitive.Params{}},
	{Slug: "threshold-classic", GameType: primitive.GameThreshold, Params: primitive.Params{}},
}

// PublishGame validates builder params and stores them under slug.
func (s *Server) PublishGame(ctx context.Context, slug string, gameType primitive.GameType,
	params primitive.Params) (*GameInfo, error) {

	if slug == "" {
		return nil, fmt.Errorf("%w: empty slug", primitive.ErrInvalidParams)
	}
	if params == nil {
		params = primitive.Params{}
	}
	cfg, err := s.registry.ResolveConfig(slug, gameType, params, s.houseEdgeBps)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	err = s.db.PutGame(ctx, &db.Game{
		Slug:      slug,
		GameType:  string(gameType),
		Params:    raw,
		CreatedAt: s.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store game %s: %w", slug, err)
	}
	s.log.Infof("Published game %s (%s)", slug, gameType)
	return &GameInfo{Slug: slug, GameType: gameType, HouseEdgeBps: cfg.HouseEdgeBps, Params: cfg.Params}, nil
}

// GetGameConfig resolves the catalogue entry for slug with the protocol
// house edge applied.
func (s *Server) GetGameConfig(ctx context.Context, slug string) (primitive.Config, error) {
	g, err := s.db.GetGame(ctx, slug)
	if errors.Is(err, db.ErrNotFound) {
		return primitive.Config{}, fmt.Errorf("%w: %s", ErrGameNotFound, slug)
	}
	if err != nil {
		return primitive.Config{}, err
	}
	var params primitive.Params
	if len(g.Params) > 0 {
		if err := json.Unmarshal(g.Params, &params); err != nil {
			return primitive.Config{}, fmt.Errorf("decode params of %s: %w", slug, err)
		}
	}
	return s.registry.ResolveConfig(g.Slug, primitive.GameType(g.GameType), params, s.houseEdgeBps)
}

// ListGames returns every catalogue entry that still resolves.
func (s *Server) ListGames(ctx context.Context) ([]*GameInfo, error) {
	games, err := s.db.ListGames(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*GameInfo, 0, len(games))
	for _, g := range games {
		cfg, err := s.GetGameConfig(ctx, g.Slug)
		if err != nil {
			s.log.Warnf("Skipping game %s: %v", g.Slug, err)
			continue
		}
		out = append(out, &GameInfo{
			Slug:         cfg.Slug,
			GameType:     cfg.GameType,
			HouseEdgeBps: cfg.HouseEdgeBps,
			Params:       cfg.Params,
		})
	}
	return out, nil
}

// SeedDefaultGames publishes DefaultGames when the catalogue is empty.
func (s *Server) SeedDefaultGames(ctx context.Context) error {
	games, err := s.db.ListGames(ctx)
	if err != nil {
		return err
	}
	if len(games) > 0 {
		return nil
	}
	for _, g := range DefaultGames {
		if _, err := s.PublishGame(ctx, g.Slug, g.GameType, g.Params); err != nil {
			return err
		}
	}
	return nil
}
