package memory

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"tradeflow/internal/domain"
)

// Seed is the JSON document LoadSeed reads.
type Seed struct {
	Wallets []struct {
		AgentID string `json:"agent_id"`
		Chain   string `json:"chain"`
		Address string `json:"address"`
		Role    string `json:"role"`
	} `json:"wallets"`
	Triggers []struct {
		ID      string          `json:"id"`
		AgentID string          `json:"agent_id"`
		Type    string          `json:"type"`
		Enabled bool            `json:"enabled"`
		Config  json.RawMessage `json:"config"`
	} `json:"triggers"`
	Profiles []struct {
		AgentID  string `json:"agent_id"`
		Chain    string `json:"chain"`
		Kind     string `json:"kind"`
		KeyRef   string `json:"key_ref"`
		WalletID string `json:"wallet_id"`
	} `json:"profiles"`
}

// SeedResult counts what LoadSeed stored and skipped.
type SeedResult struct {
	Wallets  int
	Triggers int
	Profiles int
	Skipped  []error
}

// LoadSeedFile reads a seed document from path into s.
func (s *ConfigStore) LoadSeedFile(path string) (*SeedResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open seed: %w", err)
	}
	defer f.Close()
	return s.LoadSeed(f)
}

// LoadSeed reads a seed document into s. Entries with an unknown chain or
// role, or an invalid trigger config, are skipped and reported in
// SeedResult.Skipped.
func (s *ConfigStore) LoadSeed(r io.Reader) (*SeedResult, error) {
	var seed Seed
	if err := json.NewDecoder(r).Decode(&seed); err != nil {
		return nil, fmt.Errorf("decode seed: %w", err)
	}

	res := &SeedResult{}
	for _, w := range seed.Wallets {
		chain, ok := domain.ParseChain(w.Chain)
		role, roleOK := domain.ParseWalletRole(w.Role)
		if !ok || !roleOK || w.AgentID == "" || w.Address == "" {
			res.Skipped = append(res.Skipped, fmt.Errorf("wallet %q on %q: invalid entry", w.Address, w.Chain))
			continue
		}
		s.AddWallet(&domain.TrackedWallet{AgentID: w.AgentID, Chain: chain, Address: w.Address, Role: role})
		res.Wallets++
	}

	for _, t := range seed.Triggers {
		tt := domain.TriggerType(t.Type)
		cfg, err := domain.ParseTriggerConfig(tt, t.Config)
		if err != nil {
			res.Skipped = append(res.Skipped, fmt.Errorf("trigger %s: %w", t.ID, err))
			continue
		}
		s.PutTrigger(&domain.BuyTrigger{ID: t.ID, AgentID: t.AgentID, Type: tt, Enabled: t.Enabled, Config: cfg})
		res.Triggers++
	}

	for _, p := range seed.Profiles {
		chain, ok := domain.ParseChain(p.Chain)
		if !ok {
			res.Skipped = append(res.Skipped, fmt.Errorf("profile %s on %q: unknown chain", p.AgentID, p.Chain))
			continue
		}
		s.SetProfile(&domain.ExecutionProfile{
			AgentID:  p.AgentID,
			Chain:    chain,
			Kind:     domain.ExecutionKind(p.Kind),
			KeyRef:   p.KeyRef,
			WalletID: p.WalletID,
		})
		res.Profiles++
	}
	return res, nil
}
