package postgres

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"tradeflow/internal/domain"
	"tradeflow/internal/storage"
)

// ConfigStore implements storage.ConfigStore using PostgreSQL.
// Trigger rows whose config does not validate are skipped and logged.
type ConfigStore struct {
	pool   *Pool
	logger *zap.Logger
}

// NewConfigStore creates a new ConfigStore.
func NewConfigStore(pool *Pool, logger *zap.Logger) *ConfigStore {
	return &ConfigStore{pool: pool, logger: logger.Named("config_store")}
}

// Compile-time interface check.
var _ storage.ConfigStore = (*ConfigStore)(nil)

// TrackedWallets returns all tracked wallets on a chain.
func (s *ConfigStore) TrackedWallets(ctx context.Context, chain domain.Chain) ([]*domain.TrackedWallet, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT agent_id, chain, address, role FROM tracked_wallets
		WHERE chain = $1 ORDER BY address, agent_id
	`, string(chain))
	if err != nil {
		return nil, fmt.Errorf("query tracked wallets: %w", err)
	}
	defer rows.Close()

	var result []*domain.TrackedWallet
	for rows.Next() {
		var agentID, c, address, role string
		if err := rows.Scan(&agentID, &c, &address, &role); err != nil {
			return nil, fmt.Errorf("scan tracked wallet: %w", err)
		}
		result = append(result, &domain.TrackedWallet{
			AgentID: agentID,
			Chain:   domain.Chain(c),
			Address: domain.Chain(c).NormalizeAddress(address),
			Role:    domain.WalletRole(role),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tracked wallets: %w", err)
	}
	return result, nil
}

// AgentsForWallet returns agent IDs tracking address on chain with role.
// EVM addresses compare case-insensitively.
func (s *ConfigStore) AgentsForWallet(ctx context.Context, chain domain.Chain, address string, role domain.WalletRole) ([]string, error) {
	query := `SELECT agent_id FROM tracked_wallets
		WHERE chain = $1 AND address = $2 AND role = $3 ORDER BY agent_id`
	if chain.IsEVM() {
		query = `SELECT agent_id FROM tracked_wallets
		WHERE chain = $1 AND lower(address) = $2 AND role = $3 ORDER BY agent_id`
	}
	rows, err := s.pool.Query(ctx, query, string(chain), chain.NormalizeAddress(address), string(role))
	if err != nil {
		return nil, fmt.Errorf("query agents for wallet: %w", err)
	}
	defer rows.Close()

	var agents []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan agent id: %w", err)
		}
		agents = append(agents, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agents: %w", err)
	}
	return agents, nil
}

// TriggersForAgent returns the enabled, valid triggers of an agent ordered by id.
func (s *ConfigStore) TriggersForAgent(ctx context.Context, agentID string) ([]*domain.BuyTrigger, error) {
	return s.queryTriggers(ctx, `
		SELECT id, agent_id, type, enabled, config FROM buy_triggers
		WHERE agent_id = $1 AND enabled ORDER BY id
	`, agentID)
}

// TriggersByType returns all enabled, valid triggers of a type ordered by id.
func (s *ConfigStore) TriggersByType(ctx context.Context, t domain.TriggerType) ([]*domain.BuyTrigger, error) {
	return s.queryTriggers(ctx, `
		SELECT id, agent_id, type, enabled, config FROM buy_triggers
		WHERE type = $1 AND enabled ORDER BY id
	`, string(t))
}

func (s *ConfigStore) queryTriggers(ctx context.Context, query string, arg string) ([]*domain.BuyTrigger, error) {
	rows, err := s.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("query triggers: %w", err)
	}
	defer rows.Close()

	var result []*domain.BuyTrigger
	for rows.Next() {
		var (
			t     domain.BuyTrigger
			typ   string
			rawCf []byte
		)
		if err := rows.Scan(&t.ID, &t.AgentID, &typ, &t.Enabled, &rawCf); err != nil {
			return nil, fmt.Errorf("scan trigger: %w", err)
		}
		t.Type = domain.TriggerType(typ)
		cfg, err := domain.ParseTriggerConfig(t.Type, rawCf)
		if err != nil {
			s.logger.Warn("skipping trigger with invalid config",
				zap.String("trigger_id", t.ID),
				zap.String("agent_id", t.AgentID),
				zap.Error(err),
			)
			continue
		}
		t.Config = cfg
		result = append(result, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate triggers: %w", err)
	}
	return result, nil
}

// ExecutionProfile returns how an agent executes on chain. Returns ErrNotFound if unset.
func (s *ConfigStore) ExecutionProfile(ctx context.Context, agentID string, chain domain.Chain) (*domain.ExecutionProfile, error) {
	var (
		p    domain.ExecutionProfile
		kind string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT agent_id, kind, key_ref, wallet_id FROM execution_profiles
		WHERE agent_id = $1 AND chain = $2
	`, agentID, string(chain)).Scan(&p.AgentID, &kind, &p.KeyRef, &p.WalletID)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get execution profile: %w", err)
	}
	p.Chain = chain
	p.Kind = domain.ExecutionKind(kind)
	return &p, nil
}
