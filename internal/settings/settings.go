// Package settings предоставляет снимок настроек бонусной программы.
//
// Значения ограничиваются допустимыми диапазонами при каждом чтении, поэтому
// некорректная запись в хранилище не может привести к выплате по неверной ставке.
package settings

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/bonus-ledger/internal/bonus"
	"github.com/mmeshcher/bonus-ledger/internal/model"
)

const (
	cacheKey = "bonus:settings"

	maxCommissionPercent = 20
	maxReservePercent    = 100
)

// Store описывает постоянное хранилище настроек.
type Store interface {
	LoadSettings(ctx context.Context) (model.Settings, error)
	SaveSettings(ctx context.Context, s model.Settings) error
}

// Cache описывает кеш снимка настроек.
type Cache interface {
	Get(ctx context.Context, key string) (*model.Settings, bool, error)
	Set(ctx context.Context, key string, value *model.Settings, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// NoopCache не хранит ничего.
type NoopCache struct{}

func (NoopCache) Get(_ context.Context, _ string) (*model.Settings, bool, error) { return nil, false, nil }

func (NoopCache) Set(_ context.Context, _ string, _ *model.Settings, _ time.Duration) error {
	return nil
}

func (NoopCache) Delete(_ context.Context, _ string) error { return nil }

// Provider читает настройки из хранилища через кеш.
type Provider struct {
	store  Store
	cache  Cache
	ttl    time.Duration
	logger *zap.Logger
}

// NewProvider создаёт провайдер настроек. Если cache равен nil, кеширование отключено.
func NewProvider(store Store, cache Cache, ttl time.Duration, logger *zap.Logger) *Provider {
	if cache == nil {
		cache = NoopCache{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{store: store, cache: cache, ttl: ttl, logger: logger}
}

// Snapshot возвращает неизменяемый снимок настроек с ограниченными значениями.
// Ошибки кеша не прерывают чтение: провайдер переходит к хранилищу.
func (p *Provider) Snapshot(ctx context.Context) (model.Settings, error) {
	cached, ok, err := p.cache.Get(ctx, cacheKey)
	if err != nil {
		p.logger.Warn("settings cache get failed", zap.Error(err))
	}
	if ok && cached != nil {
		return Clamp(*cached), nil
	}

	s, err := p.store.LoadSettings(ctx)
	if err != nil {
		return model.Settings{}, fmt.Errorf("load settings: %w", err)
	}
	s = Clamp(s)

	if err := p.cache.Set(ctx, cacheKey, &s, p.ttl); err != nil {
		p.logger.Warn("settings cache set failed", zap.Error(err))
	}
	return s, nil
}

// Update ограничивает и сохраняет настройки, сбрасывая кеш.
func (p *Provider) Update(ctx context.Context, s model.Settings) (model.Settings, error) {
	s = Clamp(s)
	if err := p.store.SaveSettings(ctx, s); err != nil {
		return model.Settings{}, err
	}
	if err := p.cache.Delete(ctx, cacheKey); err != nil {
		p.logger.Warn("settings cache invalidation failed", zap.Error(err))
	}
	return s, nil
}

// Clamp приводит значения настроек к допустимым диапазонам.
func Clamp(s model.Settings) model.Settings {
	s.CustomerPercent = bonus.Clamp(s.CustomerPercent, 0, maxCommissionPercent)
	s.InviterPercent = bonus.Clamp(s.InviterPercent, 0, maxCommissionPercent)
	s.InviterBonusLevel2Percent = bonus.Clamp(s.InviterBonusLevel2Percent, 0, maxCommissionPercent)
	s.ReservePercent = bonus.Clamp(s.ReservePercent, 0, maxReservePercent)
	if s.SlotBaseBonus < 0 {
		s.SlotBaseBonus = 0
	}
	if s.SlotStepBonus < 0 {
		s.SlotStepBonus = 0
	}
	return s
}
