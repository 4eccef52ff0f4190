package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"checkout-service/internal/apperr"
	"checkout-service/internal/models"
	"checkout-service/internal/store"
	"checkout-service/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SettingsSource yields the site policy in force for one call
type SettingsSource interface {
	Get(ctx context.Context) (models.SiteSettings, error)
}

// SettingsCache is the copy shared between instances
type SettingsCache interface {
	GetSettings(ctx context.Context) (*models.SiteSettings, bool, error)
	SetSettings(ctx context.Context, st *models.SiteSettings, ttl time.Duration) error
	InvalidateSettings(ctx context.Context) error
	SubscribeSettings(ctx context.Context, onInvalidate func()) error
}

// SettingsPatch carries the fields an admin update changes
type SettingsPatch struct {
	EnableCOD             *bool            `json:"enable_cod"`
	AllowOrderCancel      *bool            `json:"allow_order_cancel"`
	AllowOrderReturn      *bool            `json:"allow_order_return"`
	ShippingCharge        *decimal.Decimal `json:"shipping_charge"`
	FreeShippingMinAmount *decimal.Decimal `json:"free_shipping_min_amount"`
}

// SettingsProvider reads site settings through a local TTL copy, then the
// shared cache, then the database. Updates invalidate both copies.
type SettingsProvider struct {
	repo   store.Repository
	cache  SettingsCache
	ttl    time.Duration
	now    func() time.Time
	logger *zap.Logger

	mu        sync.RWMutex
	local     *models.SiteSettings
	fetchedAt time.Time
}

var _ SettingsSource = (*SettingsProvider)(nil)

// NewSettingsProvider creates a provider. cache may be nil.
func NewSettingsProvider(repo store.Repository, cache SettingsCache, ttl time.Duration) *SettingsProvider {
	return &SettingsProvider{
		repo:   repo,
		cache:  cache,
		ttl:    ttl,
		now:    time.Now,
		logger: util.GetLogger(),
	}
}

// Get returns the current settings
func (p *SettingsProvider) Get(ctx context.Context) (models.SiteSettings, error) {
	p.mu.RLock()
	if p.local != nil && p.now().Sub(p.fetchedAt) < p.ttl {
		st := *p.local
		p.mu.RUnlock()
		return st, nil
	}
	p.mu.RUnlock()

	if p.cache != nil {
		st, ok, err := p.cache.GetSettings(ctx)
		if err != nil {
			p.logger.Warn("Settings cache read failed, falling back to DB", zap.Error(err))
		} else if ok {
			p.store(st)
			return *st, nil
		}
	}

	st, err := p.repo.GetSiteSettings(ctx)
	if err != nil {
		return models.SiteSettings{}, fmt.Errorf("failed to load site settings: %w", err)
	}

	if p.cache != nil {
		if err := p.cache.SetSettings(ctx, st, p.ttl); err != nil {
			p.logger.Warn("Failed to populate settings cache", zap.Error(err))
		}
	}
	p.store(st)
	return *st, nil
}

// Update applies patch, persists it and invalidates every cached copy
func (p *SettingsProvider) Update(ctx context.Context, patch SettingsPatch) (models.SiteSettings, error) {
	current, err := p.repo.GetSiteSettings(ctx)
	if err != nil {
		return models.SiteSettings{}, fmt.Errorf("failed to load site settings: %w", err)
	}

	next := *current
	if patch.EnableCOD != nil {
		next.EnableCOD = *patch.EnableCOD
	}
	if patch.AllowOrderCancel != nil {
		next.AllowOrderCancel = *patch.AllowOrderCancel
	}
	if patch.AllowOrderReturn != nil {
		next.AllowOrderReturn = *patch.AllowOrderReturn
	}
	if patch.ShippingCharge != nil {
		if patch.ShippingCharge.IsNegative() {
			return models.SiteSettings{}, errNegativeSetting("shipping_charge")
		}
		next.ShippingCharge = *patch.ShippingCharge
	}
	if patch.FreeShippingMinAmount != nil {
		if patch.FreeShippingMinAmount.IsNegative() {
			return models.SiteSettings{}, errNegativeSetting("free_shipping_min_amount")
		}
		next.FreeShippingMinAmount = *patch.FreeShippingMinAmount
	}

	if err := p.repo.UpsertSiteSettings(ctx, &next); err != nil {
		return models.SiteSettings{}, fmt.Errorf("failed to save site settings: %w", err)
	}

	p.Invalidate()
	if p.cache != nil {
		if err := p.cache.InvalidateSettings(ctx); err != nil {
			p.logger.Error("Failed to invalidate shared settings", zap.Error(err))
		}
	}

	p.logger.Info("Site settings updated",
		zap.Bool("enable_cod", next.EnableCOD),
		zap.Bool("allow_order_cancel", next.AllowOrderCancel),
		zap.Bool("allow_order_return", next.AllowOrderReturn),
		zap.String("shipping_charge", next.ShippingCharge.StringFixed(2)))
	return next, nil
}

// Invalidate drops the local copy
func (p *SettingsProvider) Invalidate() {
	p.mu.Lock()
	p.local = nil
	p.mu.Unlock()
}

// Listen drops the local copy whenever another instance publishes an update.
// It blocks until ctx is done.
func (p *SettingsProvider) Listen(ctx context.Context) error {
	if p.cache == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	return p.cache.SubscribeSettings(ctx, p.Invalidate)
}

func (p *SettingsProvider) store(st *models.SiteSettings) {
	cp := *st
	p.mu.Lock()
	p.local = &cp
	p.fetchedAt = p.now()
	p.mu.Unlock()
}

func errNegativeSetting(field string) error {
	e := apperr.ErrInvalidSetting.Withf("%s cannot be negative", field)
	e.Field = field
	return e
}
