package repository

import (
	"context"
	"fmt"
	"time"

	"golang-hma-trader/internal/entity"

	"github.com/patrickmn/go-cache"
	"gorm.io/gorm"
)

// InstrumentMetaRepository resolves per-instrument contract attributes
// (lot size, tick size). Trading logic must never derive these from the
// symbol string.
type InstrumentMetaRepository interface {
	GetBySymbol(ctx context.Context, symbol string) (*entity.InstrumentMeta, error)
}

type instrumentMetaRepository struct {
	db            *gorm.DB
	inmemoryCache *cache.Cache
}

// NewInstrumentMetaRepository creates a DB-backed metadata provider with an
// in-memory TTL cache in front; contract attributes change rarely.
func NewInstrumentMetaRepository(db *gorm.DB) InstrumentMetaRepository {
	return &instrumentMetaRepository{
		db:            db,
		inmemoryCache: cache.New(30*time.Minute, time.Hour),
	}
}

func (r *instrumentMetaRepository) GetBySymbol(ctx context.Context, symbol string) (*entity.InstrumentMeta, error) {
	if cached, found := r.inmemoryCache.Get(symbol); found {
		meta := cached.(entity.InstrumentMeta)
		return &meta, nil
	}

	var meta entity.InstrumentMeta
	err := r.db.WithContext(ctx).Where("symbol = ?", symbol).First(&meta).Error
	if err == gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("no instrument metadata for symbol %s", symbol)
	}
	if err != nil {
		return nil, err
	}

	r.inmemoryCache.Set(symbol, meta, cache.DefaultExpiration)
	return &meta, nil
}
