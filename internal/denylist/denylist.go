// Package denylist temp-bans principals that keep hammering the limiter.
// It is an advisory layer in front of the policy: a banned IP is rejected
// before any counter is touched.
package denylist

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

import (
	"turnstile/internal/config"
	"turnstile/internal/repo"
)

type cacheEntry struct {
	expiresAt int64
}

// Denylist combines a process-local L1 cache with the shared store's deny
// set and temp-ban keys, so hot offenders stop costing a store round trip.
type Denylist struct {
	store      repo.Store
	threshold  int64
	denyWindow time.Duration
	banTTL     time.Duration
	local      sync.Map // ip -> cacheEntry
	logger     *slog.Logger
}

func New(store repo.Store, cfg config.DenylistCfg, logger *slog.Logger) *Denylist {
	if logger == nil {
		logger = slog.Default()
	}
	return &Denylist{
		store:      store,
		threshold:  cfg.DenyThreshold,
		denyWindow: time.Duration(cfg.DenyWindowSeconds) * time.Second,
		banTTL:     time.Duration(cfg.BanSeconds) * time.Second,
		logger:     logger,
	}
}

// IsDenied checks the L1 cache, then the store. Store errors are logged
// and treated as not-denied; the deny list must never be the thing that
// turns a store outage into a blackout.
func (d *Denylist) IsDenied(ctx context.Context, ip string) bool {
	if ip == "" {
		return false
	}
	if v, ok := d.local.Load(ip); ok {
		ent := v.(cacheEntry)
		if time.Now().UnixMilli() < ent.expiresAt {
			return true
		}
		d.local.Delete(ip)
	}

	denied, err := d.store.IsDenied(ctx, ip)
	if err != nil {
		d.logger.Warn("deny list check failed", "ip", ip, "err", err)
		return false
	}
	if denied {
		d.cacheBan(ip)
	}
	return denied
}

// RecordDenial counts a rate-limit rejection against ip and temp-bans it
// once the threshold is crossed within the counting window.
func (d *Denylist) RecordDenial(ctx context.Context, ip string) {
	if ip == "" || d.threshold <= 0 {
		return
	}
	if v, ok := d.local.Load(ip); ok {
		if time.Now().UnixMilli() < v.(cacheEntry).expiresAt {
			return // already banned
		}
	}

	cnt, err := d.store.RecordDenial(ctx, ip, d.denyWindow)
	if err != nil {
		d.logger.Warn("denial counter failed", "ip", ip, "err", err)
		return
	}
	if cnt < d.threshold {
		return
	}

	if err := d.store.TempBan(ctx, ip, d.banTTL); err != nil {
		d.logger.Warn("temp ban failed", "ip", ip, "err", err)
		return
	}
	d.cacheBan(ip)
	d.logger.Info("ip temp-banned for repeated rate-limit denials", "ip", ip, "ban_ttl", d.banTTL)
}

func (d *Denylist) cacheBan(ip string) {
	d.local.Store(ip, cacheEntry{expiresAt: time.Now().Add(d.banTTL).UnixMilli()})
}
