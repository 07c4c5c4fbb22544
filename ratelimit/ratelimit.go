// Copyright (C) 2008-2018 by Nicolas Piganeau and the TS2 TEAM
// (See AUTHORS file)
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program; if not, write to the
// Free Software Foundation, Inc.,
// 59 Temple Place - Suite 330, Boston, MA  02111-1307, USA.

// Package ratelimit implements the Rate Limiter (C8): a Redis-backed
// sliding-window counter shared by every endpoint kind named in §6.4
// (resolve_conflict, control_train, manual_detection, ...).
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ts2/railctl/domain"
)

// Limiter answers "is this call allowed right now?" for a given key
// (typically "<endpoint>:<controller_id>" or a system-wide constant like
// "manual_detection").
type Limiter struct {
	client *redis.Client
}

func New(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Result is what every Allow call returns: whether the call may proceed,
// how many calls remain in the current window, and how many seconds
// until the window resets.
type Result struct {
	Allowed      bool
	Remaining    int
	ResetSeconds int
}

// Allow implements the fixed-window counter: INCR the key, and on the
// first increment of a window set its expiry to window. A key that has
// already reached limit is rejected with RATE_LIMITED and RetryAfter set
// to the window's remaining TTL.
func (l *Limiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (Result, error) {
	redisKey := fmt.Sprintf("ratelimit:%s", key)
	count, err := l.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return Result{}, domain.Wrap(domain.Transient, err, "rate limit incr")
	}
	if count == 1 {
		if err := l.client.Expire(ctx, redisKey, window).Err(); err != nil {
			return Result{}, domain.Wrap(domain.Transient, err, "rate limit expire")
		}
	}
	ttl, err := l.client.TTL(ctx, redisKey).Result()
	if err != nil {
		return Result{}, domain.Wrap(domain.Transient, err, "rate limit ttl")
	}
	resetSeconds := int(ttl.Seconds())
	if resetSeconds < 0 {
		resetSeconds = int(window.Seconds())
	}
	if int(count) > limit {
		return Result{Allowed: false, Remaining: 0, ResetSeconds: resetSeconds}, nil
	}
	return Result{Allowed: true, Remaining: limit - int(count), ResetSeconds: resetSeconds}, nil
}

// Check is Allow wrapped into the domain.Error the rest of the engine
// expects: RATE_LIMITED with RetryAfter set when the window is exhausted.
func (l *Limiter) Check(ctx context.Context, key string, limit int, window time.Duration) error {
	res, err := l.Allow(ctx, key, limit, window)
	if err != nil {
		return err
	}
	if !res.Allowed {
		return domain.RateLimitedErr(time.Duration(res.ResetSeconds) * time.Second)
	}
	return nil
}
