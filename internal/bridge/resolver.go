package bridge

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"tradebridge/pkg/cache"
	"tradebridge/pkg/db"
)

// ErrUnresolvable means no stored credential record matches the event's
// identifiers. Such events are dropped, never requeued.
var ErrUnresolvable = errors.New("account not resolvable")

// Resolver maps external broker identifiers onto internal account ids, with
// a TTL cache in front of the database so event throughput doesn't translate
// into query volume.
type Resolver struct {
	queries *db.Queries
	cache   cache.TTLCache
	ttl     time.Duration
}

func NewResolver(queries *db.Queries, c cache.TTLCache, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Resolver{queries: queries, cache: c, ttl: ttl}
}

func isUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// Resolve tries, in order: the explicit internal id field, a uuid-shaped
// account_id, the MT5 broker login, the cTrader CTID, and finally the
// account-number string.
func (r *Resolver) Resolve(ctx context.Context, env *Envelope) (string, error) {
	if env.InternalID != "" && isUUID(env.InternalID) {
		return env.InternalID, nil
	}
	if env.AccountID != "" && isUUID(env.AccountID) {
		return env.AccountID, nil
	}

	if env.BrokerLogin > 0 {
		if id, err := r.lookup(ctx,
			fmt.Sprintf("resolve:login:%d", env.BrokerLogin),
			func(ctx context.Context) (string, error) {
				return r.queries.ResolveByMT5Login(ctx, env.BrokerLogin)
			}); err == nil {
			return id, nil
		} else if !errors.Is(err, db.ErrNotFound) {
			return "", err
		}

		if id, err := r.lookup(ctx,
			fmt.Sprintf("resolve:ctid:%d", env.BrokerLogin),
			func(ctx context.Context) (string, error) {
				return r.queries.ResolveByCTID(ctx, env.BrokerLogin)
			}); err == nil {
			return id, nil
		} else if !errors.Is(err, db.ErrNotFound) {
			return "", err
		}
	}

	if env.AccountID != "" {
		if ctid, perr := strconv.ParseInt(env.AccountID, 10, 64); perr == nil {
			if id, err := r.lookup(ctx,
				fmt.Sprintf("resolve:ctid:%d", ctid),
				func(ctx context.Context) (string, error) {
					return r.queries.ResolveByCTID(ctx, ctid)
				}); err == nil {
				return id, nil
			} else if !errors.Is(err, db.ErrNotFound) {
				return "", err
			}
		}

		if id, err := r.lookup(ctx,
			"resolve:number:"+env.AccountID,
			func(ctx context.Context) (string, error) {
				return r.queries.ResolveByAccountNumber(ctx, env.AccountID)
			}); err == nil {
			return id, nil
		} else if !errors.Is(err, db.ErrNotFound) {
			return "", err
		}
	}

	return "", ErrUnresolvable
}

// lookup consults the cache first and writes through on a database hit.
func (r *Resolver) lookup(ctx context.Context, key string, query func(context.Context) (string, error)) (string, error) {
	if r.cache != nil {
		if v, ok, err := r.cache.Get(ctx, key); err == nil && ok {
			return v, nil
		}
	}
	id, err := query(ctx)
	if err != nil {
		return "", err
	}
	if r.cache != nil {
		_ = r.cache.Set(ctx, key, id, r.ttl)
	}
	return id, nil
}
