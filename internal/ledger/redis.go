package ledger

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"github.com/sells-group/research-engine/internal/model"
)

const keyTTL = 48 * time.Hour

// reserveScript adds ARGV[1] micro-dollars to KEYS[1] unless the result
// would exceed the cap in ARGV[2] (0 = no cap). Returns {accepted, total}.
var reserveScript = redis.NewScript(`
local cur = tonumber(redis.call("GET", KEYS[1]) or "0")
local amount = tonumber(ARGV[1])
local cap = tonumber(ARGV[2])
if cap > 0 and cur + amount > cap then
	return {0, cur}
end
local total = redis.call("INCRBY", KEYS[1], amount)
redis.call("EXPIRE", KEYS[1], ARGV[3])
return {1, total}
`)

// settleScript applies a signed delta and clamps the total at zero.
var settleScript = redis.NewScript(`
local total = redis.call("INCRBY", KEYS[1], ARGV[1])
if total < 0 then
	redis.call("SET", KEYS[1], 0)
	total = 0
end
redis.call("EXPIRE", KEYS[1], ARGV[2])
return total
`)

// RedisLedger shares the daily total between engine instances.
type RedisLedger struct {
	client redis.UniversalClient
	prefix string
	capUSD float64
	now    func() time.Time
}

// NewRedis creates a RedisLedger on client. A cap of zero or less means
// unlimited.
func NewRedis(client redis.UniversalClient, dailyCapUSD float64) *RedisLedger {
	return &RedisLedger{client: client, prefix: "research:ledger:", capUSD: dailyCapUSD, now: time.Now}
}

// Dial parses a redis:// URL and pings the server.
func Dial(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, eris.Wrap(err, "ledger: parse redis url")
	}
	opts.PoolSize = 10
	opts.MinIdleConns = 2
	opts.MaxRetries = 3
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "ledger: ping redis")
	}
	return client, nil
}

func (l *RedisLedger) key() string {
	return l.prefix + dayKey(l.now())
}

func (l *RedisLedger) ttlSeconds() int64 {
	return int64(keyTTL / time.Second)
}

func (l *RedisLedger) Reserve(ctx context.Context, amountUSD float64) (float64, error) {
	var capMicros int64
	if l.capUSD > 0 {
		capMicros = micros(l.capUSD)
	}
	res, err := reserveScript.Run(ctx, l.client, []string{l.key()}, micros(amountUSD), capMicros, l.ttlSeconds()).Int64Slice()
	if err != nil {
		return 0, eris.Wrap(err, "ledger: reserve")
	}
	if len(res) != 2 {
		return 0, eris.Errorf("ledger: reserve: unexpected reply %v", res)
	}
	if res[0] == 0 {
		return dollars(res[1]), eris.Wrapf(model.ErrCostCap, "ledger: daily cap %.2f reached", l.capUSD)
	}
	return dollars(res[1]), nil
}

func (l *RedisLedger) Settle(ctx context.Context, reservedUSD, actualUSD float64) error {
	delta := micros(actualUSD) - micros(reservedUSD)
	err := settleScript.Run(ctx, l.client, []string{l.key()}, delta, l.ttlSeconds()).Err()
	return eris.Wrap(err, "ledger: settle")
}

func (l *RedisLedger) Spent(ctx context.Context) (float64, error) {
	n, err := l.client.Get(ctx, l.key()).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, eris.Wrap(err, "ledger: spent")
	}
	return dollars(n), nil
}
