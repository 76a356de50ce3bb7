package redis

import (
	"time"

	"github.com/gomodule/redigo/redis"

	"github.com/vartalabh/vartalap/store"
)

// Config represents the Redis store config structure.
type Config struct {
	Address     string        `koanf:"address"`
	Password    string        `koanf:"password"`
	DB          int           `koanf:"db"`
	ActiveConns int           `koanf:"active_conns"`
	IdleConns   int           `koanf:"idle_conns"`
	Timeout     time.Duration `koanf:"timeout"`

	Prefix string `koanf:"prefix"`
}

// Redis represents the Redis implementation of the Store interface.
type Redis struct {
	cfg  *Config
	pool *redis.Pool
}

// New returns a new Redis store.
func New(cfg Config) (*Redis, error) {
	pool := &redis.Pool{
		Wait:      true,
		MaxActive: cfg.ActiveConns,
		MaxIdle:   cfg.IdleConns,
		Dial: func() (redis.Conn, error) {
			return redis.Dial(
				"tcp",
				cfg.Address,
				redis.DialPassword(cfg.Password),
				redis.DialConnectTimeout(cfg.Timeout),
				redis.DialReadTimeout(cfg.Timeout),
				redis.DialWriteTimeout(cfg.Timeout),
				redis.DialDatabase(cfg.DB),
			)
		},
	}

	// Test connection.
	c := pool.Get()
	defer c.Close()

	if err := c.Err(); err != nil {
		return nil, err
	}
	return &Redis{cfg: &cfg, pool: pool}, nil
}

// Get value of a key.
func (r *Redis) Get(key string) ([]byte, error) {
	c := r.pool.Get()
	defer c.Close()

	d, err := redis.Bytes(c.Do("GET", r.cfg.Prefix+key))
	if err == redis.ErrNil {
		return nil, store.ErrNotFound
	}
	return d, err
}

// Set a value for a key.
func (r *Redis) Set(key string, data []byte) error {
	c := r.pool.Get()
	defer c.Close()

	_, err := c.Do("SET", r.cfg.Prefix+key, data)
	return err
}

// Exists checks if a key exists.
func (r *Redis) Exists(key string) (bool, error) {
	c := r.pool.Get()
	defer c.Close()

	return redis.Bool(c.Do("EXISTS", r.cfg.Prefix+key))
}
