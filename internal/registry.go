package internal

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// The live websocket connections are owned by a separate connection daemon.
// The only thing shared with it is this redis keyspace: which device currently
// holds which connection, and one outbound list per connection that the daemon
// drains on its own schedule.

var rdb *redis.Client

var registryInitialized bool

// InitConnectionRegistry connects the shared registry redis
func InitConnectionRegistry(redisURI string, redisPassword string, redisDB int) {
	options := redis.Options{
		Addr:     redisURI,
		Password: redisPassword,
		DB:       redisDB,
	}
	zap.S().Debugf("Initializing connection registry with redis at %s (db %d)", redisURI, redisDB)

	rdb = redis.NewClient(&options)
	registryInitialized = true
}

// IsRedisAvailable pings the registry redis, used as a readiness check
func IsRedisAvailable() bool {
	if !registryInitialized {
		zap.S().Warn("Connection registry is not initialized")
		return false
	}
	timeout, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	statusCmd := rdb.Ping(timeout)
	if statusCmd != nil && statusCmd.Val() == "PONG" {
		return true
	}
	zap.S().Debugf("Redis error: %s", statusCmd)
	return false
}

// ShutdownConnectionRegistry closes the redis client
func ShutdownConnectionRegistry() {
	if rdb != nil {
		_ = rdb.Close()
	}
}

func connectionKey(deviceID string) string {
	return fmt.Sprintf("usp:ws:conn:%s", deviceID)
}

func outboundQueueKey(connectionID string) string {
	return fmt.Sprintf("usp:ws:queue:%s", connectionID)
}

func lastSeenKey(deviceID string) string {
	return fmt.Sprintf("usp:device:lastseen:%s", deviceID)
}

// RedisRegistry is the registry handle handed to the websocket transport
type RedisRegistry struct{}

// Lookup resolves the live connection id of a device. ok is false when the
// device has no connection right now.
func (RedisRegistry) Lookup(ctx context.Context, deviceID string) (connectionID string, ok bool, err error) {
	connectionID, err = rdb.Get(ctx, connectionKey(deviceID)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("looking up connection for device %s: %w", deviceID, err)
	}
	return connectionID, true, nil
}

// EnqueueOutbound pushes one serialized record onto the connection's outbound
// list. The connection daemon pops from the other end.
func (RedisRegistry) EnqueueOutbound(ctx context.Context, connectionID string, payload []byte) error {
	if err := rdb.RPush(ctx, outboundQueueKey(connectionID), payload).Err(); err != nil {
		return fmt.Errorf("enqueueing outbound message for connection %s: %w", connectionID, err)
	}
	return nil
}

// ClearLastSeen drops the device's last-seen marker after a failed
// connection lookup, so the fleet view stops reporting it as live
func (RedisRegistry) ClearLastSeen(ctx context.Context, deviceID string) error {
	return rdb.Del(ctx, lastSeenKey(deviceID)).Err()
}

// TouchLastSeen refreshes the device's last-seen marker on inbound traffic
func (RedisRegistry) TouchLastSeen(ctx context.Context, deviceID string) error {
	return rdb.Set(ctx, lastSeenKey(deviceID), time.Now().UTC().Format(time.RFC3339), 0).Err()
}
