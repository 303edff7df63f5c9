package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Dhoini/Subscription-microservice/internal/domain"
	"github.com/Dhoini/Subscription-microservice/pkg/logger"
	"github.com/google/uuid"
)

const (
	// Префиксы ключей для различных типов данных
	subscriptionKeyPrefix     = "subscription:"
	userSubscriptionKeyPrefix = "user_subscription:"

	// TTL для кэша
	defaultCacheTTL = 15 * time.Minute
)

// RedisCacheRepository реализует кеширование для репозиториев с использованием Redis
type RedisCacheRepository struct {
	client *redis.Client
	log    *logger.Logger
}

// NewRedisCacheRepository создает новый экземпляр Redis репозитория
func NewRedisCacheRepository(redisAddr, redisPassword string, redisDB int, log *logger.Logger) (*RedisCacheRepository, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: redisPassword,
		DB:       redisDB,
	})

	// Проверяем соединение с Redis
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		log.Errorw("Failed to connect to Redis", "error", err)
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Infow("Connected to Redis successfully", "addr", redisAddr)
	return &RedisCacheRepository{
		client: client,
		log:    log,
	}, nil
}

// Close закрывает соединение с Redis
func (r *RedisCacheRepository) Close() error {
	return r.client.Close()
}

// CacheSubscription кеширует подписку в Redis под обоими ключами
func (r *RedisCacheRepository) CacheSubscription(ctx context.Context, sub domain.Subscription) error {
	data, err := json.Marshal(sub)
	if err != nil {
		r.log.Errorw("Failed to marshal subscription for caching", "error", err, "subscriptionID", sub.ID)
		return fmt.Errorf("failed to marshal subscription: %w", err)
	}

	idKey := fmt.Sprintf("%s%s", subscriptionKeyPrefix, sub.ID)
	userKey := fmt.Sprintf("%s%d", userSubscriptionKeyPrefix, sub.UserID)

	if err := r.client.Set(ctx, idKey, data, defaultCacheTTL).Err(); err != nil {
		r.log.Errorw("Failed to cache subscription in Redis", "error", err, "subscriptionID", sub.ID)
		return fmt.Errorf("failed to cache subscription: %w", err)
	}
	if err := r.client.Set(ctx, userKey, data, defaultCacheTTL).Err(); err != nil {
		r.log.Errorw("Failed to cache subscription by user in Redis", "error", err, "userID", sub.UserID)
		return fmt.Errorf("failed to cache subscription by user: %w", err)
	}

	r.log.Debugw("Subscription cached successfully", "subscriptionID", sub.ID)
	return nil
}

// GetCachedSubscription получает подписку из кеша по ID
func (r *RedisCacheRepository) GetCachedSubscription(ctx context.Context, id uuid.UUID) (*domain.Subscription, error) {
	return r.getCached(ctx, fmt.Sprintf("%s%s", subscriptionKeyPrefix, id))
}

// GetCachedSubscriptionByUser получает подписку из кеша по пользователю
func (r *RedisCacheRepository) GetCachedSubscriptionByUser(ctx context.Context, userID int64) (*domain.Subscription, error) {
	return r.getCached(ctx, fmt.Sprintf("%s%d", userSubscriptionKeyPrefix, userID))
}

func (r *RedisCacheRepository) getCached(ctx context.Context, key string) (*domain.Subscription, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			// Ключ не найден в кеше
			return nil, nil
		}
		r.log.Errorw("Error getting subscription from Redis", "error", err, "key", key)
		return nil, fmt.Errorf("failed to get subscription from cache: %w", err)
	}

	var sub domain.Subscription
	if err := json.Unmarshal(data, &sub); err != nil {
		r.log.Errorw("Failed to unmarshal cached subscription", "error", err, "key", key)
		return nil, fmt.Errorf("failed to unmarshal cached subscription: %w", err)
	}

	return &sub, nil
}

// InvalidateSubscription удаляет подписку из кеша по обоим ключам
func (r *RedisCacheRepository) InvalidateSubscription(ctx context.Context, id uuid.UUID, userID int64) error {
	idKey := fmt.Sprintf("%s%s", subscriptionKeyPrefix, id)
	userKey := fmt.Sprintf("%s%d", userSubscriptionKeyPrefix, userID)

	if err := r.client.Del(ctx, idKey, userKey).Err(); err != nil {
		r.log.Errorw("Failed to invalidate subscription cache", "error", err, "subscriptionID", id)
		return fmt.Errorf("failed to invalidate subscription cache: %w", err)
	}

	r.log.Debugw("Subscription cache invalidated", "subscriptionID", id)
	return nil
}
