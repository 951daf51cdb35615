package notify

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"
	"gopkg.in/yaml.v3"

	"github.com/kazz187/iterdrive/pkg/cerr"
	"github.com/kazz187/iterdrive/pkg/storage"
)

// Subscription is one browser's Web Push registration.
type Subscription struct {
	ID        string    `yaml:"id" json:"id"`
	Endpoint  string    `yaml:"endpoint" json:"endpoint"`
	P256dhKey string    `yaml:"p256dh_key" json:"p256dhKey"`
	AuthKey   string    `yaml:"auth_key" json:"authKey"`
	CreatedAt time.Time `yaml:"created_at" json:"createdAt"`
}

const subscriptionsPrefix = "push_subscriptions"

func subscriptionPath(id string) string {
	return fmt.Sprintf("%s/%s.yaml", subscriptionsPrefix, id)
}

// SubscriptionRepository persists push subscriptions as YAML files.
type SubscriptionRepository struct {
	storage storage.Storage
}

func NewSubscriptionRepository(s storage.Storage) *SubscriptionRepository {
	return &SubscriptionRepository{storage: s}
}

// Register stores a subscription, assigning it an id. Registering an
// endpoint that is already known returns the existing subscription.
func (r *SubscriptionRepository) Register(ctx context.Context, endpoint, p256dh, auth string) (*Subscription, error) {
	if endpoint == "" {
		return nil, cerr.NewError(cerr.Validation, "subscription endpoint is required", nil)
	}
	if existing, err := r.FindByEndpoint(ctx, endpoint); err == nil {
		return existing, nil
	}

	s := &Subscription{
		ID:        ulid.Make().String(),
		Endpoint:  endpoint,
		P256dhKey: p256dh,
		AuthKey:   auth,
		CreatedAt: time.Now().UTC(),
	}
	data, err := yaml.Marshal(s)
	if err != nil {
		return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to marshal push subscription: %w", err))
	}
	if err := r.storage.Write(ctx, subscriptionPath(s.ID), data); err != nil {
		return nil, cerr.WrapStorageWriteError("push_subscription", err)
	}
	return s, nil
}

func (r *SubscriptionRepository) List(ctx context.Context) ([]*Subscription, error) {
	paths, err := r.storage.List(ctx, subscriptionsPrefix)
	if err != nil {
		return nil, cerr.WrapStorageReadError("push_subscriptions", err)
	}
	sort.Strings(paths)

	var all []*Subscription
	for _, p := range paths {
		data, err := r.storage.Read(ctx, p)
		if err != nil {
			continue
		}
		var s Subscription
		if err := yaml.Unmarshal(data, &s); err != nil {
			continue
		}
		all = append(all, &s)
	}
	return all, nil
}

func (r *SubscriptionRepository) Delete(ctx context.Context, id string) error {
	if err := r.storage.Delete(ctx, subscriptionPath(id)); err != nil {
		return cerr.WrapStorageDeleteError("push_subscription", err)
	}
	return nil
}

func (r *SubscriptionRepository) FindByEndpoint(ctx context.Context, endpoint string) (*Subscription, error) {
	all, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, s := range all {
		if s.Endpoint == endpoint {
			return s, nil
		}
	}
	return nil, cerr.NewError(cerr.NotFound, "push subscription not found", nil)
}
