package database

import "context"

// AccountStore exposes the package-level account queries as a value that
// can be handed to the restriction engine.
type AccountStore struct{}

func (AccountStore) CountAccountsByIP(ctx context.Context, ip string) (int, error) {
	return CountAccountsByIP(ctx, ip)
}

func (AccountStore) ListAccountNamesByIP(ctx context.Context, ip string) ([]string, error) {
	return ListAccountNamesByIP(ctx, ip)
}

func (AccountStore) IsAuthenticated(ctx context.Context, name string) (bool, error) {
	return IsAuthenticated(ctx, name)
}

func (AccountStore) ClearLastIPForIP(ctx context.Context, ip string) (int64, error) {
	return ClearLastIPForIP(ctx, ip)
}
