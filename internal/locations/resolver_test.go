package locations

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// fakePlatform scripts presence answers and counts lookups
type fakePlatform struct {
	rooms map[string]string
	err   error
	calls int
}

func (f *fakePlatform) Healthy(context.Context) bool { return true }

func (f *fakePlatform) EntityLocation(_ context.Context, entityID string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.rooms[entityID], nil
}

func (f *fakePlatform) ExecuteCommand(context.Context, string, string, map[string]interface{}) error {
	return nil
}

func TestResolveCachesWithinTTL(t *testing.T) {
	client := &fakePlatform{rooms: map[string]string{"person.primary": "kitchen"}}
	resolver := NewResolver(client, 10*time.Second)

	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	resolver.now = func() time.Time { return now }

	require.Equal(t, "kitchen", resolver.Resolve(context.Background(), "person.primary"))
	require.Equal(t, "kitchen", resolver.Resolve(context.Background(), "person.primary"))
	require.Equal(t, 1, client.calls)

	// Past the TTL the platform is asked again
	client.rooms["person.primary"] = "office"
	now = now.Add(11 * time.Second)
	require.Equal(t, "office", resolver.Resolve(context.Background(), "person.primary"))
	require.Equal(t, 2, client.calls)
}

func TestResolveUnknownStaysUnknown(t *testing.T) {
	client := &fakePlatform{rooms: map[string]string{}}
	resolver := NewResolver(client, time.Second)

	// A coarse "present in home" signal resolves to nothing, never a guess
	require.Equal(t, "", resolver.Resolve(context.Background(), "person.guest"))
}

func TestResolveFailureContributesNothing(t *testing.T) {
	client := &fakePlatform{err: errors.New("platform unreachable")}
	resolver := NewResolver(client, time.Second)

	require.Equal(t, "", resolver.Resolve(context.Background(), "person.primary"))

	// Failures are not cached: the next call retries
	resolver.Resolve(context.Background(), "person.primary")
	require.Equal(t, 2, client.calls)
}

func TestResolveEmptyEntity(t *testing.T) {
	client := &fakePlatform{}
	resolver := NewResolver(client, time.Second)

	require.Equal(t, "", resolver.Resolve(context.Background(), ""))
	require.Equal(t, 0, client.calls)
}
