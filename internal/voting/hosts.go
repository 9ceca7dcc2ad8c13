package voting

import (
	"context"
	"fmt"
	"sort"

	"github.com/binauthz/ballotbox/internal/model"
	"github.com/binauthz/ballotbox/internal/store"
)

// platformOps captures how one platform's agent differs from the other's.
// macOS endpoints belong to their primary user and apply rules on their next
// sync, so rules take effect the moment they are written. Windows endpoints
// are shared machines whose policy lives in an external API, so every rule
// write goes through a ChangeSet commit.
type platformOps struct {
	selectHosts    func(ctx context.Context, s store.Store, u *model.User) ([]string, error)
	deferredCommit bool
}

func macOSHostIDs(ctx context.Context, s store.Store, u *model.User) ([]string, error) {
	hosts, err := s.HostsByPrimaryUser(ctx, u.ShortName())
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, h := range hosts {
		if h.Platform == model.PlatformMacOS {
			ids = append(ids, h.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func windowsHostIDs(ctx context.Context, s store.Store, u *model.User) ([]string, error) {
	hosts, err := s.HostsByUser(ctx, u.ShortName())
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, h := range hosts {
		if h.Platform == model.PlatformWindows {
			ids = append(ids, h.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

var platformTable = map[model.Platform]platformOps{
	model.PlatformMacOS:   {selectHosts: macOSHostIDs, deferredCommit: false},
	model.PlatformWindows: {selectHosts: windowsHostIDs, deferredCommit: true},
}

func opsFor(p model.Platform) (platformOps, error) {
	ops, ok := platformTable[p]
	if !ok {
		return platformOps{}, fmt.Errorf("%w: %s", ErrUnsupportedPlatform, p)
	}
	return ops, nil
}

// HostIDsForUser returns the endpoint ids associated with a user on the
// given platform, using that platform's association model.
func HostIDsForUser(ctx context.Context, s store.Store, platform model.Platform, u *model.User) ([]string, error) {
	ops, err := opsFor(platform)
	if err != nil {
		return nil, err
	}
	return ops.selectHosts(ctx, s, u)
}
