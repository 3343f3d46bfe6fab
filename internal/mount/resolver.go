// Package mount resolves virtual paths to mounts and enforces per-principal
// visibility, scope, and path passwords.
package mount

import (
	"context"
	"sort"
	"strings"

	"github.com/filegate/filegate/internal/model"
	"github.com/filegate/filegate/internal/repo"
	"github.com/filegate/filegate/pkg/fgerr"
	"github.com/filegate/filegate/pkg/pathutil"
)

// SubjectAPIKey is the ACL subject type for API-key principals.
const SubjectAPIKey = "api_key"

// Kind distinguishes the two valid resolution outcomes.
type Kind int

const (
	// KindMounted means the path belongs to a mount.
	KindMounted Kind = iota
	// KindVirtualDir means the path is a synthetic directory that exists
	// only because mounts sit beneath it.
	KindVirtualDir
)

// Resolution is the outcome of resolving a virtual path.
type Resolution struct {
	Kind    Kind
	Mount   *model.Mount
	Config  *model.StorageConfig
	Subpath string

	// Children holds the next path segments when Kind is KindVirtualDir.
	Children []string
}

// Resolver maps virtual paths to (mount, config, subpath) under a
// principal's visibility.
type Resolver struct {
	mounts    repo.Mounts
	configs   repo.StorageConfigs
	acls      repo.ACLs
	passwords repo.PathPasswords
}

// NewResolver wires the resolver to its repositories.
func NewResolver(store *repo.Store) *Resolver {
	return &Resolver{
		mounts:    store.Mounts,
		configs:   store.StorageConfigs,
		acls:      store.ACLs,
		passwords: store.PathPasswords,
	}
}

// VisibleMounts returns the mounts the principal may see, sorted by mount
// path. Admins see all; API-key principals see mounts whose storage config
// is public and granted by their ACL, restricted to their basic_path scope.
func (r *Resolver) VisibleMounts(ctx context.Context, principal model.Principal) ([]model.Mount, error) {
	all, err := r.mounts.List(ctx)
	if err != nil {
		return nil, err
	}
	if principal.IsAdmin {
		return all, nil
	}

	allowed, err := r.acls.ConfigIDsFor(ctx, SubjectAPIKey, principal.ID)
	if err != nil {
		return nil, err
	}

	visible := make([]model.Mount, 0, len(all))
	for _, m := range all {
		cfg, err := r.configs.Get(ctx, m.StorageConfigID)
		if err != nil {
			continue // orphaned mount
		}
		if !cfg.IsPublic || !allowed[cfg.ID] {
			continue
		}
		if !withinScope(principal.BasicPath, m.MountPath) {
			continue
		}
		visible = append(visible, m)
	}
	sort.Slice(visible, func(i, j int) bool { return visible[i].MountPath < visible[j].MountPath })
	return visible, nil
}

// Resolve picks the longest visible mount-path prefix of path. A path that
// matches no mount but strictly prefixes one resolves to a virtual
// directory; anything else is NOT_FOUND.
func (r *Resolver) Resolve(ctx context.Context, principal model.Principal, path string) (*Resolution, error) {
	if !principal.IsAdmin && !inBasicPath(principal.BasicPath, path) {
		return nil, fgerr.New(fgerr.KindForbidden, "path outside principal scope").WithPath(path)
	}

	visible, err := r.VisibleMounts(ctx, principal)
	if err != nil {
		return nil, err
	}

	var best *model.Mount
	for i := range visible {
		m := &visible[i]
		if _, ok := pathutil.Subpath(m.MountPath, path); !ok {
			continue
		}
		if best == nil || len(m.MountPath) > len(best.MountPath) {
			best = m
		}
	}

	if best != nil {
		cfg, err := r.configs.Get(ctx, best.StorageConfigID)
		if err != nil {
			return nil, err
		}
		sub, _ := pathutil.Subpath(best.MountPath, path)
		return &Resolution{Kind: KindMounted, Mount: best, Config: cfg, Subpath: sub}, nil
	}

	// No mount owns the path; it may still be an ancestor of one.
	segments := make(map[string]bool)
	for _, m := range visible {
		if pathutil.IsStrictPrefix(path, m.MountPath) {
			if seg := pathutil.FirstSegment(path, m.MountPath); seg != "" {
				segments[seg] = true
			}
		}
	}
	if len(segments) == 0 {
		return nil, fgerr.New(fgerr.KindNotFound, "no mount at this path").WithPath(path)
	}
	children := make([]string, 0, len(segments))
	for seg := range segments {
		children = append(children, seg)
	}
	sort.Strings(children)
	return &Resolution{Kind: KindVirtualDir, Children: children}, nil
}

// CheckPathToken verifies the x-fs-path-token header for a listing. Admins
// bypass the check; paths without a configured password pass freely. A
// token matching the previous secret reports PASSWORD_CHANGED so clients
// can re-prompt instead of treating it as a plain denial.
func (r *Resolver) CheckPathToken(ctx context.Context, principal model.Principal, path, token string) error {
	if principal.IsAdmin {
		return nil
	}
	pw, err := r.passwords.Get(ctx, path)
	if err != nil {
		return err
	}
	if pw == nil {
		return nil
	}
	if token == pw.Token {
		return nil
	}
	if pw.RotatedFrom != "" && token == pw.RotatedFrom {
		return fgerr.New(fgerr.KindForbidden, "path password changed").
			WithReason(fgerr.ReasonPasswordChanged).WithPath(path)
	}
	return fgerr.New(fgerr.KindForbidden, "path password required").WithPath(path)
}

// ValidatePrefixFree checks that adding mountPath keeps the mount set
// prefix-free: no mount may be an ancestor or descendant of another.
func ValidatePrefixFree(existing []model.Mount, mountPath string) error {
	for _, m := range existing {
		if m.MountPath == mountPath ||
			pathutil.IsStrictPrefix(m.MountPath, mountPath) ||
			pathutil.IsStrictPrefix(mountPath, m.MountPath) {
			return fgerr.Newf(fgerr.KindConflict,
				"mount path %s overlaps existing mount %s", mountPath, m.MountPath)
		}
	}
	return nil
}

// withinScope reports whether a mount at mountPath is reachable from the
// basicPath scope: either the scope contains the mount or the mount
// contains the scope.
func withinScope(basicPath, mountPath string) bool {
	if basicPath == "" || basicPath == "/" {
		return true
	}
	return mountPath == basicPath ||
		pathutil.IsStrictPrefix(basicPath, mountPath) ||
		pathutil.IsStrictPrefix(mountPath, basicPath)
}

// inBasicPath reports whether path sits inside the principal scope or is
// an ancestor of it.
func inBasicPath(basicPath, path string) bool {
	if basicPath == "" || basicPath == "/" {
		return true
	}
	return path == basicPath || strings.HasPrefix(path, basicPath+"/") ||
		pathutil.IsStrictPrefix(path, basicPath)
}
