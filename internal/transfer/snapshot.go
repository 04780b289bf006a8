package transfer

import (
	"errors"
	"fmt"

	"github.com/yarkm13/skiff/internal/paths"
	"github.com/yarkm13/skiff/internal/session"
)

// Root is one persisted root path.
type Root struct {
	Remote    string `json:"remote"`
	Local     string `json:"local"`
	Directory bool   `json:"directory"`
}

// Snapshot is the persisted state of a transfer, enough to recreate it
// after a restart and resume it.
type Snapshot struct {
	ID      string `json:"id"`
	Kind    Kind   `json:"kind"`
	Host    string `json:"host"`
	Roots   []Root `json:"roots"`
	Size    int64  `json:"size"`
	Current int64  `json:"current"`
	// Policy is set for sync transfers only.
	Policy Action `json:"policy,omitempty"`
}

// Snapshot captures the transfer state.
func (t *Transfer) Snapshot() Snapshot {
	s := Snapshot{
		ID:      t.id,
		Kind:    t.Kind(),
		Host:    t.sess.Host.URL(),
		Size:    t.Size(),
		Current: t.Transferred(),
		Policy:  t.Policy(),
	}
	for _, r := range t.roots {
		root := Root{Remote: r.Absolute(), Directory: r.IsDirectory()}
		if r.Local != nil {
			root.Local = r.Local.Path()
		}
		s.Roots = append(s.Roots, root)
	}
	return s
}

// Restore recreates a transfer from snap on sess. The counters are carried
// over so progress shows before the next run recomputes them.
func Restore(snap Snapshot, sess *session.Session, opts Options) (*Transfer, error) {
	if len(snap.Roots) == 0 {
		return nil, errors.New("snapshot has no roots")
	}
	roots := make([]*paths.Path, 0, len(snap.Roots))
	for _, r := range snap.Roots {
		typ := paths.FileType
		if r.Directory {
			typ = paths.DirectoryType
		}
		p := paths.New(r.Remote, typ)
		p.Local = paths.NewLocal(r.Local)
		roots = append(roots, p)
	}
	opts.ID = snap.ID

	var t *Transfer
	switch snap.Kind {
	case KindDownload:
		t = NewDownload(sess, roots, opts)
	case KindUpload:
		t = NewUpload(sess, roots, opts)
	case KindSync:
		t = NewSync(sess, roots[0], opts)
		if snap.Policy != "" {
			if err := t.SetPolicy(snap.Policy); err != nil {
				return nil, err
			}
		}
	default:
		return nil, fmt.Errorf("snapshot %s: unknown kind %q", snap.ID, snap.Kind)
	}
	t.size.Store(snap.Size)
	t.transferred.Store(snap.Current)
	return t, nil
}
