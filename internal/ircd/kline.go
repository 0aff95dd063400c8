package ircd

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// KLine is a configured or operator-set ban on a user@host pattern
// (spec.md §3 "Conf entries").
type KLine struct {
	UserMask string `yaml:"user_mask"`
	HostMask string `yaml:"host_mask"`
	SetBy    string `yaml:"set_by"`
	SetAt    int64  `yaml:"set_at"`
	Reason   string `yaml:"reason"`
}

// DLine bans a raw IP/CIDR regardless of ident.
type DLine struct {
	IPMask string `yaml:"ip_mask"`
	SetBy  string `yaml:"set_by"`
	SetAt  int64  `yaml:"set_at"`
	Reason string `yaml:"reason"`
}

// XLine bans on GECOS (realname) pattern match.
type XLine struct {
	Mask   string `yaml:"mask"`
	SetBy  string `yaml:"set_by"`
	SetAt  int64  `yaml:"set_at"`
	Reason string `yaml:"reason"`
}

// Resv reserves a nickname or channel name so nobody may use it
// (spec.md §3 "resvs").
type Resv struct {
	Mask   string `yaml:"mask"`
	SetBy  string `yaml:"set_by"`
	SetAt  int64  `yaml:"set_at"`
	Reason string `yaml:"reason"`
}

// BanStore holds the in-memory K/D/X-line and resv set used for ban
// evaluation (spec.md §6 "Persisted state layout"). When a path is
// set, every add and remove rewrites the YAML file at that path itself,
// and Load replays that file at startup.
type BanStore struct {
	path string
	mu   sync.Mutex

	KLines []KLine
	DLines []DLine
	XLines []XLine
	Resvs  []Resv
}

type banDBFile struct {
	KLines []KLine `yaml:"klines"`
	DLines []DLine `yaml:"dlines"`
	XLines []XLine `yaml:"xlines"`
	Resvs  []Resv  `yaml:"resvs"`
}

// NewBanStore creates a store backed by path. An empty path means the
// store is memory-only (tests, or a loader that persists elsewhere).
func NewBanStore(path string) *BanStore {
	return &BanStore{path: path}
}

// Load replays the on-disk ban database, the "startup replay from the
// loader" spec.md §6 describes.
func (b *BanStore) Load() error {
	if b.path == "" {
		return nil
	}
	data, err := os.ReadFile(b.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "reading ban database")
	}

	var f banDBFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return errors.Wrap(err, "parsing ban database")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.KLines = f.KLines
	b.DLines = f.DLines
	b.XLines = f.XLines
	b.Resvs = f.Resvs
	return nil
}

func (b *BanStore) flush() error {
	if b.path == "" {
		return nil
	}
	f := banDBFile{KLines: b.KLines, DLines: b.DLines, XLines: b.XLines, Resvs: b.Resvs}
	data, err := yaml.Marshal(f)
	if err != nil {
		return errors.Wrap(err, "encoding ban database")
	}
	return os.WriteFile(b.path, data, 0o600)
}

func (b *BanStore) AddKLine(k KLine) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.KLines = append(b.KLines, k)
	return b.flush()
}

func (b *BanStore) RemoveKLine(userMask, hostMask string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, k := range b.KLines {
		if k.UserMask == userMask && k.HostMask == hostMask {
			b.KLines = append(b.KLines[:i], b.KLines[i+1:]...)
			_ = b.flush()
			return true
		}
	}
	return false
}

func (b *BanStore) AddDLine(d DLine) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.DLines = append(b.DLines, d)
	return b.flush()
}

func (b *BanStore) RemoveDLine(ipMask string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, d := range b.DLines {
		if d.IPMask == ipMask {
			b.DLines = append(b.DLines[:i], b.DLines[i+1:]...)
			_ = b.flush()
			return true
		}
	}
	return false
}

func (b *BanStore) AddXLine(x XLine) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.XLines = append(b.XLines, x)
	return b.flush()
}

func (b *BanStore) AddResv(r Resv) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Resvs = append(b.Resvs, r)
	return b.flush()
}

func (b *BanStore) RemoveResv(mask string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, r := range b.Resvs {
		if strings.EqualFold(r.Mask, mask) {
			b.Resvs = append(b.Resvs[:i], b.Resvs[i+1:]...)
			_ = b.flush()
			return true
		}
	}
	return false
}

// MatchesKLine reports whether user@host is k-lined, and the
// matching reason.
func (b *BanStore) MatchesKLine(user, host string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, k := range b.KLines {
		if globMatch(k.UserMask, user) && globMatch(k.HostMask, host) {
			return k.Reason, true
		}
	}
	return "", false
}

func (b *BanStore) MatchesDLine(ip string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, d := range b.DLines {
		if globMatch(d.IPMask, ip) {
			return d.Reason, true
		}
	}
	return "", false
}

func (b *BanStore) MatchesXLine(gecos string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, x := range b.XLines {
		if globMatch(x.Mask, gecos) {
			return x.Reason, true
		}
	}
	return "", false
}

// MatchesResv reports whether name (nick or channel, case-folded by
// the caller) is reserved.
func (b *BanStore) MatchesResv(name string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range b.Resvs {
		if globMatch(strings.ToLower(r.Mask), strings.ToLower(name)) {
			return r.Reason, true
		}
	}
	return "", false
}

// revalidateBans re-checks every local user against the current
// K-, D- and X-lines, exiting any that now match; resvs are not
// checked. Called after a K-, D- or X-line is added so live
// connections reflect the change immediately
// (spec.md §4 "Ban/resv cache": "Invalidate and re-evaluate ... on
// user state change").
func (cb *Catbox) revalidateBans() {
	now := time.Now()
	_ = now
	for _, lu := range cb.LocalUsers {
		u := lu.User
		if reason, matched := cb.BanDB.MatchesKLine(u.Username, u.VisibleHost); matched {
			cb.exitUser(u, "K-lined: "+reason)
			continue
		}
		if reason, matched := cb.BanDB.MatchesDLine(u.IP); matched {
			cb.exitUser(u, "D-lined: "+reason)
			continue
		}
		if reason, matched := cb.BanDB.MatchesXLine(u.RealName); matched {
			cb.exitUser(u, "X-lined: "+reason)
		}
	}
}
