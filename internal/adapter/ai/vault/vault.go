// Package vault owns the single provider credential: obfuscated storage,
// staleness tracking, advisory validation, and one-shot propagation to
// dependents.
package vault

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/skillforge/coachline/internal/domain"
)

const (
	keyBlob       = "credential:blob"
	keyAssignedAt = "credential:assigned_at"
)

// Dependent is a component holding its own copy of the plain credential.
// The vault pushes updates; dependents never call back into the vault
// during propagation.
type Dependent interface {
	SetKey(key string)
	ClearKey()
}

// Strength is the advisory result of CheckStrength. It never touches storage.
type Strength struct {
	Valid  bool     `json:"valid"`
	Issues []string `json:"issues"`
}

// Age describes how old the stored credential is.
type Age struct {
	DaysOld *int `json:"days_old"` // nil when no credential is assigned
	Stale   bool `json:"stale"`    // advisory rotation hint, never blocks use
}

// Vault stores one obfuscated credential and its assignment timestamp.
// Exactly one instance is authoritative system-wide; mu guards its state
// against concurrent handlers and the detached retry goroutine.
type Vault struct {
	store     domain.KVStore
	clock     domain.Clock
	log       *slog.Logger
	minLength int
	staleAge  time.Duration
	prefix    string // required provider key prefix, e.g. "AIza"

	mu          sync.Mutex
	secret      string
	assignedAt  time.Time
	dependents  []Dependent
	propagating bool // re-entrancy guard for dependent propagation
}

// New constructs a Vault and loads any persisted credential. A persisted
// blob that fails to decode is treated as absent: the corrupt entries are
// deleted and the vault reports unconfigured.
func New(ctx context.Context, store domain.KVStore, clock domain.Clock, log *slog.Logger, minLength int, staleAge time.Duration) *Vault {
	v := &Vault{
		store:     store,
		clock:     clock,
		log:       log,
		minLength: minLength,
		staleAge:  staleAge,
		prefix:    "AIza",
	}
	v.load(ctx)
	return v
}

type persistedBlob struct {
	V string `json:"v"`
}

func (v *Vault) load(ctx context.Context) {
	v.mu.Lock()
	defer v.mu.Unlock()
	raw, ok, err := v.store.Get(ctx, keyBlob)
	if err != nil || !ok {
		return
	}
	var blob persistedBlob
	plain := ""
	if jsonErr := json.Unmarshal([]byte(raw), &blob); jsonErr == nil {
		plain, err = deobfuscate(blob.V)
	} else {
		err = jsonErr
	}
	if err != nil || normalize(plain) == "" {
		// Self-heal: a corrupt blob is absent state, not an error.
		v.log.Warn("stored credential failed to decode, clearing", slog.Any("error", err))
		_ = v.store.Delete(ctx, keyBlob, keyAssignedAt)
		return
	}
	v.secret = normalize(plain)
	if ts, tsOK, tsErr := v.store.Get(ctx, keyAssignedAt); tsErr == nil && tsOK {
		if t, parseErr := time.Parse(time.RFC3339, ts); parseErr == nil {
			v.assignedAt = t
		}
	}
	v.log.Info("credential loaded", slog.Int("length", len(v.secret)))
}

// Register adds a dependent. If a credential is already present it is
// pushed immediately so late registrants do not miss the propagation.
func (v *Vault) Register(d Dependent) {
	v.mu.Lock()
	v.dependents = append(v.dependents, d)
	secret := v.secret
	var deps []Dependent
	if secret != "" {
		deps = v.beginPropagationLocked()
	}
	v.mu.Unlock()
	v.notifySet(deps, secret)
}

// SetCredential normalizes, stores, and propagates a new credential.
// The previous credential is replaced wholesale.
func (v *Vault) SetCredential(ctx context.Context, raw string) error {
	cleaned := normalize(raw)
	if cleaned == "" {
		return fmt.Errorf("%w: empty after normalization", domain.ErrInvalidCredential)
	}
	now := v.clock.Now().UTC()
	blob, err := json.Marshal(persistedBlob{V: obfuscate(cleaned)})
	if err != nil {
		return fmt.Errorf("op=vault.SetCredential: %w", err)
	}
	v.mu.Lock()
	if err := v.store.Set(ctx, keyBlob, string(blob)); err != nil {
		v.mu.Unlock()
		return err
	}
	if err := v.store.Set(ctx, keyAssignedAt, now.Format(time.RFC3339)); err != nil {
		v.mu.Unlock()
		return err
	}
	v.secret = cleaned
	v.assignedAt = now
	deps := v.beginPropagationLocked()
	v.mu.Unlock()
	v.notifySet(deps, cleaned)
	v.log.Info("credential set", slog.Int("length", len(cleaned)))
	return nil
}

// beginPropagationLocked snapshots the dependents for one propagation, or
// returns nil when one is already in flight. Callers must hold mu.
func (v *Vault) beginPropagationLocked() []Dependent {
	if v.propagating || len(v.dependents) == 0 {
		return nil
	}
	v.propagating = true
	return append([]Dependent(nil), v.dependents...)
}

// notifySet pushes the plain credential to the snapshotted dependents.
// Runs without the lock so a dependent echoing the update back hits the
// propagating guard instead of deadlocking.
func (v *Vault) notifySet(deps []Dependent, key string) {
	if deps == nil {
		return
	}
	for _, d := range deps {
		d.SetKey(key)
	}
	v.mu.Lock()
	v.propagating = false
	v.mu.Unlock()
}

// GetCredential returns the plain credential and whether one is present.
func (v *Vault) GetCredential() (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.secret == "" {
		return "", false
	}
	return v.secret, true
}

// IsConfigured reports whether a credential is present and long enough to
// plausibly be real.
func (v *Vault) IsConfigured() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.secret) >= v.minLength
}

// ClearCredential removes the credential and instructs dependents to drop
// their copies. Idempotent.
func (v *Vault) ClearCredential(ctx context.Context) {
	v.mu.Lock()
	v.secret = ""
	v.assignedAt = time.Time{}
	_ = v.store.Delete(ctx, keyBlob, keyAssignedAt)
	deps := v.beginPropagationLocked()
	v.mu.Unlock()
	if deps != nil {
		for _, d := range deps {
			d.ClearKey()
		}
		v.mu.Lock()
		v.propagating = false
		v.mu.Unlock()
	}
	v.log.Info("credential cleared")
}

var credentialCharset = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// CheckStrength applies static format rules to a candidate credential.
// Purely advisory; it never touches storage.
func (v *Vault) CheckStrength(raw string) Strength {
	cleaned := normalize(raw)
	var issues []string
	if cleaned == "" {
		return Strength{Valid: false, Issues: []string{"credential is empty"}}
	}
	if len(cleaned) < v.minLength {
		issues = append(issues, fmt.Sprintf("credential is too short (minimum %d characters)", v.minLength))
	}
	if !credentialCharset.MatchString(cleaned) {
		issues = append(issues, "credential contains invalid characters")
	}
	if !strings.HasPrefix(cleaned, v.prefix) {
		issues = append(issues, fmt.Sprintf("provider keys are expected to start with %q", v.prefix))
	}
	return Strength{Valid: len(issues) == 0, Issues: issues}
}

// DescribeAge derives the credential's age from its assignment timestamp.
// Past the stale threshold the result carries a rotation hint; it never
// blocks use.
func (v *Vault) DescribeAge() Age {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.secret == "" || v.assignedAt.IsZero() {
		return Age{}
	}
	days := int(v.clock.Now().UTC().Sub(v.assignedAt).Hours() / 24)
	return Age{DaysOld: &days, Stale: v.clock.Now().UTC().Sub(v.assignedAt) >= v.staleAge}
}

// normalize strips surrounding whitespace and every interior whitespace or
// control character; pasted keys routinely pick up newlines and tabs.
func normalize(raw string) string {
	return strings.Map(func(r rune) rune {
		if r <= ' ' || r == 0x7f {
			return -1
		}
		return r
	}, raw)
}

// The stored form is a reversible transform, not secret-grade protection.
// It only keeps the key out of casual reads of the store.
const obfuscationKey = "coachline-credential-v1"

func obfuscate(plain string) string {
	b := []byte(plain)
	k := []byte(obfuscationKey)
	for i := range b {
		b[i] ^= k[i%len(k)]
	}
	return base64.StdEncoding.EncodeToString(b)
}

func deobfuscate(enc string) (string, error) {
	b, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return "", err
	}
	k := []byte(obfuscationKey)
	for i := range b {
		b[i] ^= k[i%len(k)]
	}
	return string(b), nil
}
