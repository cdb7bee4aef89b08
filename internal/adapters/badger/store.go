// Package badger implements the record store on an embedded BadgerDB.
package badger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/core/ports"
)

const (
	prefixApp        = "app:"
	prefixDeployment = "dep:"
	prefixCredential = "cred:"
	keyAppSeq        = "seq:app"

	conflictRetries = 5
)

// Options configures the store.
type Options struct {
	Path     string
	InMemory bool
	Logger   *zerolog.Logger
}

// Store implements ports.AppStore and ports.CredentialStore.
type Store struct {
	db    *badger.DB
	seq   *badger.Sequence
	vault ports.Vault
	now   func() time.Time
}

type badgerLogger struct {
	log zerolog.Logger
}

func (l badgerLogger) Errorf(f string, a ...interface{})   { l.log.Error().Msgf(f, a...) }
func (l badgerLogger) Warningf(f string, a ...interface{}) { l.log.Warn().Msgf(f, a...) }
func (l badgerLogger) Infof(f string, a ...interface{})    { l.log.Debug().Msgf(f, a...) }
func (l badgerLogger) Debugf(f string, a ...interface{})   { l.log.Trace().Msgf(f, a...) }

// Open opens (or creates) the database. vault seals credentials and may be
// nil when credentials are not used.
func Open(opts Options, vault ports.Vault) (*Store, error) {
	var bo badger.Options
	if opts.InMemory {
		bo = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.Path == "" {
			return nil, errors.New("store path is required for persistent database")
		}
		if err := os.MkdirAll(opts.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", opts.Path, err)
		}
		bo = badger.DefaultOptions(opts.Path)
	}
	if opts.Logger != nil {
		bo = bo.WithLogger(badgerLogger{log: *opts.Logger})
	} else {
		bo = bo.WithLogger(nil)
	}

	db, err := badger.Open(bo)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	seq, err := db.GetSequence([]byte(keyAppSeq), 16)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open app sequence: %w", err)
	}
	return &Store{db: db, seq: seq, vault: vault, now: time.Now}, nil
}

// DB exposes the underlying database for the GC service.
func (s *Store) DB() *badger.DB { return s.db }

func (s *Store) Close() error {
	if err := s.seq.Release(); err != nil {
		s.db.Close()
		return err
	}
	return s.db.Close()
}

func appKey(id int64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixApp, id))
}

func deploymentKey(d *domain.Deployment) []byte {
	return []byte(fmt.Sprintf("%s%020d:%020d:%s", prefixDeployment, d.AppID, d.CreatedAt.UnixNano(), d.ID))
}

func deploymentPrefix(appID int64) []byte {
	return []byte(fmt.Sprintf("%s%020d:", prefixDeployment, appID))
}

// update runs fn in a read-write transaction, retrying on write conflicts.
func (s *Store) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < conflictRetries; i++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return domain.ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, b)
}

func (s *Store) CreateApp(ctx context.Context, app *domain.App) error {
	n, err := s.seq.Next()
	if err != nil {
		return fmt.Errorf("allocate app id: %w", err)
	}
	now := s.now().UTC()
	app.ID = int64(n) + 1
	if app.Status == "" {
		app.Status = domain.StatusNotDeployed
	}
	if app.Slug == "" {
		app.Slug = domain.NewSlug(app.Name)
	}
	app.CreatedAt = now
	app.UpdatedAt = now

	return s.update(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, appKey(app.ID), app)
	})
}

func (s *Store) GetApp(ctx context.Context, id int64) (*domain.App, error) {
	var app domain.App
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, appKey(id), &app)
	})
	if err != nil {
		return nil, err
	}
	return &app, nil
}

func (s *Store) ListApps(ctx context.Context) ([]*domain.App, error) {
	apps := []*domain.App{}
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(prefixApp)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var app domain.App
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &app)
			}); err != nil {
				return err
			}
			apps = append(apps, &app)
		}
		return nil
	})
	return apps, err
}

func (s *Store) UpdateApp(ctx context.Context, id int64, fn func(*domain.App) error) (*domain.App, error) {
	var out domain.App
	err := s.update(ctx, func(txn *badger.Txn) error {
		var app domain.App
		if err := getJSON(txn, appKey(id), &app); err != nil {
			return err
		}
		if err := fn(&app); err != nil {
			return err
		}
		app.ID = id
		app.UpdatedAt = s.now().UTC()
		out = app
		return setJSON(txn, appKey(id), &app)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) DeleteApp(ctx context.Context, id int64) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(appKey(id)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return domain.ErrNotFound
			}
			return err
		}
		return txn.Delete(appKey(id))
	})
}

// ClaimJob takes the per-app job token. Badger's optimistic transactions
// make the read-check-write atomic: a concurrent claim conflicts and is
// retried against the new value.
func (s *Store) ClaimJob(ctx context.Context, appID int64, jobID string) error {
	_, err := s.UpdateApp(ctx, appID, func(app *domain.App) error {
		if app.ActiveJobID != "" && app.ActiveJobID != jobID {
			return fmt.Errorf("%w: held by %s", domain.ErrJobConflict, app.ActiveJobID)
		}
		app.ActiveJobID = jobID
		return nil
	})
	return err
}

// TransferJob moves the token from one job to the next. A free token is
// taken as well.
func (s *Store) TransferJob(ctx context.Context, appID int64, from, to string) error {
	_, err := s.UpdateApp(ctx, appID, func(app *domain.App) error {
		if held := app.ActiveJobID; held != "" && held != from && held != to {
			return fmt.Errorf("%w: held by %s", domain.ErrJobConflict, app.ActiveJobID)
		}
		app.ActiveJobID = to
		return nil
	})
	return err
}

func (s *Store) ReleaseJob(ctx context.Context, appID int64, jobID string) error {
	_, err := s.UpdateApp(ctx, appID, func(app *domain.App) error {
		if app.ActiveJobID == jobID {
			app.ActiveJobID = ""
		}
		return nil
	})
	if errors.Is(err, domain.ErrNotFound) {
		// removed by the job that held it
		return nil
	}
	return err
}

func (s *Store) AddDeployment(ctx context.Context, d *domain.Deployment) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.now().UTC()
	}
	return s.update(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, deploymentKey(d), d)
	})
}

func (s *Store) ListDeployments(ctx context.Context, appID int64) ([]*domain.Deployment, error) {
	out := []*domain.Deployment{}
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := deploymentPrefix(appID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var d domain.Deployment
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &d)
			}); err != nil {
				return err
			}
			out = append(out, &d)
		}
		return nil
	})
	// newest first
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, err
}

func (s *Store) DeleteDeployments(ctx context.Context, appID int64) (int, error) {
	return s.deleteWhere(ctx, deploymentPrefix(appID), func(*domain.Deployment) bool { return true })
}

// PruneDeployments deletes history records created before olderThan.
func (s *Store) PruneDeployments(ctx context.Context, olderThan time.Time) (int, error) {
	return s.deleteWhere(ctx, []byte(prefixDeployment), func(d *domain.Deployment) bool {
		return d.CreatedAt.Before(olderThan)
	})
}

func (s *Store) deleteWhere(ctx context.Context, prefix []byte, match func(*domain.Deployment) bool) (int, error) {
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var d domain.Deployment
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &d)
			}); err != nil {
				return err
			}
			if match(&d) {
				keys = append(keys, it.Item().KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return 0, err
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, err
	}
	return len(keys), nil
}

type sealedCredential struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	AuthType string `json:"auth_type"`
	Username string `json:"username,omitempty"`
	Secret   string `json:"secret"`
}

// SaveCredential seals the secret material with the vault before writing.
func (s *Store) SaveCredential(ctx context.Context, cred *domain.Credential) error {
	if s.vault == nil {
		return errors.New("credential vault is not configured")
	}
	if cred.ID == "" {
		cred.ID = uuid.NewString()
	}
	secret := cred.Token
	if cred.AuthType == domain.AuthSSH {
		secret = cred.SSHKey
	}
	sealed, err := s.vault.Seal([]byte(secret))
	if err != nil {
		return fmt.Errorf("seal credential: %w", err)
	}
	rec := sealedCredential{ID: cred.ID, Name: cred.Name, AuthType: cred.AuthType, Username: cred.Username, Secret: sealed}
	return s.update(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, []byte(prefixCredential+cred.ID), &rec)
	})
}

func (s *Store) GetCredential(ctx context.Context, id string) (*domain.Credential, error) {
	if s.vault == nil {
		return nil, errors.New("credential vault is not configured")
	}
	var rec sealedCredential
	if err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, []byte(prefixCredential+id), &rec)
	}); err != nil {
		return nil, err
	}
	secret, err := s.vault.Open(rec.Secret)
	if err != nil {
		return nil, fmt.Errorf("open credential: %w", err)
	}
	cred := &domain.Credential{ID: rec.ID, Name: rec.Name, AuthType: rec.AuthType, Username: rec.Username}
	if rec.AuthType == domain.AuthSSH {
		cred.SSHKey = string(secret)
	} else {
		cred.Token = string(secret)
	}
	return cred, nil
}
