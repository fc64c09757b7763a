package offlinesync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/always-cache/offline-sync/cache"
)

// Install stores the static manifest in the current static namespace.
// Either every manifest asset is stored or none is.
func (w *Worker) Install(ctx context.Context) error {
	_, err := w.Dispatch(ctx, Event{Kind: KindInstall})
	return err
}

// Activate removes the namespaces of other generations and starts
// serving intercepted requests from the cache.
func (w *Worker) Activate(ctx context.Context) error {
	_, err := w.Dispatch(ctx, Event{Kind: KindActivate})
	return err
}

func (w *Worker) handleInstall(ctx context.Context, _ Event) (Result, error) {
	log := w.log.With().Str("namespace", w.staticNs.Name).Logger()
	log.Info().Int("assets", len(w.manifest)).Msg("Installing static manifest")

	entries := make([]cache.Entry, len(w.manifest))
	g, gctx := errgroup.WithContext(ctx)
	for i, path := range w.manifest {
		g.Go(func() error {
			req, err := http.NewRequestWithContext(gctx, http.MethodGet, path, nil)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			entry, err := w.router.Prefetch(gctx, req)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			entries[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Could not fetch static manifest")
		return Result{}, fmt.Errorf("%w: %w", ErrInstallFailure, err)
	}

	if err := w.storeManifest(ctx, entries); err != nil {
		log.Error().Err(err).Msg("Could not store static manifest")
		// leave no partial manifest behind
		if delErr := w.store.DeleteNamespace(context.WithoutCancel(ctx), w.staticNs.Name); delErr != nil {
			log.Error().Err(delErr).Msg("Could not remove partial static manifest")
		}
		return Result{}, fmt.Errorf("%w: %w", ErrInstallFailure, err)
	}

	w.installed.Store(true)
	log.Info().Msg("Installed")
	return Result{}, nil
}

func (w *Worker) storeManifest(ctx context.Context, entries []cache.Entry) error {
	if err := w.store.Open(ctx, w.staticNs.Name); err != nil {
		return err
	}
	for _, entry := range entries {
		if err := w.store.Put(ctx, w.staticNs.Name, entry.Fingerprint, entry); err != nil {
			return err
		}
	}
	return nil
}

// handleActivate deletes every namespace but the current ones.
// An interrupted cleanup is completed by activating again.
// The gate opens only after the cleanup succeeded.
func (w *Worker) handleActivate(ctx context.Context, _ Event) (Result, error) {
	names, err := w.store.Namespaces(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("activate: %w", err)
	}
	if !w.installed.Load() {
		// installed by an earlier run of this generation
		if !slices.Contains(names, w.staticNs.Name) {
			return Result{}, fmt.Errorf("activate %s: %w", w.staticNs.Name, ErrNotInstalled)
		}
		w.installed.Store(true)
	}

	var errs []error
	deleted := make([]string, 0)
	for _, name := range names {
		if name == w.staticNs.Name || name == w.dynamicNs.Name {
			continue
		}
		if err := w.store.DeleteNamespace(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("delete namespace %s: %w", name, err))
			continue
		}
		deleted = append(deleted, name)
		w.log.Info().Str("namespace", name).Msg("Deleted stale namespace")
	}
	if err := errors.Join(errs...); err != nil {
		return Result{Reply: deleted}, fmt.Errorf("activate: %w", err)
	}
	if err := w.store.Open(ctx, w.dynamicNs.Name); err != nil {
		return Result{Reply: deleted}, fmt.Errorf("activate: %w", err)
	}

	w.activateOnce.Do(func() {
		close(w.activated)
		w.log.Info().
			Str("static", w.staticNs.Name).
			Str("dynamic", w.dynamicNs.Name).
			Msg("Activated")
	})
	return Result{Reply: deleted}, nil
}
