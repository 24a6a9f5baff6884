// Package gitsync keeps a disposable local checkout in step with a remote
// repository. The checkout is build input only, never a source of truth:
// local drift is force-discarded on every sync.
package gitsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/LordVaderXIII/Appmanager/internal/fingerprint"
	"github.com/LordVaderXIII/Appmanager/internal/workspace"
)

// ErrSync marks transient sync failures (network, auth, divergent branch).
// Callers treat the cycle as a no-op rather than a build failure.
var ErrSync = errors.New("gitsync: sync failed")

// Credentials optionally authenticate private-repository operations.
type Credentials struct {
	Username string
	Token    string
}

// Result reports the resolved revision after a sync.
type Result struct {
	Revision string
	Changed  bool
	Dir      string
}

// Syncer performs clone/fetch/reset against a remote.
type Syncer struct {
	ws      *workspace.Manager
	timeout time.Duration
	logger  *slog.Logger
}

// New constructs a Syncer.
func New(ws *workspace.Manager, timeout time.Duration, logger *slog.Logger) *Syncer {
	if timeout <= 0 {
		timeout = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{ws: ws, timeout: timeout, logger: logger.With("component", "gitsync")}
}

// Sync clones on first use, otherwise fetches and hard-resets the tracked
// branch. Changed is true iff the resolved revision differs from
// lastRevision. On error the previous checkout is left intact.
func (s *Syncer) Sync(ctx context.Context, repoID, remoteURL, branch string, creds Credentials, lastRevision string) (Result, error) {
	if remoteURL == "" {
		return Result{}, fmt.Errorf("%w: remote URL cannot be empty", ErrSync)
	}
	if branch == "" {
		branch = "main"
	}

	authURL, err := insertAuth(remoteURL, creds)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrSync, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	dir, err := s.ws.Dir(repoID)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrSync, err)
	}

	if !s.hasCheckout(dir) {
		if dir, err = s.ws.Reset(repoID); err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrSync, err)
		}
		if out, err := s.git(ctx, dir, "clone", "--branch", branch, authURL, "."); err != nil {
			return Result{}, s.syncErr(creds, "clone failed", out, err)
		}
	} else {
		// Auth state may have changed since the last cycle; refresh the
		// remote before touching the network.
		if out, err := s.git(ctx, dir, "remote", "set-url", "origin", authURL); err != nil {
			return Result{}, s.syncErr(creds, "set remote failed", out, err)
		}
		if out, err := s.git(ctx, dir, "fetch", "origin", branch); err != nil {
			return Result{}, s.syncErr(creds, "fetch failed", out, err)
		}
		if out, err := s.git(ctx, dir, "reset", "--hard", "origin/"+branch); err != nil {
			return Result{}, s.syncErr(creds, "reset failed", out, err)
		}
	}

	out, err := s.git(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return Result{}, s.syncErr(creds, "resolve revision failed", out, err)
	}
	revision := strings.TrimSpace(out)

	return Result{
		Revision: revision,
		Changed:  revision != lastRevision,
		Dir:      dir,
	}, nil
}

func (s *Syncer) hasCheckout(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, ".git"))
	return err == nil && info.IsDir()
}

func (s *Syncer) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	// Prevent git from prompting for credentials interactively.
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	output, err := cmd.CombinedOutput()
	return string(output), err
}

// syncErr wraps a git failure with credentials scrubbed from the output so
// tokens never reach logs or persisted state.
func (s *Syncer) syncErr(creds Credentials, msg, output string, err error) error {
	safe := fingerprint.Sanitize(strings.TrimSpace(output), creds.Token)
	if safe == "" {
		return fmt.Errorf("%w: %s: %v", ErrSync, msg, err)
	}
	return fmt.Errorf("%w: %s: %s", ErrSync, msg, safe)
}

// insertAuth embeds basic-auth credentials into an HTTP(S) remote URL.
func insertAuth(remote string, creds Credentials) (string, error) {
	if creds.Username == "" || creds.Token == "" {
		return remote, nil
	}
	u, err := url.Parse(remote)
	if err != nil {
		return "", fmt.Errorf("parse remote url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return remote, nil
	}
	u.User = url.UserPassword(creds.Username, creds.Token)
	return u.String(), nil
}

// RepoName derives an owner/repo display name from a remote URL.
func RepoName(remote string) string {
	trimmed := strings.TrimSuffix(strings.TrimSuffix(remote, "/"), ".git")
	parts := strings.Split(trimmed, "/")
	if len(parts) >= 2 {
		return parts[len(parts)-2] + "/" + parts[len(parts)-1]
	}
	return trimmed
}
