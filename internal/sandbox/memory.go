package sandbox

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/steveyegge/forge/internal/patch"
	"github.com/steveyegge/forge/internal/types"
)

// Memory is an in-memory Sandbox. Files live in a map, commands are answered
// by the optional hook funcs. It lets reflection and handoff run without a
// container runtime.
type Memory struct {
	mu    sync.RWMutex
	info  Info
	files map[string][]byte
	base  map[string][]byte // content as of the last commit or sync
	seed  map[string][]byte // content Reset returns to, under Host

	// Host is the content SyncFromHost copies in (optional)
	Host map[string][]byte

	// ExecFunc answers Exec; nil returns exit code 0 with no output
	ExecFunc func(ctx context.Context, command string, files map[string][]byte) (*ExecResult, error)

	// TypeCheckFunc and TestFunc answer the validation calls; nil passes
	TypeCheckFunc func(ctx context.Context, files map[string][]byte) (*ValidationResult, error)
	TestFunc      func(ctx context.Context, pattern string, files map[string][]byte) (*ValidationResult, error)

	// Starts counts provisioned environments
	Starts int

	Now func() time.Time
}

var _ Sandbox = (*Memory)(nil)

// NewMemory returns an in-memory sandbox seeded with files.
func NewMemory(files map[string]string) *Memory {
	m := &Memory{
		info:  Info{State: StateNone, Runtime: "memory"},
		files: map[string][]byte{},
		base:  map[string][]byte{},
		seed:  map[string][]byte{},
		Now:   time.Now,
	}
	for p, c := range files {
		m.files[p] = []byte(c)
		m.base[p] = []byte(c)
		m.seed[p] = []byte(c)
	}
	return m
}

func (m *Memory) Info() Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.info
}

func (m *Memory) Start(ctx context.Context) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.info.State {
	case StateRunning:
		return m.info, nil
	case StateStopped:
		m.info.State = StateRunning
		return m.info, nil
	}
	now := m.Now()
	m.Starts++
	m.info = Info{
		ID:         "mem-" + uuid.New().String()[:8],
		State:      StateRunning,
		Runtime:    "memory",
		CreatedAt:  now,
		LastUsedAt: now,
	}
	return m.info, nil
}

func (m *Memory) Stop(ctx context.Context) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.info.State != StateRunning && m.info.State != StateStopped {
		return m.info, types.Errorf(types.KindStateConflict, "sandbox.stop", "no sandbox to stop (state %s)", m.info.State)
	}
	m.info.State = StateStopped
	m.info.ServerPort = 0
	return m.info, nil
}

func (m *Memory) Destroy(ctx context.Context) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.info.State == StateNone || m.info.State == StateDestroyed {
		return m.info, types.Errorf(types.KindStateConflict, "sandbox.destroy", "no sandbox to destroy (state %s)", m.info.State)
	}
	m.info.State = StateDestroyed
	m.info.ServerPort = 0
	return m.info, nil
}

func (m *Memory) SyncFromHost(ctx context.Context, paths []string) (*SyncResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireRunning("sandbox.sync"); err != nil {
		return nil, err
	}
	res := &SyncResult{}
	if len(paths) == 0 {
		for p := range m.Host {
			paths = append(paths, p)
		}
		sort.Strings(paths)
	}
	for _, p := range paths {
		rel, err := types.CleanRelPath("sandbox.sync", p)
		if err != nil {
			return nil, err
		}
		data, ok := m.Host[rel]
		if !ok {
			delete(m.files, rel)
			delete(m.base, rel)
			res.Removed = append(res.Removed, rel)
			continue
		}
		m.files[rel] = append([]byte{}, data...)
		m.base[rel] = append([]byte{}, data...)
		res.Copied++
	}
	return res, nil
}

// Reset returns the files to the seed content overlaid with Host, dropping
// edits, commits and files created since.
func (m *Memory) Reset(ctx context.Context) (*SyncResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireRunning("sandbox.reset"); err != nil {
		return nil, err
	}
	res := &SyncResult{}
	for p := range m.files {
		_, inSeed := m.seed[p]
		_, onHost := m.Host[p]
		if !inSeed && !onHost {
			res.Removed = append(res.Removed, p)
		}
	}
	sort.Strings(res.Removed)

	m.files = map[string][]byte{}
	m.base = map[string][]byte{}
	for p, data := range m.seed {
		m.files[p] = append([]byte{}, data...)
	}
	for p, data := range m.Host {
		m.files[p] = append([]byte{}, data...)
		res.Copied++
	}
	for p, data := range m.files {
		m.base[p] = append([]byte{}, data...)
	}
	m.info.LastUsedAt = m.Now()
	return res, nil
}

func (m *Memory) Exec(ctx context.Context, command string, timeout time.Duration) (*ExecResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireRunning("sandbox.exec"); err != nil {
		return nil, err
	}
	if strings.TrimSpace(command) == "" {
		return nil, types.Errorf(types.KindValidation, "sandbox.exec", "command is required")
	}
	if deny, blocked := BlockedCommand(command, nil); blocked {
		return nil, types.Errorf(types.KindAccessDenied, "sandbox.exec", "command denied (matches %q)", deny)
	}
	m.info.ExecutionCount++
	m.info.LastUsedAt = m.Now()
	if m.ExecFunc == nil {
		return &ExecResult{Command: command}, nil
	}
	return m.ExecFunc(ctx, command, m.snapshot())
}

func (m *Memory) ReadFile(ctx context.Context, path string) ([]byte, error) {
	rel, err := types.CleanRelPath("sandbox.read", path)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.files[rel]
	if !ok {
		return nil, types.Errorf(types.KindNotFound, "sandbox.read", "file %s not found in sandbox", path)
	}
	return append([]byte{}, data...), nil
}

func (m *Memory) WriteFile(ctx context.Context, path string, data []byte) error {
	rel, err := m.writable("sandbox.write", path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[rel] = append([]byte{}, data...)
	return nil
}

func (m *Memory) RemoveFile(ctx context.Context, path string) error {
	rel, err := m.writable("sandbox.remove", path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, rel)
	return nil
}

func (m *Memory) Commit(ctx context.Context, message string) (string, error) {
	if strings.TrimSpace(message) == "" {
		return "", types.Errorf(types.KindValidation, "sandbox.commit", "commit message is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.changedLocked()) == 0 {
		return "", types.Errorf(types.KindStateConflict, "sandbox.commit", "nothing to commit")
	}
	m.base = m.snapshot()
	return strings.ReplaceAll(uuid.New().String(), "-", ""), nil
}

// Diff renders every changed file (or just path) as a unified diff.
func (m *Memory) Diff(ctx context.Context, path string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	paths := m.changedLocked()
	if path != "" {
		rel, err := types.CleanRelPath("sandbox.diff", path)
		if err != nil {
			return "", err
		}
		paths = []string{rel}
	}

	var b strings.Builder
	for _, p := range paths {
		b.WriteString(patch.Render(p, m.base[p], m.files[p]))
	}
	return b.String(), nil
}

func (m *Memory) RunTests(ctx context.Context, pattern string) (*ValidationResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireRunning("sandbox.test"); err != nil {
		return nil, err
	}
	m.info.ExecutionCount++
	if m.TestFunc == nil {
		return &ValidationResult{Kind: "test", Passed: true}, nil
	}
	return m.TestFunc(ctx, pattern, m.snapshot())
}

func (m *Memory) TypeCheck(ctx context.Context) (*ValidationResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireRunning("sandbox.typecheck"); err != nil {
		return nil, err
	}
	m.info.ExecutionCount++
	if m.TypeCheckFunc == nil {
		return &ValidationResult{Kind: "typecheck", Passed: true}, nil
	}
	return m.TypeCheckFunc(ctx, m.snapshot())
}

func (m *Memory) StartServer(ctx context.Context) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireRunning("sandbox.start_server"); err != nil {
		return m.info, err
	}
	if m.info.ServerPort == 0 {
		m.info.ServerPort = 8080
	}
	return m.info, nil
}

func (m *Memory) StopServer(ctx context.Context) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.info.ServerPort = 0
	return m.info, nil
}

// Files returns a copy of the current sandbox files.
func (m *Memory) Files() map[string][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot()
}

func (m *Memory) writable(op, path string) (string, error) {
	rel, err := types.CleanRelPath(op, path)
	if err != nil {
		return "", err
	}
	if types.IsProtectedPath(rel, nil) {
		return "", types.Errorf(types.KindAccessDenied, op, "path is protected: %s", rel)
	}
	return rel, nil
}

func (m *Memory) requireRunning(op string) error {
	if m.info.State != StateRunning {
		return types.Errorf(types.KindStateConflict, op, "sandbox is not running (state %s)", m.info.State)
	}
	return nil
}

// changedLocked returns the sorted paths that differ from base.
func (m *Memory) changedLocked() []string {
	var paths []string
	for p, data := range m.files {
		if old, ok := m.base[p]; !ok || string(old) != string(data) {
			paths = append(paths, p)
		}
	}
	for p := range m.base {
		if _, ok := m.files[p]; !ok {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	return paths
}

func (m *Memory) snapshot() map[string][]byte {
	out := make(map[string][]byte, len(m.files))
	for p, data := range m.files {
		out[p] = append([]byte{}, data...)
	}
	return out
}
