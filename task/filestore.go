package task

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-playground/validator/v10"
	"github.com/yuin/goldmark"
)

// FileStore is the filesystem-as-truth Store implementation. A
// FileStore is scoped to a single project directory laid out per §6:
//
//	<root>/tasks/{backlog,ready,in-progress,blocked,review,done}/<id>.md
//	<root>/events/ <root>/artifacts/<id>/ <root>/state/
//
// All mutation is single-writer per process, guarded by mu; directory
// rename is the atomicity boundary for status moves, via the same
// write-temp-then-rename discipline as every other on-disk write here.
type FileStore struct {
	mu       sync.Mutex
	root     string
	project  string
	logger   *slog.Logger
	validate *validator.Validate
}

// NewFileStore opens (and, if absent, creates) the directory structure for
// a project rooted at root.
func NewFileStore(root, project string, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fs := &FileStore{root: root, project: project, logger: logger, validate: validator.New()}
	if err := fs.ensureLayout(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (fs *FileStore) ensureLayout() error {
	dirs := []string{filepath.Join(fs.root, "events"), filepath.Join(fs.root, "artifacts"), filepath.Join(fs.root, "state")}
	for _, s := range allStatuses {
		dirs = append(dirs, filepath.Join(fs.root, "tasks", string(s)))
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("%w: create %s: %v", ErrIO, d, err)
		}
	}
	return nil
}

func (fs *FileStore) statusDir(s Status) string { return filepath.Join(fs.root, "tasks", string(s)) }
func (fs *FileStore) taskPath(s Status, id string) string {
	return filepath.Join(fs.statusDir(s), id+".md")
}

// writeAtomic writes data to path via a temp sibling + rename, retried with
// bounded backoff against transient I/O errors (§7).
func writeAtomic(path string, data []byte) error {
	op := func() (struct{}, error) {
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, data, 0o644); err != nil {
			return struct{}{}, fmt.Errorf("%w: write %s: %v", ErrIO, tmp, err)
		}
		if err := os.Rename(tmp, path); err != nil {
			return struct{}{}, fmt.Errorf("%w: rename %s: %v", ErrIO, path, err)
		}
		return struct{}{}, nil
	}
	_, err := backoff.Retry(context.Background(), op, backoff.WithMaxTries(3))
	return err
}

// findTaskFile scans the status directories for id.md and returns its
// current status and path. O(statuses) directory stats; the task set in a
// single project is small enough that this is not a hot-path concern.
func (fs *FileStore) findTaskFile(id string) (Status, string, error) {
	for _, s := range allStatuses {
		p := fs.taskPath(s, id)
		if _, err := os.Stat(p); err == nil {
			return s, p, nil
		}
	}
	return "", "", fmt.Errorf("%w: %s", ErrNotFound, id)
}

func (fs *FileStore) loadAll() ([]*Task, []Issue, error) {
	var tasks []*Task
	var issues []Issue
	seen := map[string]string{} // id -> first path seen, for duplicate detection

	tasksRoot := filepath.Join(fs.root, "tasks")
	entries, err := os.ReadDir(tasksRoot)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: read %s: %v", ErrIO, tasksRoot, err)
	}
	validStatusDir := map[string]bool{}
	for _, s := range allStatuses {
		validStatusDir[string(s)] = true
	}

	for _, dirEnt := range entries {
		if !dirEnt.IsDir() {
			continue
		}
		dirStatus := dirEnt.Name()
		dirPath := filepath.Join(tasksRoot, dirStatus)
		if !validStatusDir[dirStatus] {
			// (a) non-status directories containing .md
			files, _ := os.ReadDir(dirPath)
			for _, f := range files {
				if strings.HasSuffix(f.Name(), ".md") {
					issues = append(issues, Issue{Kind: "misplaced_file", Path: filepath.Join(dirPath, f.Name()),
						Detail: fmt.Sprintf("task file under non-status directory %q", dirStatus)})
				}
			}
			continue
		}

		files, err := os.ReadDir(dirPath)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: read %s: %v", ErrIO, dirPath, err)
		}
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), ".md") {
				continue
			}
			path := filepath.Join(dirPath, f.Name())
			raw, err := os.ReadFile(path)
			if err != nil {
				issues = append(issues, Issue{Kind: "io_error", Path: path, Detail: err.Error()})
				continue
			}
			t, err := decodeTask(raw)
			if err != nil {
				issues = append(issues, Issue{Kind: "invalid_markdown", Path: path, Detail: err.Error()})
				continue
			}
			if string(t.Status) != dirStatus {
				issues = append(issues, Issue{Kind: "status_mismatch", TaskID: t.ID, Path: path,
					Detail: fmt.Sprintf("front matter status %q disagrees with directory %q", t.Status, dirStatus)})
				t.Quarantined = true
			}
			if prior, dup := seen[t.ID]; dup {
				issues = append(issues, Issue{Kind: "duplicate_id", TaskID: t.ID,
					Detail: fmt.Sprintf("also present at %s", prior)})
				t.Quarantined = true
			} else {
				seen[t.ID] = path
			}
			if err := fs.validate.Struct(t); err != nil {
				issues = append(issues, Issue{Kind: "schema_violation", TaskID: t.ID, Path: path, Detail: err.Error()})
				t.Quarantined = true
			}
			tasks = append(tasks, t)
		}
	}

	// (d) orphan parent/dep references
	ids := map[string]bool{}
	for _, t := range tasks {
		ids[t.ID] = true
	}
	for _, t := range tasks {
		if t.ParentID != "" && !ids[t.ParentID] {
			issues = append(issues, Issue{Kind: "orphan_ref", TaskID: t.ID,
				Detail: fmt.Sprintf("parentId %q does not exist", t.ParentID)})
		}
		for _, dep := range t.DependsOn {
			if !ids[dep] {
				issues = append(issues, Issue{Kind: "orphan_ref", TaskID: t.ID,
					Detail: fmt.Sprintf("dependsOn %q does not exist", dep)})
			}
		}
	}

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
	return tasks, issues, nil
}

var idSeqRe = regexp.MustCompile(`-(\d+)$`)

// nextID assigns a project-prefixed, monotonic-within-day task id, e.g.
// "acme-20260730-7". Monotonicity is derived by scanning existing ids
// rather than a separate counter file, keeping the filesystem the sole
// source of truth (§4.1).
func (fs *FileStore) nextID(existing []*Task) string {
	day := time.Now().UTC().Format("20060102")
	prefix := fmt.Sprintf("%s-%s-", fs.project, day)
	max := 0
	for _, t := range existing {
		if !strings.HasPrefix(t.ID, prefix) {
			continue
		}
		m := idSeqRe.FindStringSubmatch(t.ID)
		if m == nil {
			continue
		}
		if n, err := strconv.Atoi(m[1]); err == nil && n > max {
			max = n
		}
	}
	return fmt.Sprintf("%s%d", prefix, max+1)
}

// Create implements Store.
func (fs *FileStore) Create(p CreateParams) (*Task, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	existing, _, err := fs.loadAll()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	t := &Task{
		SchemaVersion:    1,
		ID:               fs.nextID(existing),
		Project:          fs.project,
		Title:            p.Title,
		Body:             p.Body,
		Status:           StatusBacklog,
		Priority:         p.Priority,
		Routing:          p.Routing,
		DependsOn:        p.DependsOn,
		ParentID:         p.ParentID,
		Resource:         p.Resource,
		CreatedAt:        now,
		UpdatedAt:        now,
		LastTransitionAt: now,
		CreatedBy:        p.CreatedBy,
		Metadata:         p.Metadata,
	}
	if t.Priority == "" {
		t.Priority = PriorityNormal
	}

	data, err := encodeTask(t)
	if err != nil {
		return nil, err
	}
	if err := writeAtomic(fs.taskPath(StatusBacklog, t.ID), data); err != nil {
		return nil, err
	}
	fs.logger.Info("task created", "id", t.ID, "title", t.Title)
	return t, nil
}

// Get implements Store.
func (fs *FileStore) Get(id string) (*Task, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	status, path, err := fs.findTaskFile(id)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	t, err := decodeTask(raw)
	if err != nil {
		return nil, err
	}
	if t.Status != status {
		t.Quarantined = true
	}
	return t, nil
}

// GetByPrefix implements Store (case-sensitive exact/prefix lookup).
func (fs *FileStore) GetByPrefix(prefix string) (*Task, error) {
	fs.mu.Lock()
	tasks, _, err := fs.loadAll()
	fs.mu.Unlock()
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if t.ID == prefix {
			return t, nil
		}
	}
	var match *Task
	for _, t := range tasks {
		if strings.HasPrefix(t.ID, prefix) {
			if match != nil {
				return nil, fmt.Errorf("%w: ambiguous prefix %q", ErrNotFound, prefix)
			}
			match = t
		}
	}
	if match == nil {
		return nil, fmt.Errorf("%w: prefix %q", ErrNotFound, prefix)
	}
	return match, nil
}

// List implements Store.
func (fs *FileStore) List(filter ListFilter) ([]*Task, error) {
	fs.mu.Lock()
	tasks, _, err := fs.loadAll()
	fs.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := tasks[:0:0]
	for _, t := range tasks {
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.Agent != "" && (t.Lease == nil || t.Lease.Agent != filter.Agent) {
			continue
		}
		if filter.Project != "" && t.Project != filter.Project {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// CountByStatus implements Store.
func (fs *FileStore) CountByStatus() (map[Status]int, error) {
	fs.mu.Lock()
	tasks, _, err := fs.loadAll()
	fs.mu.Unlock()
	if err != nil {
		return nil, err
	}
	counts := map[Status]int{}
	for _, s := range allStatuses {
		counts[s] = 0
	}
	for _, t := range tasks {
		counts[t.Status]++
	}
	return counts, nil
}

// Transition implements Store. It is the only path that moves a task's
// directory; in-progress -> done is rejected here by design:
// completion must go through the task_complete composite path.
func (fs *FileStore) Transition(id string, to Status, opts TransitionOptions) (*Task, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	from, path, err := fs.findTaskFile(id)
	if err != nil {
		return nil, err
	}
	if from == StatusInProgress && to == StatusDone {
		return nil, fmt.Errorf("%w: in-progress -> done must go through review (use task_complete)", ErrInvalidTransition)
	}
	if !LegalTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	t, err := decodeTask(raw)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	t.Status = to
	t.UpdatedAt = now
	t.LastTransitionAt = now
	if to == StatusInProgress && opts.Agent != "" {
		// lease is attached separately by the lease manager; nothing to do here.
	}
	if opts.Reason != "" {
		if t.Metadata == nil {
			t.Metadata = map[string]string{}
		}
		t.Metadata["lastTransitionReason"] = opts.Reason
	}

	data, err := encodeTask(t)
	if err != nil {
		return nil, err
	}
	// Rewrite content in place first (still under the old directory), then
	// rename the file into the new status directory: a crash between these
	// two renames never leaves the file in two directories at once.
	if err := writeAtomic(path, data); err != nil {
		return nil, err
	}
	newPath := fs.taskPath(to, id)
	if err := os.Rename(path, newPath); err != nil {
		return nil, fmt.Errorf("%w: move %s -> %s: %v", ErrIO, path, newPath, err)
	}

	fs.logger.Info("task transitioned", "id", id, "from", from, "to", to, "agent", opts.Agent, "reason", opts.Reason)
	return t, nil
}

// UpdateBody implements Store.
func (fs *FileStore) UpdateBody(id string, body string) (*Task, error) {
	return fs.Update(id, func(t *Task) error {
		t.Body = body
		return nil
	})
}

// Update implements Store: partial front-matter mutation via patch, which
// must not change ID, CreatedAt, or Status (status changes only via
// Transition).
func (fs *FileStore) Update(id string, patch func(*Task) error) (*Task, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	status, path, err := fs.findTaskFile(id)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	t, err := decodeTask(raw)
	if err != nil {
		return nil, err
	}

	origID, origCreated, origStatus := t.ID, t.CreatedAt, t.Status
	if err := patch(t); err != nil {
		return nil, err
	}
	t.ID = origID
	t.CreatedAt = origCreated
	t.Status = origStatus
	t.UpdatedAt = time.Now().UTC()

	data, err := encodeTask(t)
	if err != nil {
		return nil, err
	}
	if err := writeAtomic(path, data); err != nil {
		return nil, err
	}
	_ = status
	return t, nil
}

// Cancel implements Store: an administrative transition to done. Backlog
// and review tasks move straight to done; an in-progress task first moves
// to review with a "cancel:" status note, then to done. Any other status is
// refused by the transition graph.
func (fs *FileStore) Cancel(id string, reason string) (*Task, error) {
	t, err := fs.Get(id)
	if err != nil {
		return nil, err
	}
	if t.Status == StatusInProgress {
		if _, err := fs.Transition(id, StatusReview, TransitionOptions{Reason: "cancel: " + reason}); err != nil {
			return nil, err
		}
	}
	return fs.Transition(id, StatusDone, TransitionOptions{Reason: "cancelled: " + reason})
}

// Block implements Store.
func (fs *FileStore) Block(id string, reason string) (*Task, error) {
	return fs.Transition(id, StatusBlocked, TransitionOptions{Reason: reason})
}

// Unblock implements Store.
func (fs *FileStore) Unblock(id string) (*Task, error) {
	return fs.Transition(id, StatusReady, TransitionOptions{Reason: "unblocked"})
}

// Delete implements Store.
func (fs *FileStore) Delete(id string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	_, path, err := fs.findTaskFile(id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

// AddDep implements Store, rejecting self-references and cycles.
func (fs *FileStore) AddDep(id, blockerID string) error {
	if id == blockerID {
		return fmt.Errorf("%w: task cannot depend on itself", ErrCycleDetected)
	}
	fs.mu.Lock()
	tasks, _, err := fs.loadAll()
	fs.mu.Unlock()
	if err != nil {
		return err
	}
	byID := map[string]*Task{}
	for _, t := range tasks {
		byID[t.ID] = t
	}
	if _, ok := byID[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if _, ok := byID[blockerID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, blockerID)
	}
	if wouldCycle(byID, id, blockerID) {
		return fmt.Errorf("%w: adding %s as a dependency of %s", ErrCycleDetected, blockerID, id)
	}
	_, err = fs.Update(id, func(t *Task) error {
		for _, d := range t.DependsOn {
			if d == blockerID {
				return nil
			}
		}
		t.DependsOn = append(t.DependsOn, blockerID)
		return nil
	})
	return err
}

// RemoveDep implements Store.
func (fs *FileStore) RemoveDep(id, blockerID string) error {
	_, err := fs.Update(id, func(t *Task) error {
		out := t.DependsOn[:0:0]
		for _, d := range t.DependsOn {
			if d != blockerID {
				out = append(out, d)
			}
		}
		t.DependsOn = out
		return nil
	})
	return err
}

// wouldCycle performs a DFS from blockerID to see if it can already reach
// id; if so, adding id -> blockerID closes a cycle.
func wouldCycle(byID map[string]*Task, id, blockerID string) bool {
	visited := map[string]bool{}
	var dfs func(string) bool
	dfs = func(cur string) bool {
		if cur == id {
			return true
		}
		if visited[cur] {
			return false
		}
		visited[cur] = true
		t, ok := byID[cur]
		if !ok {
			return false
		}
		for _, dep := range t.DependsOn {
			if dfs(dep) {
				return true
			}
		}
		return false
	}
	return dfs(blockerID)
}

// WriteArtifact implements Store, writing into artifacts/<id>/ scoped by
// task id.
func (fs *FileStore) WriteArtifact(id, filename string, content []byte) error {
	dir := filepath.Join(fs.root, "artifacts", id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return writeAtomic(filepath.Join(dir, filename), content)
}

// Lint implements Store's structural validator. In addition to the
// directory-level checks performed during loadAll, it renders each task's
// markdown body through goldmark to catch bodies that fail to parse as
// CommonMark (the in-scope structural half of §4.1's invalid_markdown
// check; goldmark's renderer is deliberately permissive, so this mainly
// surfaces writer-level failures, not prose quality).
func (fs *FileStore) Lint() ([]Issue, error) {
	fs.mu.Lock()
	tasks, issues, err := fs.loadAll()
	fs.mu.Unlock()
	if err != nil {
		return nil, err
	}
	md := goldmark.New()
	for _, t := range tasks {
		var buf strings.Builder
		if err := md.Convert([]byte(t.Body), &buf); err != nil {
			issues = append(issues, Issue{Kind: "invalid_markdown", TaskID: t.ID,
				Detail: fmt.Sprintf("body failed to render: %v", err)})
		}
	}
	return issues, nil
}
