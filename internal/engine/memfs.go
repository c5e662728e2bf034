package engine

import (
	"sort"
	"strings"
	"sync"
	"time"
)

const maxSymlinkHops = 40

var _ Engine = (*MemFS)(nil)

// MemFS is the in-memory engine. Branch trees share file content with the
// snapshots they were captured into or created from; the first write to a
// shared file copies its content into the writing branch.
type MemFS struct {
	cfg Config

	mu           sync.Mutex
	nextNode     NodeID
	nextHandle   Handle
	nextSnapshot SnapshotID
	nextBranch   BranchID
	bytes        uint64
	branches     map[BranchID]*branch
	snapshots    map[SnapshotID]*snapshot
	bindings     map[PID]BranchID
	handles      map[Handle]*openHandle

	now func() int64
}

type branch struct {
	id     BranchID
	name   string
	parent SnapshotID
	root   *node
	index  map[NodeID]*node
}

type snapshot struct {
	id     SnapshotID
	name   string
	source BranchID
	root   *node
}

type node struct {
	id      NodeID
	dir     bool
	symlink bool
	target  string
	mode    uint32
	times   FileTimes
	// children is non-nil exactly for directories.
	children map[string]*node
	content  []byte
	// shared marks content aliased by a snapshot or a cloned branch;
	// a write must copy before mutating.
	shared bool
	xattrs map[string][]byte
}

type openHandle struct {
	owner PID
	br    BranchID
	n     *node
	read  bool
	write bool
}

// NewMemFS builds an empty engine with one default branch.
func NewMemFS(cfg Config) *MemFS {
	m := &MemFS{
		cfg:       cfg,
		branches:  make(map[BranchID]*branch),
		snapshots: make(map[SnapshotID]*snapshot),
		bindings:  make(map[PID]BranchID),
		handles:   make(map[Handle]*openHandle),
		now:       func() int64 { return time.Now().Unix() },
	}
	root := m.newNode(true)
	b := &branch{id: DefaultBranch, name: "default", root: root, index: map[NodeID]*node{root.id: root}}
	m.branches[DefaultBranch] = b
	m.nextBranch = DefaultBranch
	return m
}

func (m *MemFS) newNode(dir bool) *node {
	m.nextNode++
	now := m.now()
	n := &node{
		id:    m.nextNode,
		dir:   dir,
		mode:  0o644,
		times: FileTimes{Atime: now, Mtime: now, Ctime: now},
	}
	if dir {
		n.mode = 0o755
		n.children = make(map[string]*node)
	}
	return n
}

func (m *MemFS) branchOf(p PID) *branch {
	id, ok := m.bindings[p]
	if !ok {
		id = DefaultBranch
	}
	return m.branches[id]
}

// lookupChild honors the configured case sensitivity. The insensitive mode
// preserves stored names and matches by fold.
func (m *MemFS) lookupChild(dir *node, name string) (*node, string, bool) {
	if child, ok := dir.children[name]; ok {
		return child, name, true
	}
	if !m.cfg.CaseSensitive {
		for stored, child := range dir.children {
			if strings.EqualFold(stored, name) {
				return child, stored, true
			}
		}
	}
	return nil, "", false
}

func splitPath(path string) ([]string, error) {
	if !strings.HasPrefix(path, "/") {
		return nil, ErrInvalid
	}
	var parts []string
	for _, seg := range strings.Split(path, "/") {
		switch seg {
		case "", ".":
		case "..":
			return nil, ErrInvalid
		default:
			parts = append(parts, seg)
		}
	}
	return parts, nil
}

// resolve walks a path in a branch. Intermediate symlinks are followed;
// the leaf is returned as-is. hops guards against link cycles.
func (m *MemFS) resolve(b *branch, path string, hops int) (*node, error) {
	parts, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	return m.walk(b, b.root, parts, hops)
}

func (m *MemFS) walk(b *branch, cur *node, parts []string, hops int) (*node, error) {
	for _, name := range parts {
		if cur.symlink {
			if hops <= 0 {
				return nil, ErrTooManyLinks
			}
			resolved, err := m.resolve(b, cur.target, hops-1)
			if err != nil {
				return nil, err
			}
			cur = resolved
		}
		if !cur.dir {
			return nil, ErrNotDir
		}
		child, _, ok := m.lookupChild(cur, name)
		if !ok {
			return nil, ErrNotFound
		}
		cur = child
	}
	return cur, nil
}

// resolveParent returns the directory holding the leaf of path, plus the
// leaf name. The leaf itself need not exist.
func (m *MemFS) resolveParent(b *branch, path string) (*node, string, error) {
	parts, err := splitPath(path)
	if err != nil {
		return nil, "", err
	}
	if len(parts) == 0 {
		return nil, "", ErrInvalid
	}
	dir, err := m.walk(b, b.root, parts[:len(parts)-1], maxSymlinkHops)
	if err != nil {
		return nil, "", err
	}
	if dir.symlink {
		resolved, err := m.resolve(b, dir.target, maxSymlinkHops)
		if err != nil {
			return nil, "", err
		}
		dir = resolved
	}
	if !dir.dir {
		return nil, "", ErrNotDir
	}
	return dir, parts[len(parts)-1], nil
}

func attrsOf(n *node) Attributes {
	return Attributes{
		Len:       uint64(len(n.content)),
		IsDir:     n.dir,
		IsSymlink: n.symlink,
		Mode:      n.mode,
		Times:     n.times,
	}
}

func (m *MemFS) GetAttr(p PID, path string) (Attributes, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, err := m.resolve(m.branchOf(p), path, maxSymlinkHops)
	if err != nil {
		return Attributes{}, err
	}
	return attrsOf(n), nil
}

func (m *MemFS) SetTimes(p PID, path string, times FileTimes) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, err := m.resolve(m.branchOf(p), path, maxSymlinkHops)
	if err != nil {
		return err
	}
	n.times = times
	return nil
}

func (m *MemFS) SetMode(p PID, path string, mode uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, err := m.resolve(m.branchOf(p), path, maxSymlinkHops)
	if err != nil {
		return err
	}
	n.mode = mode & 0o7777
	n.times.Ctime = m.now()
	return nil
}

func (m *MemFS) Mkdir(p PID, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.branchOf(p)
	dir, name, err := m.resolveParent(b, path)
	if err != nil {
		return err
	}
	if _, _, ok := m.lookupChild(dir, name); ok {
		return ErrExists
	}
	child := m.newNode(true)
	dir.children[name] = child
	dir.times.Mtime = m.now()
	b.index[child.id] = child
	return nil
}

func (m *MemFS) Rmdir(p PID, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.branchOf(p)
	dir, name, err := m.resolveParent(b, path)
	if err != nil {
		return err
	}
	child, stored, ok := m.lookupChild(dir, name)
	if !ok {
		return ErrNotFound
	}
	if !child.dir {
		return ErrNotDir
	}
	if len(child.children) != 0 {
		return ErrNotEmpty
	}
	delete(dir.children, stored)
	delete(b.index, child.id)
	dir.times.Mtime = m.now()
	return nil
}

func (m *MemFS) Unlink(p PID, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.branchOf(p)
	dir, name, err := m.resolveParent(b, path)
	if err != nil {
		return err
	}
	child, stored, ok := m.lookupChild(dir, name)
	if !ok {
		return ErrNotFound
	}
	if child.dir {
		return ErrIsDir
	}
	delete(dir.children, stored)
	delete(b.index, child.id)
	dir.times.Mtime = m.now()
	if !child.shared {
		m.bytes -= uint64(len(child.content))
	}
	return nil
}

func (m *MemFS) Rename(p PID, oldPath, newPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.branchOf(p)
	srcDir, srcName, err := m.resolveParent(b, oldPath)
	if err != nil {
		return err
	}
	moving, srcStored, ok := m.lookupChild(srcDir, srcName)
	if !ok {
		return ErrNotFound
	}
	dstDir, dstName, err := m.resolveParent(b, newPath)
	if err != nil {
		return err
	}
	// Moving a directory under itself would detach it into an
	// unreachable cycle; rename(2) rejects this with EINVAL.
	if moving.dir && subtreeContains(moving, dstDir) {
		return ErrInvalid
	}
	if existing, dstStored, ok := m.lookupChild(dstDir, dstName); ok {
		if existing == moving {
			return nil
		}
		if existing.dir {
			if !moving.dir {
				return ErrIsDir
			}
			if len(existing.children) != 0 {
				return ErrNotEmpty
			}
		} else if moving.dir {
			return ErrNotDir
		}
		delete(dstDir.children, dstStored)
		delete(b.index, existing.id)
		if !existing.shared {
			m.bytes -= uint64(len(existing.content))
		}
	}
	delete(srcDir.children, srcStored)
	dstDir.children[dstName] = moving
	now := m.now()
	srcDir.times.Mtime = now
	dstDir.times.Mtime = now
	moving.times.Ctime = now
	return nil
}

// subtreeContains reports whether target is root or lives anywhere under
// it.
func subtreeContains(root, target *node) bool {
	if root == target {
		return true
	}
	for _, child := range root.children {
		if subtreeContains(child, target) {
			return true
		}
	}
	return false
}

func (m *MemFS) Symlink(p PID, target, linkPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.branchOf(p)
	dir, name, err := m.resolveParent(b, linkPath)
	if err != nil {
		return err
	}
	if _, _, ok := m.lookupChild(dir, name); ok {
		return ErrExists
	}
	link := m.newNode(false)
	link.symlink = true
	link.target = target
	link.mode = 0o777
	dir.children[name] = link
	dir.times.Mtime = m.now()
	b.index[link.id] = link
	return nil
}

func (m *MemFS) Readlink(p PID, path string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, err := m.resolve(m.branchOf(p), path, maxSymlinkHops)
	if err != nil {
		return "", err
	}
	if !n.symlink {
		return "", ErrInvalid
	}
	return n.target, nil
}

func (m *MemFS) ReadDir(p PID, path string) ([]DirEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, err := m.resolve(m.branchOf(p), path, maxSymlinkHops)
	if err != nil {
		return nil, err
	}
	if n.symlink {
		if n, err = m.resolve(m.branchOf(p), n.target, maxSymlinkHops); err != nil {
			return nil, err
		}
	}
	if !n.dir {
		return nil, ErrNotDir
	}
	entries := make([]DirEntry, 0, len(n.children))
	for name, child := range n.children {
		entries = append(entries, DirEntry{
			Name:      name,
			IsDir:     child.dir,
			IsSymlink: child.symlink,
			Len:       uint64(len(child.content)),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func (m *MemFS) XattrGet(p PID, path, name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, err := m.resolve(m.branchOf(p), path, maxSymlinkHops)
	if err != nil {
		return nil, err
	}
	value, ok := n.xattrs[name]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

func (m *MemFS) XattrSet(p PID, path, name string, value []byte) error {
	if name == "" {
		return ErrInvalid
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n, err := m.resolve(m.branchOf(p), path, maxSymlinkHops)
	if err != nil {
		return err
	}
	if n.xattrs == nil {
		n.xattrs = make(map[string][]byte)
	}
	n.xattrs[name] = append([]byte(nil), value...)
	n.times.Ctime = m.now()
	return nil
}

func (m *MemFS) XattrList(p PID, path string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, err := m.resolve(m.branchOf(p), path, maxSymlinkHops)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(n.xattrs))
	for name := range n.xattrs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemFS) ResolveNode(p PID, path string) (NodeID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, err := m.resolve(m.branchOf(p), path, maxSymlinkHops)
	if err != nil {
		return 0, err
	}
	return n.id, nil
}

func (m *MemFS) CreateChild(p PID, parent NodeID, name string, dir bool) (NodeID, error) {
	if name == "" || strings.ContainsRune(name, '/') {
		return 0, ErrInvalid
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.branchOf(p)
	parentNode, ok := b.index[parent]
	if !ok {
		return 0, ErrNotFound
	}
	if !parentNode.dir {
		return 0, ErrNotDir
	}
	if _, _, ok := m.lookupChild(parentNode, name); ok {
		return 0, ErrExists
	}
	child := m.newNode(dir)
	parentNode.children[name] = child
	parentNode.times.Mtime = m.now()
	b.index[child.id] = child
	return child.id, nil
}

func (m *MemFS) Open(p PID, path string, opts OpenOptions) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.branchOf(p)
	n, err := m.resolve(b, path, maxSymlinkHops)
	if err == nil && n.symlink {
		n, err = m.resolve(b, n.target, maxSymlinkHops)
	}
	if err != nil {
		if err != ErrNotFound || !opts.Create {
			return 0, err
		}
		dir, name, perr := m.resolveParent(b, path)
		if perr != nil {
			return 0, perr
		}
		n = m.newNode(false)
		dir.children[name] = n
		dir.times.Mtime = m.now()
		b.index[n.id] = n
	}
	return m.openNode(p, b, n, opts)
}

func (m *MemFS) OpenNode(p PID, id NodeID, opts OpenOptions) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.branchOf(p)
	n, ok := b.index[id]
	if !ok {
		return 0, ErrNotFound
	}
	return m.openNode(p, b, n, opts)
}

func (m *MemFS) openNode(p PID, b *branch, n *node, opts OpenOptions) (Handle, error) {
	if n.dir {
		return 0, ErrIsDir
	}
	if !opts.Read && !opts.Write {
		return 0, ErrInvalid
	}
	if uint32(len(m.handles)) >= m.cfg.Limits.MaxOpenHandles {
		return 0, ErrTooManyOpen
	}
	if opts.Truncate && opts.Write {
		if !n.shared {
			m.bytes -= uint64(len(n.content))
		}
		n.content = nil
		n.shared = false
		n.times.Mtime = m.now()
	}
	m.nextHandle++
	h := m.nextHandle
	m.handles[h] = &openHandle{owner: p, br: b.id, n: n, read: opts.Read, write: opts.Write}
	return h, nil
}

func (m *MemFS) handleFor(p PID, h Handle) (*openHandle, error) {
	oh, ok := m.handles[h]
	if !ok || oh.owner != p {
		return nil, ErrBadHandle
	}
	return oh, nil
}

func (m *MemFS) ReadAt(p PID, h Handle, offset uint64, buf []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	oh, err := m.handleFor(p, h)
	if err != nil {
		return 0, err
	}
	if !oh.read {
		return 0, ErrAccess
	}
	content := oh.n.content
	if offset >= uint64(len(content)) {
		return 0, nil
	}
	n := copy(buf, content[offset:])
	oh.n.times.Atime = m.now()
	return n, nil
}

func (m *MemFS) WriteAt(p PID, h Handle, offset uint64, data []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	oh, err := m.handleFor(p, h)
	if err != nil {
		return 0, err
	}
	if !oh.write {
		return 0, ErrAccess
	}
	n := oh.n

	end := offset + uint64(len(data))
	// size is what this branch will privately hold after the write: a
	// copy-up duplicates the whole content, not just the written range.
	size := uint64(len(n.content))
	if end > size {
		size = end
	}
	owned := uint64(len(n.content))
	if n.shared {
		owned = 0
	}
	if delta := size - owned; delta > 0 && m.cfg.Limits.MaxBytesInMemory > 0 {
		if m.bytes+delta > m.cfg.Limits.MaxBytesInMemory {
			return 0, ErrNoSpace
		}
		m.bytes += delta
	}

	if n.shared {
		n.content = append([]byte(nil), n.content...)
		n.shared = false
	}
	if end > uint64(len(n.content)) {
		n.content = append(n.content, make([]byte, end-uint64(len(n.content)))...)
	}
	copy(n.content[offset:end], data)
	n.times.Mtime = m.now()
	return len(data), nil
}

func (m *MemFS) Close(p PID, h Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.handleFor(p, h); err != nil {
		return err
	}
	delete(m.handles, h)
	return nil
}

func (m *MemFS) CloseAll(p PID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for h, oh := range m.handles {
		if oh.owner == p {
			delete(m.handles, h)
		}
	}
	delete(m.bindings, p)
}

// cloneTree copies a tree's structure, sharing file content with the source.
// Cloned nodes get fresh ids registered in index when non-nil.
func (m *MemFS) cloneTree(src *node, index map[NodeID]*node) *node {
	dst := m.newNode(src.dir)
	dst.symlink = src.symlink
	dst.target = src.target
	dst.mode = src.mode
	dst.times = src.times
	if len(src.content) > 0 {
		src.shared = true
		dst.content = src.content
		dst.shared = true
	}
	if len(src.xattrs) > 0 {
		dst.xattrs = make(map[string][]byte, len(src.xattrs))
		for k, v := range src.xattrs {
			dst.xattrs[k] = v
		}
	}
	for name, child := range src.children {
		dst.children[name] = m.cloneTree(child, index)
	}
	if index != nil {
		index[dst.id] = dst
	}
	return dst
}

func (m *MemFS) SnapshotCreate(source BranchID, name string) (SnapshotID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.branches[source]
	if !ok {
		return 0, ErrNotFound
	}
	if uint32(len(m.snapshots)) >= m.cfg.Limits.MaxSnapshots {
		return 0, ErrSnapshotLimit
	}
	m.nextSnapshot++
	id := m.nextSnapshot
	m.snapshots[id] = &snapshot{id: id, name: name, source: source, root: m.cloneTree(b.root, nil)}
	return id, nil
}

func (m *MemFS) Snapshots() []SnapshotInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	infos := make([]SnapshotInfo, 0, len(m.snapshots))
	for _, s := range m.snapshots {
		infos = append(infos, SnapshotInfo{ID: s.id, Name: s.name, Source: s.source})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

func (m *MemFS) BranchCreate(from SnapshotID, name string) (BranchID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.snapshots[from]
	if !ok {
		return 0, ErrNotFound
	}
	if uint32(len(m.branches)) >= m.cfg.Limits.MaxBranches {
		return 0, ErrBranchLimit
	}
	m.nextBranch++
	id := m.nextBranch
	index := make(map[NodeID]*node)
	b := &branch{id: id, name: name, parent: from, root: m.cloneTree(s.root, index), index: index}
	m.branches[id] = b
	return id, nil
}

func (m *MemFS) Branches() []BranchInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	infos := make([]BranchInfo, 0, len(m.branches))
	for _, b := range m.branches {
		infos = append(infos, BranchInfo{ID: b.id, Name: b.name, Parent: b.parent})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

func (m *MemFS) Bind(p PID, b BranchID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.branches[b]; !ok {
		return ErrNotFound
	}
	m.bindings[p] = b
	return nil
}

func (m *MemFS) Unbind(p PID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bindings, p)
}
